package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richinsley/gen2go/client"
	"github.com/richinsley/gen2go/graphapi"
)

const (
	DefaultQueuePollInterval = 2 * time.Second
	DefaultQueueTimeout      = 30 * time.Minute
)

// comfyBackend runs a workflow graph on a queue server. Each call yields a
// single image, so batches are driven one seed at a time.
type comfyBackend struct {
	serverURL    string
	imageFormat  string
	prepOpts     PreprocessOptions
	pre          ImagePreprocessor
	hc           *http.Client
	pollInterval time.Duration
	timeout      time.Duration
	progress     *progressCell

	client *client.ComfyClient
}

func (c *comfyBackend) SingleArtifact() bool {
	return true
}

// comfyClient validates the server address once per run
func (c *comfyBackend) comfyClient() (*client.ComfyClient, error) {
	if c.client != nil {
		return c.client, nil
	}
	cc, err := client.NewComfyClient(c.serverURL)
	if err != nil {
		if errors.Is(err, client.ErrMissingServer) {
			return nil, newError(KindInvalidConfiguration, "no queue server address configured")
		}
		return nil, &Error{Kind: KindInvalidURL, Message: c.serverURL, Err: err}
	}
	if c.hc != nil {
		cc.SetHttpClient(c.hc)
	}
	c.client = cc
	return cc, nil
}

func (c *comfyBackend) Build(ctx context.Context, req *GenerationRequest, it iteration) (*Payload, error) {
	if req.Workflow == nil || req.Workflow.Len() == 0 {
		return nil, newError(KindNoWorkflow, "a workflow graph is required")
	}
	if _, err := c.comfyClient(); err != nil {
		return nil, err
	}

	graph := req.Workflow.Clone()
	sink, err := graph.FindPromptSink(req.Options.PromptNodeID)
	if err != nil {
		return nil, &Error{Kind: KindInvalidPromptNode, Message: err.Error(), Err: err}
	}
	if err := graph.SetPrompt(sink, req.Prompt); err != nil {
		return nil, &Error{Kind: KindInvalidPromptNode, Message: err.Error(), Err: err}
	}

	for _, id := range req.Options.ImageNodeIDs {
		if !graph.AcceptsImage(id) {
			return nil, newError(KindInvalidImageNode, "node %s does not accept an image", id)
		}
	}
	if len(req.Options.ImageNodeIDs) > len(req.Images) {
		return nil, newError(KindInvalidInput, "%d image nodes selected but only %d images supplied", len(req.Options.ImageNodeIDs), len(req.Images))
	}

	sampler, err := graph.FindSampler()
	if err != nil {
		return nil, &Error{Kind: KindNoSamplerNode, Message: err.Error(), Err: err}
	}
	if err := graph.SetSeed(sampler, it.Seed); err != nil {
		return nil, &Error{Kind: KindNoSamplerNode, Message: err.Error(), Err: err}
	}
	if err := applySampling(graph, req.Options); err != nil {
		return nil, err
	}
	if req.Options.NegativePrompt != "" {
		setNegativePrompt(graph, sink, req.Options.NegativePrompt)
	}

	// images without a selected node are not sent
	images, err := prepareImages(c.pre, req.Images[:len(req.Options.ImageNodeIDs)], c.imageFormat, c.prepOpts)
	if err != nil {
		return nil, err
	}

	return &Payload{
		Graph:      graph,
		Uploads:    images,
		ImageNodes: req.Options.ImageNodeIDs,
		Seed:       it.Seed,
		Index:      it.Index,
		Total:      it.Total,
	}, nil
}

// applySampling writes strength into the denoise input and guidance into the
// cfg (or flux guidance) input of the graph
func applySampling(graph *graphapi.WorkflowGraph, opts Options) error {
	if opts.Strength < 0 || opts.Strength > 1 {
		return newError(KindInvalidInput, "strength must be between 0 and 1, got %g", opts.Strength)
	}
	if opts.Guidance < 0 {
		return newError(KindInvalidInput, "guidance must not be negative, got %g", opts.Guidance)
	}
	if opts.Strength > 0 {
		if _, ok := graph.SetNumberInput("denoise", opts.Strength); !ok {
			slog.Warn("workflow has no denoise input, strength ignored")
		}
	}
	if opts.Guidance > 0 {
		_, ok := graph.SetNumberInput("cfg", opts.Guidance)
		if !ok {
			_, ok = graph.SetNumberInput("guidance", opts.Guidance)
		}
		if !ok {
			slog.Warn("workflow has no cfg input, guidance ignored")
		}
	}
	return nil
}

// setNegativePrompt fills the first text encoder, other than the prompt
// sink, whose title marks it as negative
func setNegativePrompt(graph *graphapi.WorkflowGraph, sink string, text string) {
	for _, id := range graph.IDs() {
		n := graph.Node(id)
		if id == sink || !strings.Contains(strings.ToLower(n.Title), "negative") {
			continue
		}
		if err := graph.SetPrompt(id, text); err == nil {
			return
		}
	}
}

func (c *comfyBackend) Execute(ctx context.Context, p *Payload) ([]ResultItem, error) {
	cc, err := c.comfyClient()
	if err != nil {
		return nil, err
	}
	promptID := uuid.New().String()

	// progress is advisory, a missing channel does not fail the job
	reporter := &batchReporter{cell: c.progress, index: p.Index, total: p.Total}
	ws, err := cc.OpenProgressChannel(ctx, &client.PromptWatcher{PromptID: promptID, Reporter: reporter})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("progress channel unavailable", "error", err)
	} else {
		defer func() {
			if err := ws.Close(); err != nil {
				slog.Debug("closing progress channel", "error", err)
			}
		}()
	}

	for i, img := range p.Uploads {
		name, err := cc.UploadImage(ctx, img.Data, img.Name)
		if err != nil {
			return nil, fromClientError(err)
		}
		if err := p.Graph.SetImage(p.ImageNodes[i], name); err != nil {
			return nil, &Error{Kind: KindInvalidImageNode, Message: err.Error(), Err: err}
		}
	}

	slog.Debug("queueing prompt", "prompt_id", promptID, "seed", p.Seed)
	if _, err := cc.QueuePrompt(ctx, p.Graph, promptID); err != nil {
		return nil, fromClientError(err)
	}

	entry, err := c.waitForHistory(ctx, cc, promptID)
	if err != nil {
		return nil, err
	}

	out, ok := pickOutput(entry.MediaOutputs())
	if !ok {
		return nil, apiError("no result or timeout", 0, "")
	}
	data, err := cc.GetImage(ctx, out)
	if err != nil {
		return nil, fromClientError(err)
	}
	seed := p.Seed
	return []ResultItem{{
		Image:    data,
		MIMEType: http.DetectContentType(data),
		Caption:  seedCaption(seed),
		Seed:     &seed,
	}}, nil
}

// waitForHistory polls until the prompt shows up as completed
func (c *comfyBackend) waitForHistory(ctx context.Context, cc *client.ComfyClient, promptID string) (*client.HistoryEntry, error) {
	started := time.Now()
	for {
		entry, err := cc.GetHistory(ctx, promptID)
		if err != nil {
			return nil, fromClientError(err)
		}
		if entry != nil {
			if entry.Status.Failed() {
				return nil, apiError(entry.Status.ErrorMessage(), 0, "")
			}
			if entry.Status.Completed {
				return entry, nil
			}
		}
		if time.Since(started) > c.timeout {
			return nil, apiError("no result or timeout", 0, "")
		}
		if err := sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}
}

// pickOutput prefers saved outputs over previews
func pickOutput(outputs []client.DataOutput) (client.DataOutput, bool) {
	for _, o := range outputs {
		if o.Type == string(client.OutputImageType) {
			return o, true
		}
	}
	if len(outputs) != 0 {
		return outputs[0], true
	}
	return client.DataOutput{}, false
}
