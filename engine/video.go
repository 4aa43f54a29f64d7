package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	DefaultVideoPollInterval = 10 * time.Second
	DefaultVideoTimeout      = 20 * time.Minute
)

// VideoModel describes what a job backend model accepts
type VideoModel struct {
	// RequiresImage is set for image-to-video and edit models
	RequiresImage bool
	// MaxImages is 0 for text-to-video models
	MaxImages int
}

// VideoModels is the capability table of the supported provider/model ids
var VideoModels = map[string]VideoModel{
	"google/veo-3.0-text-to-video":        {},
	"google/veo-3.0-image-to-video":       {RequiresImage: true, MaxImages: 1},
	"kling-ai/v2.1-master-text-to-video":  {},
	"kling-ai/v2.1-master-image-to-video": {RequiresImage: true, MaxImages: 1},
	"runway/gen4-turbo":                   {RequiresImage: true, MaxImages: 1},
	"bytedance/seedance-1-0-lite-i2v":     {RequiresImage: true, MaxImages: 2},
	"minimax/hailuo-02":                   {MaxImages: 1},
	"alibaba/wan2.1-vace-reference":       {RequiresImage: true, MaxImages: 3},
}

// VideoModelIDs lists the capability table in sorted order
func VideoModelIDs() []string {
	retv := make([]string, 0, len(VideoModels))
	for id := range VideoModels {
		retv = append(retv, id)
	}
	sort.Strings(retv)
	return retv
}

// SplitModelID splits a compound "provider/model" id
func SplitModelID(id string) (string, string, error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(id), "/")
	if !ok || provider == "" || model == "" {
		return "", "", newError(KindInvalidInput, "model %q is not of the form provider/model", id)
	}
	return provider, model, nil
}

type videoGenerationRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	ImageURL    string   `json:"image_url,omitempty"`
	ImageList   []string `json:"image_list,omitempty"`
	Duration    int      `json:"duration,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	Resolution  string   `json:"resolution,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
	NegPrompt   string   `json:"negative_prompt,omitempty"`
	CFGScale    *float64 `json:"cfg_scale,omitempty"`
}

// providers whose generation endpoint takes a cfg_scale
var videoGuidanceProviders = map[string]bool{
	"kling-ai": true,
}

type videoJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Video  *struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
	} `json:"video"`
	Error *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// videoBackend submits a generation job and polls it until a video URL is
// available
type videoBackend struct {
	baseURL      string
	apiKey       string
	imageFormat  string
	prepOpts     PreprocessOptions
	pre          ImagePreprocessor
	host         ImageHost
	hc           *http.Client
	pollInterval time.Duration
	timeout      time.Duration
	progress     *progressCell
}

func (v *videoBackend) SingleArtifact() bool {
	return true
}

func (v *videoBackend) Build(ctx context.Context, req *GenerationRequest, it iteration) (*Payload, error) {
	provider, model, err := SplitModelID(req.Options.Model)
	if err != nil {
		return nil, err
	}
	caps, ok := VideoModels[provider+"/"+model]
	if !ok {
		return nil, newError(KindInvalidInput, "unknown video model %q", req.Options.Model)
	}
	if caps.RequiresImage && len(req.Images) == 0 {
		return nil, apiError(fmt.Sprintf("model %s/%s requires a reference image", provider, model), 0, "")
	}
	if len(req.Images) > caps.MaxImages {
		if caps.MaxImages == 0 {
			return nil, apiError(fmt.Sprintf("model %s/%s is text-to-video and takes no images", provider, model), 0, "")
		}
		return nil, apiError(fmt.Sprintf("model %s/%s accepts at most %d images, got %d", provider, model, caps.MaxImages, len(req.Images)), 0, "")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, newError(KindInvalidInput, "a prompt is required")
	}
	if v.apiKey == "" {
		return nil, newError(KindInvalidConfiguration, "no API key for %s", BackendVideo)
	}
	endpoint, err := url.JoinPath(v.baseURL, "v2", "generate", "video", provider, "generation")
	if err != nil || v.baseURL == "" {
		return nil, &Error{Kind: KindInvalidURL, Message: v.baseURL, Err: err}
	}

	images, err := prepareImages(v.pre, req.Images, v.imageFormat, v.prepOpts)
	if err != nil {
		return nil, err
	}

	seed := it.Seed
	body := videoGenerationRequest{
		Model:       model,
		Prompt:      req.Prompt,
		Duration:    req.Options.Duration,
		AspectRatio: req.Options.AspectRatio,
		Resolution:  req.Options.Resolution,
		Seed:        &seed,
		NegPrompt:   req.Options.NegativePrompt,
	}
	if req.Options.Guidance > 0 && videoGuidanceProviders[provider] {
		g := req.Options.Guidance
		body.CFGScale = &g
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+v.apiKey)
	header.Set("Content-Type", "application/json")
	return &Payload{
		Method:   http.MethodPost,
		URL:      endpoint,
		Header:   header,
		Body:     data,
		Uploads:  images,
		Provider: provider,
		Model:    model,
		Seed:     it.Seed,
		Index:    it.Index,
		Total:    it.Total,
	}, nil
}

// imageURLs publishes the reference images, or inlines them as data URIs
// when no host is configured
func (v *videoBackend) imageURLs(ctx context.Context, images []preparedImage) ([]string, error) {
	retv := make([]string, 0, len(images))
	for _, img := range images {
		if v.host == nil {
			retv = append(retv, "data:"+img.MIME+";base64,"+base64.StdEncoding.EncodeToString(img.Data))
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u, err := v.host.Publish(ctx, img.Data, img.MIME)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &Error{Kind: KindUploadFailed, Message: fmt.Sprintf("publishing %s", img.Name), Err: err}
		}
		retv = append(retv, u)
	}
	return retv, nil
}

func (v *videoBackend) Execute(ctx context.Context, p *Payload) ([]ResultItem, error) {
	body := p.Body
	if len(p.Uploads) != 0 {
		urls, err := v.imageURLs(ctx, p.Uploads)
		if err != nil {
			return nil, err
		}
		var req videoGenerationRequest
		if err := json.Unmarshal(p.Body, &req); err != nil {
			return nil, err
		}
		req.ImageURL = urls[0]
		if len(urls) > 1 {
			req.ImageList = urls
		}
		if body, err = json.Marshal(req); err != nil {
			return nil, err
		}
	}

	logRequest(BackendVideo, p)
	status, resp, err := send(ctx, v.hc, p.Method, p.URL, p.Header, body)
	if err != nil {
		return nil, err
	}
	if err := classifyResponse(status, resp); err != nil {
		return nil, err
	}
	var job videoJob
	if err := json.Unmarshal(resp, &job); err != nil {
		return nil, decodeError(err, status, resp)
	}
	if job.ID == "" {
		return nil, decodeError(fmt.Errorf("no generation id"), status, resp)
	}
	slog.Info("video job submitted", "provider", p.Provider, "model", p.Model, "id", job.ID)

	done, err := v.poll(ctx, p, job.ID)
	if err != nil {
		return nil, err
	}

	data, mime, err := download(ctx, v.hc, done.Video.URL)
	if err != nil {
		return nil, err
	}
	if done.Video.ContentType != "" {
		mime = done.Video.ContentType
	}
	seed := p.Seed
	return []ResultItem{{Image: data, MIMEType: mime, Caption: seedCaption(seed), Seed: &seed}}, nil
}

func (v *videoBackend) poll(ctx context.Context, p *Payload, id string) (*videoJob, error) {
	statusURL := p.URL + "?" + url.Values{"generation_id": {id}}.Encode()
	reporter := &batchReporter{cell: v.progress, index: p.Index, total: p.Total}
	started := time.Now()
	for {
		if err := sleep(ctx, v.pollInterval); err != nil {
			return nil, err
		}
		if time.Since(started) > v.timeout {
			return nil, apiError("no result or timeout", 0, "")
		}

		status, resp, err := send(ctx, v.hc, http.MethodGet, statusURL, p.Header, nil)
		if err != nil {
			return nil, err
		}
		if err := classifyResponse(status, resp); err != nil {
			return nil, err
		}
		var job videoJob
		if err := json.Unmarshal(resp, &job); err != nil {
			return nil, decodeError(err, status, resp)
		}

		switch strings.ToLower(job.Status) {
		case "completed", "succeeded":
			if job.Video == nil || job.Video.URL == "" {
				return nil, apiError("job completed without a video", status, string(resp))
			}
			reporter.ReportProgress(1)
			reporter.ReportComplete()
			return &job, nil
		case "failed", "error":
			msg := "generation failed"
			if job.Error != nil && job.Error.Message != "" {
				msg = job.Error.Message
			}
			return nil, apiError(msg, status, string(resp))
		default:
			// time based estimate, the job API reports no fraction
			elapsed := float64(time.Since(started)) / float64(v.timeout)
			reporter.ReportProgress(elapsed * 0.9)
			slog.Debug("video job pending", "id", id, "status", job.Status)
		}
	}
}
