package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/richinsley/gen2go/config"
	"github.com/richinsley/gen2go/engine"
	"github.com/richinsley/gen2go/graphapi"
	"github.com/richinsley/gen2go/history"
	"github.com/richinsley/gen2go/imageprep"
	"github.com/richinsley/gen2go/settings"
	"github.com/richinsley/gen2go/storage"
	"github.com/schollz/progressbar/v3"
)

// stringList collects a repeatable flag
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// loadWorkflow reads a runtime format workflow from a JSON file or from the
// metadata of a PNG produced by the queue backend
func loadWorkflow(path string) (*graphapi.WorkflowGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, pngSignature) {
		wf, _ := graphapi.ExtractWorkflow(data)
		if wf == nil {
			return nil, fmt.Errorf("%s holds no runtime workflow", path)
		}
		return wf, nil
	}
	return graphapi.ParseWorkflow(data)
}

func openHistory(ctx context.Context, cfg *config.Config) (engine.HistorySink, func(), error) {
	switch cfg.HistoryBackend {
	case "postgres":
		sink, err := history.OpenPostgres(ctx, history.PostgresConfig{
			DSN:             cfg.GetDSN(),
			Table:           cfg.DB.Table,
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { sink.Close() }, nil
	default:
		sink, err := history.OpenFileSink(cfg.HistoryFile)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() {}, nil
	}
}

func openSettings(ctx context.Context, cfg *config.Config) (settings.Store, func(), error) {
	if cfg.SettingsBackend != "redis" {
		return settings.NewMemoryStore(), func() {}, nil
	}
	store := settings.NewRedisStore(settings.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return store, func() { store.Close() }, nil
}

// showProgress draws the advisory progress of the active job until done is closed
func showProgress(o *engine.Orchestrator, done <-chan struct{}, description string) {
	var bar *progressbar.ProgressBar
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			if bar != nil {
				bar.Finish()
				fmt.Fprintln(os.Stderr)
			}
			return
		case <-ticker.C:
			p := o.CurrentProgress()
			if p.Fraction <= 0 {
				continue
			}
			if bar == nil {
				bar = progressbar.NewOptions(100,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetDescription(description),
					progressbar.OptionShowCount(),
				)
			}
			bar.Set(int(p.Fraction * 100))
		}
	}
}

func runGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	backendName := fs.String("backend", "comfyui", "Backend: gemini, openai, comfyui or video")
	model := fs.String("model", "", "Model id; provider/model for the video backend")
	batch := fs.Int("n", 1, "Number of results")
	seed := fs.Int64("seed", -1, "Seed of the first result, random when negative")
	workflowPath := fs.String("workflow", "", "Workflow JSON file or PNG with an embedded workflow (comfyui)")
	promptNode := fs.String("prompt-node", "", "Node receiving the prompt (comfyui)")
	negative := fs.String("negative", "", "Negative prompt")
	size := fs.String("size", "", "Output resolution, e.g. 1024x1024")
	aspect := fs.String("aspect", "", "Aspect ratio, e.g. 16:9")
	duration := fs.Int("duration", 0, "Video duration in seconds")
	strength := fs.Float64("strength", 0, "Denoise strength between 0 and 1 (comfyui), 0 keeps the workflow's value")
	guidance := fs.Float64("guidance", 0, "Guidance scale (comfyui cfg, kling-ai video), 0 keeps the default")
	safety := fs.Bool("safety", false, "Keep the provider's strict safety filtering")
	outDir := fs.String("out", "", "Output directory (overrides OUTPUT_DIR)")
	envFile := fs.String("env", ".env", "Environment file")
	yes := fs.Bool("yes", false, "Do not ask before sending data to remote services")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	var images, imageNodes stringList
	fs.Var(&images, "image", "Reference image (repeatable)")
	fs.Var(&imageNodes, "image-node", "Node receiving the matching -image (comfyui, repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage of %s generate:\n", os.Args[0])
		fmt.Fprintf(fs.Output(), "  %s generate [OPTIONS] prompt\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "\nOptions:")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	setupLogging(*verbose)

	prompt := strings.Join(fs.Args(), " ")
	backend, err := engine.ParseBackend(*backendName)
	if err != nil {
		return err
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}
	if *outDir != "" {
		cfg.OutputDir = *outDir
	}
	if *model == "" && backend == engine.BackendVideo {
		*model = cfg.VideoModel
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, closeHistory, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeHistory()

	store, closeSettings, err := openSettings(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSettings()

	var prompter settings.Prompter = &settings.TerminalPrompter{In: os.Stdin, Out: os.Stderr}
	if *yes {
		prompter = settings.AutoApprove{}
	}

	req := engine.GenerationRequest{
		Prompt:    prompt,
		Backend:   backend,
		BatchSize: *batch,
		Options: engine.Options{
			Model:          *model,
			Resolution:     *size,
			AspectRatio:    *aspect,
			Strength:       *strength,
			Guidance:       *guidance,
			SafetyChecker:  *safety,
			Duration:       *duration,
			PromptNodeID:   *promptNode,
			ImageNodeIDs:   imageNodes,
			NegativePrompt: *negative,
		},
	}
	if *seed >= 0 {
		req.Options.Seed = seed
	}
	for _, p := range images {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		req.Images = append(req.Images, engine.ReferenceImage{Name: filepath.Base(p), Data: data, Original: data})
	}
	if *workflowPath != "" {
		if req.Workflow, err = loadWorkflow(*workflowPath); err != nil {
			return err
		}
	}

	o := engine.New(cfg.EngineConfig(), engine.Dependencies{
		Preprocessor: imageprep.NewProcessor(),
		Credentials:  config.EnvCredentials{},
		History:      sink,
		Consent:      settings.NewConsentGate(store, prompter),
		Files:        storage.NewDirWriter(""),
	})

	run, err := o.Submit(ctx, req)
	if err != nil {
		return err
	}
	go showProgress(o, run.Done(), string(backend))

	for item := range run.Items() {
		switch {
		case item.Image == nil:
			fmt.Printf("[%d/%d] %s\n", item.Index, item.Total, item.Caption)
		case item.Caption != "":
			fmt.Printf("[%d/%d] %s (%s)\n", item.Index, item.Total, item.Path, item.Caption)
		default:
			fmt.Printf("[%d/%d] %s\n", item.Index, item.Total, item.Path)
		}
	}

	if err := run.Wait(); err != nil {
		var e *engine.Error
		if errors.As(err, &e) && *verbose {
			return errors.New(e.Detail())
		}
		return err
	}
	if run.Declined() {
		fmt.Fprintln(os.Stderr, "not sent")
	} else if run.Canceled() {
		fmt.Fprintln(os.Stderr, "canceled")
	}
	return nil
}
