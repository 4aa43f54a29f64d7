package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Config holds the addresses and limits of the backends
type Config struct {
	ComfyServerURL string
	GeminiBaseURL  string
	OpenAIBaseURL  string
	VideoBaseURL   string
	GeminiModel    string
	OpenAIModel    string
	OutputDir      string

	// format reference images are converted to before upload
	ImageFormat       string
	MaxImageDimension int
	ImageQuality      int

	QueuePollInterval time.Duration
	QueueTimeout      time.Duration
	VideoPollInterval time.Duration
	VideoTimeout      time.Duration
}

// Dependencies are the collaborators the engine consumes. Every field is
// optional except where a backend needs it (credentials for remote APIs).
type Dependencies struct {
	HTTPClient   *http.Client
	Preprocessor ImagePreprocessor
	Credentials  CredentialStore
	History      HistorySink
	Consent      ConsentGate
	Files        FileWriter
	ImageHost    ImageHost
	Seeds        func() int64
	Now          func() time.Time
}

// Orchestrator accepts one generation request at a time and runs it in the
// background
type Orchestrator struct {
	cfg      Config
	deps     Dependencies
	progress progressCell

	mu     sync.Mutex
	active *Run
}

func New(cfg Config, deps Dependencies) *Orchestrator {
	if cfg.QueuePollInterval <= 0 {
		cfg.QueuePollInterval = DefaultQueuePollInterval
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultQueueTimeout
	}
	if cfg.VideoPollInterval <= 0 {
		cfg.VideoPollInterval = DefaultVideoPollInterval
	}
	if cfg.VideoTimeout <= 0 {
		cfg.VideoTimeout = DefaultVideoTimeout
	}
	if cfg.ImageFormat == "" {
		cfg.ImageFormat = "png"
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.Seeds == nil {
		deps.Seeds = defaultSeeds
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Run is a submitted request. Items streams results in order and is closed
// when the run ends.
type Run struct {
	items    chan ResultItem
	done     chan struct{}
	cancel   context.CancelFunc
	err      error
	canceled bool
	declined bool
	results  []ResultItem
}

func (r *Run) Items() <-chan ResultItem {
	return r.items
}

// Done is closed when the run has ended
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run ends. It returns nil on success, on cancellation
// and when consent was declined.
func (r *Run) Wait() error {
	<-r.done
	return r.err
}

// Canceled reports whether the run stopped without producing a result on
// request of the user, by cancellation or declined consent
func (r *Run) Canceled() bool {
	<-r.done
	return r.canceled
}

// Declined reports whether the consent gate refused the backend
func (r *Run) Declined() bool {
	<-r.done
	return r.declined
}

// Results returns every item of a successful run
func (r *Run) Results() []ResultItem {
	<-r.done
	return r.results
}

func (o *Orchestrator) credential(name Backend) string {
	if o.deps.Credentials == nil {
		return ""
	}
	key, err := o.deps.Credentials.Credential(string(name))
	if err != nil {
		slog.Debug("credential lookup failed", "service", string(name), "error", err)
		return ""
	}
	return key
}

func (o *Orchestrator) newStrategy(b Backend) (strategy, error) {
	prep := PreprocessOptions{MaxDimension: o.cfg.MaxImageDimension, Quality: o.cfg.ImageQuality}
	switch b {
	case BackendGemini:
		return &geminiBackend{
			baseURL:     o.cfg.GeminiBaseURL,
			apiKey:      o.credential(b),
			model:       o.cfg.GeminiModel,
			imageFormat: o.cfg.ImageFormat,
			prepOpts:    prep,
			pre:         o.deps.Preprocessor,
			hc:          o.deps.HTTPClient,
		}, nil
	case BackendOpenAI:
		return &openaiBackend{
			baseURL:     o.cfg.OpenAIBaseURL,
			apiKey:      o.credential(b),
			model:       o.cfg.OpenAIModel,
			imageFormat: o.cfg.ImageFormat,
			prepOpts:    prep,
			pre:         o.deps.Preprocessor,
			hc:          o.deps.HTTPClient,
		}, nil
	case BackendComfy:
		return &comfyBackend{
			serverURL:    o.cfg.ComfyServerURL,
			imageFormat:  o.cfg.ImageFormat,
			prepOpts:     prep,
			pre:          o.deps.Preprocessor,
			hc:           o.deps.HTTPClient,
			pollInterval: o.cfg.QueuePollInterval,
			timeout:      o.cfg.QueueTimeout,
			progress:     &o.progress,
		}, nil
	case BackendVideo:
		return &videoBackend{
			baseURL:      o.cfg.VideoBaseURL,
			apiKey:       o.credential(b),
			imageFormat:  o.cfg.ImageFormat,
			prepOpts:     prep,
			pre:          o.deps.Preprocessor,
			host:         o.deps.ImageHost,
			hc:           o.deps.HTTPClient,
			pollInterval: o.cfg.VideoPollInterval,
			timeout:      o.cfg.VideoTimeout,
			progress:     &o.progress,
		}, nil
	}
	return nil, newError(KindInvalidInput, "unknown backend %q", string(b))
}

// Submit starts a run. Only one run may be active at a time.
func (o *Orchestrator) Submit(ctx context.Context, req GenerationRequest) (*Run, error) {
	s, err := o.newStrategy(req.Backend)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return nil, newError(KindInvalidInput, "a generation is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		items:  make(chan ResultItem, req.batchSize()),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	o.active = run
	o.mu.Unlock()

	o.progress.reset()
	go o.execute(runCtx, run, s, &req)
	return run, nil
}

// Cancel stops the active run, if any
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		o.active.cancel()
	}
}

// CurrentProgress returns the advisory progress of the active job
func (o *Orchestrator) CurrentProgress() ProgressState {
	return o.progress.snapshot()
}

// Active reports whether a run is in progress
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, s strategy, req *GenerationRequest) {
	defer func() {
		run.cancel()
		close(run.items)
		o.mu.Lock()
		o.active = nil
		o.mu.Unlock()
		close(run.done)
	}()

	err := o.runToCompletion(ctx, run, s, req)
	switch {
	case err == nil:
	case errors.Is(err, errDeclined):
		run.canceled = true
		run.declined = true
		slog.Info("generation not started, consent declined", "backend", string(req.Backend))
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		run.canceled = true
		slog.Info("generation canceled", "backend", string(req.Backend))
	default:
		run.err = err
		var e *Error
		if errors.As(err, &e) {
			slog.Error("generation failed", "backend", string(req.Backend), "kind", e.Kind.String(), "error", e.Detail())
		} else {
			slog.Error("generation failed", "backend", string(req.Backend), "error", err)
		}
	}
}

var errDeclined = errors.New("consent declined")

func (o *Orchestrator) runToCompletion(ctx context.Context, run *Run, s strategy, req *GenerationRequest) error {
	if o.deps.Consent != nil {
		ok, err := o.deps.Consent.Confirm(ctx, string(req.Backend))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("asking for consent: %w", err)
		}
		if !ok {
			return errDeclined
		}
	}

	agg := newAggregator(o.deps.Files, o.deps.History, o.cfg.OutputDir, req, o.deps.Now)
	emit := func(item *ResultItem) error {
		if err := agg.store(item); err != nil {
			return err
		}
		select {
		case run.items <- *item:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	items, err := runBatch(ctx, s, req, o.deps.Seeds, emit)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := agg.persist(items); err != nil {
		return err
	}
	run.results = items
	o.progress.ReportProgress(1)
	o.progress.ReportComplete()
	return nil
}
