// Package app builds the crawl pipeline from configuration and runs one crawl
// session end to end. It acts as the dependency injection container for the
// CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/fellowship-crawler/internal/api"
	"github.com/JakeFAU/fellowship-crawler/internal/config"
	"github.com/JakeFAU/fellowship-crawler/internal/crawler"
	"github.com/JakeFAU/fellowship-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/fellowship-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/fellowship-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/fellowship-crawler/internal/fellowship"
	"github.com/JakeFAU/fellowship-crawler/internal/hash/sha256"
	"github.com/JakeFAU/fellowship-crawler/internal/headless/detector"
	"github.com/JakeFAU/fellowship-crawler/internal/metrics"
	"github.com/JakeFAU/fellowship-crawler/internal/output"
	"github.com/JakeFAU/fellowship-crawler/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/fellowship-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/fellowship-crawler/internal/session"
	"github.com/JakeFAU/fellowship-crawler/internal/storage/gcs"
	"github.com/JakeFAU/fellowship-crawler/internal/storage/local"
	"github.com/JakeFAU/fellowship-crawler/internal/storage/postgres"
	"github.com/JakeFAU/fellowship-crawler/pkg/anthropic"
)

const shutdownTimeout = 5 * time.Second

// RunStore persists kept records as they arrive and the run summary at the end.
type RunStore interface {
	crawler.RecordStore
	SaveRun(ctx context.Context, event crawler.CompletionEvent) error
}

// UsageReporter is implemented by extractors that track LLM token usage.
type UsageReporter interface {
	Usage() (anthropic.TokenUsage, int)
	Model() string
}

// Components are the collaborators of one crawl session. Probe, Scoper,
// Extractor and Blobs are required; the rest are optional.
type Components struct {
	Probe     crawler.Fetcher
	Renderer  crawler.Fetcher
	Detector  crawler.HeadlessDetector
	Scoper    crawler.Scoper
	Extractor crawler.Extractor
	Pacer     crawler.Pacer
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Runs      RunStore
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher

	// OutputName is the object name of the CSV inside Blobs.
	OutputName string
	// PerRunOutput nests OutputName under the run ID.
	PerRunOutput bool
}

// App holds the long-lived services of a crawl session.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	comps   Components
	engine  *crawler.Engine
	closers []func()
}

// New builds every component from cfg: fetchers, detector, extractor and the
// optional sinks. Sinks that are configured but unreachable fail fast.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Initializing application services...")

	var closers []func()
	fail := func(err error) (*App, error) {
		runClosers(closers)
		return nil, err
	}

	comps := Components{
		Probe: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.HTTP.UserAgent,
			RespectRobots: cfg.HTTP.RespectRobots,
			Timeout:       cfg.HTTPTimeout(),
		}),
		Detector: detector.NewHeuristic(detector.Options{
			ScriptDensityPercent: cfg.Browser.PromotionThreshold,
			Selector:             cfg.Crawl.CSSSelector,
			NoResultsMarker:      cfg.Crawl.NoResultsMarker,
		}),
		Pacer:  ratelimit.New(cfg.Delay()),
		Hasher: sha256.New(),
		Clock:  session.Clock{},
		IDs:    session.IDs{},
	}

	if cfg.Browser.Enabled {
		renderer, err := headless.NewChromedp(headless.Config{
			Headless:          cfg.Browser.Headless,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: cfg.NavTimeout(),
		}, logger.Named("browser"))
		if err != nil {
			return fail(fmt.Errorf("init browser: %w", err))
		}
		comps.Renderer = renderer
		closers = append(closers, renderer.Close)
	}

	scoper, err := extract.NewSelector(cfg.Crawl.CSSSelector, cfg.LLM.InputFormat)
	if err != nil {
		return fail(fmt.Errorf("init selector: %w", err))
	}
	comps.Scoper = scoper

	if cfg.LLM.APIKey == "" {
		return fail(errors.New("llm.api_key is not set (export ANTHROPIC_API_KEY or FELLOWCRAWL_LLM_API_KEY)"))
	}
	llm, err := extract.NewLLM(anthropic.NewClient(cfg.LLM.APIKey), extract.LLMConfig{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Instruction: cfg.LLM.Instruction,
		ChunkChars:  cfg.LLM.ChunkChars,
		Schema:      fellowship.Schema{Fields: fellowship.DefaultFields(), Required: cfg.Crawl.RequiredKeys},
	}, logger.Named("llm"))
	if err != nil {
		return fail(fmt.Errorf("init extractor: %w", err))
	}
	comps.Extractor = llm

	if cfg.DB.DSN != "" {
		logger.Info("Connecting to PostgreSQL...")
		store, err := postgres.New(ctx, postgres.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
		if err != nil {
			return fail(fmt.Errorf("init postgres: %w", err))
		}
		closers = append(closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return fail(fmt.Errorf("ensure postgres schema: %w", err))
		}
		comps.Runs = store
	}

	comps.OutputName = filepath.Base(cfg.Output.Path)
	if cfg.Output.GCSBucket != "" {
		logger.Info("Using GCS output store", zap.String("bucket", cfg.Output.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fail(fmt.Errorf("init storage client: %w", err))
		}
		closers = append(closers, func() { _ = client.Close() })
		blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.Output.GCSBucket, Prefix: cfg.Output.Prefix})
		if err != nil {
			return fail(err)
		}
		if err := blobs.Check(ctx); err != nil {
			return fail(err)
		}
		comps.Blobs = blobs
		comps.PerRunOutput = true
	} else {
		blobs, err := local.New(local.Config{BaseDir: filepath.Dir(cfg.Output.Path)})
		if err != nil {
			return fail(fmt.Errorf("init output dir: %w", err))
		}
		comps.Blobs = blobs
	}

	if cfg.PubSub.ProjectID != "" {
		logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", cfg.PubSub.TopicName))
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fail(fmt.Errorf("init pubsub client: %w", err))
		}
		closers = append(closers, func() { _ = client.Close() })
		pub, err := pubsubpublisher.New(client, cfg.PubSub.TopicName)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, pub.Close)
		comps.Publisher = pub
	}

	a, err := NewWithComponents(cfg, comps, logger)
	if err != nil {
		return fail(err)
	}
	a.closers = closers
	logger.Info("Application services initialized successfully.")
	return a, nil
}

// NewWithComponents wires pre-built components into an App.
func NewWithComponents(cfg config.Config, comps Components, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if comps.Blobs == nil {
		return nil, errors.New("output store is required")
	}
	if comps.IDs == nil {
		comps.IDs = session.IDs{}
	}
	if comps.Clock == nil {
		comps.Clock = session.Clock{}
	}
	if comps.Hasher == nil {
		comps.Hasher = sha256.New()
	}
	if comps.OutputName == "" {
		comps.OutputName = filepath.Base(cfg.Output.Path)
	}

	deps := crawler.Deps{
		Probe:     comps.Probe,
		Renderer:  comps.Renderer,
		Detector:  comps.Detector,
		Scoper:    comps.Scoper,
		Extractor: comps.Extractor,
		Hasher:    comps.Hasher,
		Pacer:     comps.Pacer,
		Clock:     comps.Clock,
	}
	if comps.Runs != nil {
		deps.Store = comps.Runs
	}
	engine, err := crawler.NewEngine(crawler.Config{
		BaseURL:         cfg.Crawl.BaseURL,
		PageParam:       cfg.Crawl.PageParam,
		StartPage:       cfg.Crawl.StartPage,
		MaxPages:        cfg.Crawl.MaxPages,
		NoResultsMarker: cfg.Crawl.NoResultsMarker,
		CSSSelector:     cfg.Crawl.CSSSelector,
		StopOnRepeat:    cfg.Crawl.StopOnRepeat,
		AlwaysRender:    cfg.Browser.Always,
		RequiredKeys:    cfg.Crawl.RequiredKeys,
		DedupKey:        cfg.Crawl.DedupKey,
		Headers:         requestHeaders(cfg.HTTP.Headers),
	}, deps, logger.Named("crawler"))
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return &App{cfg: cfg, logger: logger, comps: comps, engine: engine}, nil
}

// requestHeaders canonicalizes the configured header names, which viper lowercases.
func requestHeaders(in map[string]string) http.Header {
	if len(in) == 0 {
		return nil
	}
	h := make(http.Header, len(in))
	for k, v := range in {
		h.Set(k, v)
	}
	return h
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Engine exposes the crawl engine, e.g. for progress reporting.
func (a *App) Engine() *crawler.Engine {
	return a.engine
}

// Run executes one crawl session: paginate and extract, write the CSV when
// anything was kept, then record the run summary, publish the completion
// event and report LLM usage. Sink failures are logged; a failed CSV write is
// returned. A canceled ctx still writes what was collected.
func (a *App) Run(ctx context.Context) (crawler.CompletionEvent, error) {
	runID, err := a.comps.IDs.NewID()
	if err != nil {
		return crawler.CompletionEvent{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := a.logger.With(zap.String("run_id", runID))

	if a.cfg.Server.Enabled {
		stop := a.startServer(logger)
		defer stop()
	}

	logger.Info("Starting crawl", zap.String("base_url", a.cfg.Crawl.BaseURL))
	result, runErr := a.engine.Run(ctx, runID)

	// Finalization must survive a canceled crawl.
	finalCtx := context.WithoutCancel(ctx)

	event := crawler.CompletionEvent{
		RunID:      runID,
		BaseURL:    a.cfg.Crawl.BaseURL,
		Stop:       result.Stop,
		Counters:   result.Totals(),
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	}

	var saveErr error
	if len(result.Records) > 0 {
		uri, err := output.Save(finalCtx, a.comps.Blobs, a.objectName(runID), result.Records, logger)
		if err != nil {
			saveErr = fmt.Errorf("save csv: %w", err)
			logger.Error("Failed to save fellowships", zap.Error(err))
		} else {
			event.OutputURI = uri
			logger.Info("Saved complete fellowships",
				zap.Int("count", len(result.Records)),
				zap.String("uri", uri),
			)
		}
	} else {
		logger.Info("No fellowships were found.")
	}

	a.finish(finalCtx, logger, event)

	logger.Info("Crawl finished",
		zap.String("stop_reason", string(event.Stop)),
		zap.Int("pages", event.Counters.Pages),
		zap.Int("extracted", event.Counters.Extracted),
		zap.Int("kept", event.Counters.Kept),
		zap.Int("incomplete", event.Counters.Incomplete),
		zap.Int("duplicates", event.Counters.Duplicates),
		zap.Duration("elapsed", event.FinishedAt.Sub(event.StartedAt)),
	)

	if saveErr != nil {
		return event, saveErr
	}
	if runErr != nil {
		return event, fmt.Errorf("crawl interrupted: %w", runErr)
	}
	return event, nil
}

func (a *App) finish(ctx context.Context, logger *zap.Logger, event crawler.CompletionEvent) {
	if a.comps.Runs != nil {
		if err := a.comps.Runs.SaveRun(ctx, event); err != nil {
			metrics.ObserveSinkFailure("run_store")
			logger.Error("Failed to persist run summary", zap.Error(err))
		}
	}

	if a.comps.Publisher != nil {
		id, err := a.comps.Publisher.Publish(ctx, a.cfg.PubSub.TopicName, event)
		if err != nil {
			metrics.ObserveSinkFailure("pubsub")
			logger.Error("Failed to publish completion event", zap.Error(err))
		} else {
			logger.Info("Published completion event", zap.String("message_id", id))
		}
	}

	if reporter, ok := a.comps.Extractor.(UsageReporter); ok {
		usage, requests := reporter.Usage()
		logger.Info("LLM usage",
			zap.Int("requests", requests),
			zap.Int64("input_tokens", usage.InputTokens),
			zap.Int64("output_tokens", usage.OutputTokens),
			zap.Int64("cache_creation_input_tokens", usage.CacheCreationInputTokens),
			zap.Int64("cache_read_input_tokens", usage.CacheReadInputTokens),
		)
		usage.LogCost(logger, reporter.Model(), "extraction")
	}

	if a.cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			metrics.ObserveSinkFailure("metrics_textfile")
			logger.Error("Failed to write metrics textfile", zap.Error(err))
		}
	}
}

func (a *App) objectName(runID string) string {
	if a.comps.PerRunOutput {
		return path.Join(runID, a.comps.OutputName)
	}
	return a.comps.OutputName
}

// startServer serves the status API until the returned stop func is called.
func (a *App) startServer(logger *zap.Logger) func() {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           api.NewServer(a.engine, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("status server shutdown error", zap.Error(err))
		}
	}
}

// Close shuts down the services in reverse order of creation.
func (a *App) Close() {
	a.logger.Info("Shutting down application services...")
	runClosers(a.closers)
	a.closers = nil
}

func runClosers(closers []func()) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
