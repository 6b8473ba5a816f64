// Package app wires the conversation service from a validated Config.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/antoniostano/lilith/internal/compaction"
	"github.com/antoniostano/lilith/internal/config"
	"github.com/antoniostano/lilith/internal/conversation"
	"github.com/antoniostano/lilith/internal/generation"
	"github.com/antoniostano/lilith/internal/httpapi"
	"github.com/antoniostano/lilith/internal/inference"
	"github.com/antoniostano/lilith/internal/logging"
	"github.com/antoniostano/lilith/internal/memory"
	"github.com/antoniostano/lilith/internal/observability"
	"github.com/antoniostano/lilith/internal/transcript"
)

type BuildResult struct {
	Config        config.Config
	Logger        *zap.Logger
	Registry      *prometheus.Registry
	Metrics       *observability.Metrics
	Store         memory.Store
	Backend       inference.Backend
	Conversations *conversation.Manager
	Compactor     *compaction.Compactor
	Pipeline      *generation.Pipeline
	API           *httpapi.Server
	// Sweeper is nil when no sweep schedule is configured.
	Sweeper *compaction.Sweeper

	closers *closers
}

// closers records teardown steps in construction order so a failed build
// can release what it already opened.
type closers struct {
	steps []func(ctx context.Context) error
}

func (c *closers) add(step func(ctx context.Context) error) {
	c.steps = append(c.steps, step)
}

// run executes the steps in reverse order and joins their errors.
func (c *closers) run(ctx context.Context) error {
	var errs []error
	for i := len(c.steps) - 1; i >= 0; i-- {
		if err := c.steps[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.steps = nil
	return errors.Join(errs...)
}

// Cleanup drains background compaction, then closes the backend, the store
// and the logger. It is safe to call more than once.
func (r *BuildResult) Cleanup(ctx context.Context) error {
	if r == nil || r.closers == nil {
		return nil
	}
	return r.closers.run(ctx)
}

// Build constructs every component through a dig container.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	cl := &closers{}
	d := dig.New()

	providers := []any{
		func() config.Config { return cfg },
		func() *closers { return cl },
		newLogger,
		newRegistry,
		newMetrics,
		func(cfg config.Config, cl *closers) (memory.Store, error) { return newStore(ctx, cfg, cl) },
		newBackend,
		newConversations,
		newCompactor,
		newPipeline,
		newAPI,
		newSweeper,
	}
	for _, p := range providers {
		if err := d.Provide(p); err != nil {
			return nil, fmt.Errorf("wire: %w", err)
		}
	}

	result := &BuildResult{Config: cfg, closers: cl}
	err := d.Invoke(func(
		logger *zap.Logger,
		reg *prometheus.Registry,
		metrics *observability.Metrics,
		store memory.Store,
		backend inference.Backend,
		conversations *conversation.Manager,
		compactor *compaction.Compactor,
		pipeline *generation.Pipeline,
		api *httpapi.Server,
		sweeper *compaction.Sweeper,
	) {
		result.Logger = logger
		result.Registry = reg
		result.Metrics = metrics
		result.Store = store
		result.Backend = backend
		result.Conversations = conversations
		result.Compactor = compactor
		result.Pipeline = pipeline
		result.API = api
		result.Sweeper = sweeper
	})
	if err != nil {
		_ = cl.run(ctx)
		// Surface the constructor's own error rather than dig's wrapping.
		return nil, dig.RootCause(err)
	}
	return result, nil
}

func newLogger(cfg config.Config, cl *closers) (*zap.Logger, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "LOG_LEVEL", Reason: err.Error()}
	}
	cl.add(func(context.Context) error {
		// Sync on a terminal stderr reports EINVAL; nothing is lost.
		_ = logger.Sync()
		return nil
	})
	return logger, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(cfg config.Config, reg *prometheus.Registry) *observability.Metrics {
	return observability.NewMetrics(cfg.MetricsNamespace, reg)
}

func newStore(ctx context.Context, cfg config.Config, cl *closers) (memory.Store, error) {
	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	cl.add(func(context.Context) error { return store.Close() })
	return store, nil
}

func newBackend(cfg config.Config, cl *closers, logger *zap.Logger) (inference.Backend, error) {
	backend, err := inference.NewBackend(inference.Config{
		Mode:        cfg.BackendMode,
		URL:         cfg.BackendURL,
		FallbackURL: cfg.BackendFallbackURL,
		HTTPTimeout: cfg.BackendTimeout,
	})
	if err != nil {
		return nil, err
	}
	if _, ok := backend.(*inference.MockBackend); ok {
		logger.Warn("no backend url configured, replies come from the mock backend")
	}
	cl.add(func(context.Context) error { return backend.Close() })
	return backend, nil
}

func newConversations(cfg config.Config, store memory.Store, logger *zap.Logger, metrics *observability.Metrics) *conversation.Manager {
	m := conversation.NewManager(store, transcript.Window{LastN: cfg.TranscriptLoadTurns}, cfg.ConversationIdleTimeout, logger)
	m.SetEvictHook(func(string) {
		metrics.SetActiveConversations(m.ActiveCount())
	})
	return m
}

func newCompactor(cfg config.Config, backend inference.Backend, store memory.Store, logger *zap.Logger, metrics *observability.Metrics, cl *closers) *compaction.Compactor {
	params := cfg.Generation
	params.Stop = nil
	c := compaction.New(backend, store, compaction.Config{
		Timeout:  cfg.CompactionTimeout,
		Episodes: cfg.CompactionEpisodes,
		Params:   params,
	}, logger, metrics)
	cl.add(c.Close)
	return c
}

func newPipeline(
	cfg config.Config,
	backend inference.Backend,
	store memory.Store,
	conversations *conversation.Manager,
	compactor *compaction.Compactor,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *generation.Pipeline {
	return generation.NewPipeline(backend, store, conversations, compactor, PipelineConfig(cfg), logger, metrics)
}

// PipelineConfig maps service configuration onto the pipeline's.
func PipelineConfig(cfg config.Config) generation.Config {
	return generation.Config{
		Persona:          cfg.Persona,
		IncludeSummary:   cfg.IncludeSummary,
		HistoryWindow:    transcript.Window{LastN: cfg.TranscriptWindowTurns, Age: cfg.TranscriptWindowAge},
		CompactionWindow: transcript.Window{LastN: cfg.CompactionWindowTurns, Age: cfg.CompactionWindowAge},
		Cadence:          compaction.NewCadence(cfg.CompactionEvery),
		BackendTimeout:   cfg.BackendTimeout,
		FragmentTimeout:  cfg.BackendFragmentTimeout,
		StreamBuffer:     cfg.StreamBuffer,
		Defaults: generation.Request{
			Params:     cfg.Generation,
			UseContext: cfg.UseContext,
		},
	}
}

func newAPI(cfg config.Config, pipeline *generation.Pipeline, metrics *observability.Metrics, logger *zap.Logger, reg *prometheus.Registry) *httpapi.Server {
	return httpapi.New(pipeline, metrics, logger, httpapi.Options{
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		Gatherer:       reg,
	})
}

func newSweeper(cfg config.Config, pipeline *generation.Pipeline, logger *zap.Logger) (*compaction.Sweeper, error) {
	s, err := compaction.NewSweeper(cfg.CompactionSweepCron, pipeline.SweepCompaction, logger)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "COMPACTION_SWEEP_CRON", Reason: err.Error()}
	}
	return s, nil
}
