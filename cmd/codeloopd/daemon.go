package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/codeloop/internal/agents"
	"github.com/fyrsmithlabs/codeloop/internal/config"
	"github.com/fyrsmithlabs/codeloop/internal/embeddings"
	"github.com/fyrsmithlabs/codeloop/internal/events"
	httpserver "github.com/fyrsmithlabs/codeloop/internal/http"
	"github.com/fyrsmithlabs/codeloop/internal/logging"
	"github.com/fyrsmithlabs/codeloop/internal/metrics"
	"github.com/fyrsmithlabs/codeloop/internal/orchestrator"
	"github.com/fyrsmithlabs/codeloop/internal/patterns"
	"github.com/fyrsmithlabs/codeloop/internal/scheduler"
	"github.com/fyrsmithlabs/codeloop/internal/scoring"
	"github.com/fyrsmithlabs/codeloop/internal/secrets"
	"github.com/fyrsmithlabs/codeloop/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// daemon holds every long-lived component and what must be closed.
type daemon struct {
	cfg    *config.Config
	logger *logging.Logger

	telemetry *telemetry.Telemetry
	registry  *prometheus.Registry
	embedder  embeddings.Provider
	store     patterns.Store
	records   *metrics.MemoryRecorder
	postgres  *metrics.PostgresRecorder
	publisher *events.Publisher
	sched     *scheduler.Scheduler
	server    *httpserver.Server
}

// newDaemon wires the components in dependency order. On error everything
// opened so far is closed.
func newDaemon(ctx context.Context, cfg *config.Config, logger *logging.Logger, newModel agents.ModelFactory) (d *daemon, err error) {
	d = &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = d.close(context.WithoutCancel(ctx))
			d = nil
		}
	}()
	zl := logger.Underlying()

	d.telemetry, err = telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if h := d.telemetry.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.String("error", h.Error))
	}

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d.embedder, err = embeddings.NewProvider(cfg.Embeddings, d.telemetry.Meter("codeloop.embeddings"), zl)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embeddings: %w", err)
	}

	d.store, err = patterns.NewStore(*cfg, d.embedder.Dimension(), zl)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern store: %w", err)
	}

	var learnerOpts []patterns.LearnerOption
	if cfg.Learning.RedactSecrets {
		redactor, err := secrets.New(secrets.Config{AllowList: cfg.Learning.AllowList})
		if err != nil {
			return nil, fmt.Errorf("failed to compile secret rules: %w", err)
		}
		learnerOpts = append(learnerOpts, patterns.WithRedactor(redactor))
	}
	learner, err := patterns.NewLearner(d.store, d.embedder, patterns.LearnerConfig{
		Enabled:       cfg.Learning.Enabled,
		RewardScaling: cfg.Learning.RewardScaling,
	}, zl, learnerOpts...)
	if err != nil {
		return nil, err
	}

	d.records = metrics.NewMemoryRecorder()
	var durable metrics.Recorder = d.records
	if cfg.Metrics.PostgresDSN.IsSet() {
		d.postgres, err = metrics.OpenPostgres(ctx, cfg.Metrics.PostgresDSN.Value(), zl)
		if err != nil {
			return nil, fmt.Errorf("failed to open metrics database: %w", err)
		}
		durable = metrics.MultiRecorder{d.records, d.postgres}
	}
	recorder := metrics.NewPrometheusRecorder(d.registry, durable)

	set, err := agents.FromConfig(cfg, newModel, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to build agents: %w", err)
	}
	invoker := agents.NewInvoker(agents.Policies(cfg), recorder, zl)

	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		logger.Info(ctx, "connected to NATS", zap.String("url", cfg.NATS.URL))
		d.publisher = events.NewPublisher(nc, cfg.NATS.SubjectPrefix, logger)
	} else {
		d.publisher = events.NewPublisher(nil, "", logger)
	}

	// The scheduler tracks live states through the orchestrator's observer
	// and is created second because it runs the orchestrator.
	var sched *scheduler.Scheduler
	orch, err := orchestrator.New(*set, invoker, scoring.NewEngine(cfg.Feedback.Weights),
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithLearner(learner),
		orchestrator.WithObserver(d.publisher),
		orchestrator.WithObserver(orchestrator.ObserverFunc(func(ctx context.Context, tr orchestrator.Transition) {
			sched.OnTransition(ctx, tr)
		})),
		orchestrator.WithShortCircuitOnCritical(cfg.Orchestrator.ShortCircuitOnCritical),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	sched, err = scheduler.New(orch, scheduler.ConfigFrom(*cfg),
		scheduler.WithLogger(logger),
		scheduler.WithObserver(d.publisher),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}
	d.sched = sched

	d.server, err = httpserver.NewServer(sched, logger.Named("http"), &httpserver.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Defaults: cfg.TaskDefaults(),
		Gatherer: d.registry,
		Meter:    d.telemetry.Meter("codeloop.http"),
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "codeloopd initialized",
		zap.String("version", version),
		zap.String("vectordb", cfg.VectorDB.Type),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.Bool("learning", cfg.Learning.Enabled),
		zap.Bool("postgres_metrics", d.postgres != nil),
		zap.Bool("nats", cfg.NATS.URL != ""),
		zap.Int("max_concurrent", cfg.Scheduler.MaxConcurrent),
	)
	return d, nil
}

// run serves until ctx is canceled or a component fails, then shuts down.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.sched.Start(gctx) })
	g.Go(func() error { return d.server.Start() })
	g.Go(func() error {
		<-gctx.Done()
		timeout := d.cfg.Server.ShutdownTimeout.Duration()
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	closeCtx := context.WithoutCancel(ctx)
	if cerr := d.close(closeCtx); cerr != nil {
		err = errors.Join(err, cerr)
	}
	d.logger.Info(closeCtx, "codeloopd stopped")
	return err
}

// close releases resources in reverse order of creation.
func (d *daemon) close(ctx context.Context) error {
	var errs []error
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
	}
	if d.postgres != nil {
		if err := d.postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pattern store: %w", err))
		}
	}
	if d.embedder != nil {
		if err := d.embedder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("embeddings: %w", err))
		}
	}
	if d.telemetry != nil {
		if err := d.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
