// Package kernel wires the shared services: database, queue, event bus,
// metrics, completion clients, agent catalog and orchestrator. Commands
// build one kernel and start the parts they need.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"foreman/pkg/agent"
	"foreman/pkg/agent/llm"
	llmmetrics "foreman/pkg/agent/middleware/metrics"
	"foreman/pkg/api"
	"foreman/pkg/catalog"
	"foreman/pkg/classifier"
	"foreman/pkg/config"
	"foreman/pkg/dispatch"
	"foreman/pkg/events"
	"foreman/pkg/executor"
	"foreman/pkg/feedback"
	"foreman/pkg/logx"
	"foreman/pkg/metrics"
	"foreman/pkg/orchestrator"
	"foreman/pkg/persistence"
	"foreman/pkg/webhook"
)

// Queue kinds accepted in queue.kind.
const (
	QueueMemory = "memory"
	QueueStore  = "store"
	QueueNone   = "none"
)

const stopTimeout = 30 * time.Second

// Kernel owns the long-lived services of one process.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // kernel lifecycle
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	DB           *sqlx.DB
	Store        *persistence.SQLStore
	Queue        dispatch.Queue // nil runs jobs inline
	Bus          *events.Bus
	Registry     *prometheus.Registry
	Metrics      *metrics.Recorder
	Stats        *metrics.QueryService // nil without metrics.prometheus_url
	LLMFactory   *agent.LLMClientFactory
	Catalog      *catalog.Catalog
	Orchestrator *orchestrator.Orchestrator
	Board        *feedback.Board
	Feedback     *feedback.Registry

	pool    *dispatch.WorkerPool
	running bool
}

// NewKernel opens the database and builds every service. Nothing runs until Start.
func NewKernel(parent context.Context, cfg *config.Config) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:      ctx,
		cancel:   cancel,
		Config:   cfg,
		Logger:   logx.NewLogger("kernel"),
		Bus:      events.NewBus(),
		Registry: prometheus.NewRegistry(),
		Feedback: feedback.NewRegistry(),
	}
	if err := k.initializeServices(); err != nil {
		cancel()
		if k.DB != nil {
			_ = k.DB.Close()
		}
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices() error {
	cfg := k.Config

	// Step 1: storage and queue.
	db, err := persistence.Open(k.ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	k.DB = db
	k.Store = persistence.NewSQLStore(db)

	switch cfg.Queue.Kind {
	case QueueMemory:
		k.Queue = dispatch.NewMemoryQueue(cfg.Queue.MaxDeliveries)
	case QueueStore:
		k.Queue = dispatch.NewStoreQueue(db, cfg.Queue.MaxDeliveries)
	case QueueNone:
	default:
		return fmt.Errorf("unknown queue kind %q", cfg.Queue.Kind)
	}

	// Step 2: metrics.
	k.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	k.Metrics = metrics.NewRecorder(k.Registry)
	if cfg.Metrics.PrometheusURL != "" {
		if k.Stats, err = metrics.NewQueryService(cfg.Metrics.PrometheusURL); err != nil {
			return fmt.Errorf("failed to create metrics query service: %w", err)
		}
	}

	// Step 3: completion clients and the agent catalog.
	k.LLMFactory = agent.NewLLMClientFactory(cfg, llmmetrics.NewPrometheusRecorder(k.Registry))
	if k.Catalog, err = catalog.Load(cfg.Catalog.Dir, k.Store); err != nil {
		return fmt.Errorf("failed to load agent catalog: %w", err)
	}

	// Step 4: intake and execution.
	var classifierClient llm.LLMClient
	if cfg.Classifier.UseLLM {
		classifierClient = k.optionalClient("classifier", cfg.Classifier.Tier)
	}
	exec := executor.New(k.Store, k.Catalog, k.LLMFactory,
		executor.WithPublisher(k.Bus),
		executor.WithWorkspaceRoot(cfg.Executor.WorkspaceRoot),
		executor.WithMaxTurns(cfg.Orchestrator.MaxTurns),
	)
	k.Orchestrator = orchestrator.New(k.Store, classifier.New(classifierClient, k.Catalog), exec, orchestrator.Options{
		Enabled:     cfg.Orchestrator.Enabled,
		MaxAttempts: cfg.Orchestrator.MaxAttempts,
		MaxTurns:    cfg.Orchestrator.MaxTurns,
		StaleAfter:  cfg.Orchestrator.StaleAfter,
		BaseURL:     cfg.API.BaseURL,
		Tiers:       cfg.Tiers,
		Queue:       k.Queue,
		Publisher:   k.Bus,
		Notifier:    webhook.NewSender(cfg.Webhook.Secret, cfg.Webhook.Timeout, cfg.Webhook.MaxRetries),
		Metrics:     k.Metrics,
	})

	// Step 5: feedback board.
	k.Board = feedback.NewBoard(k.Store, k.Bus, k.Metrics)

	k.Logger.Info("kernel services initialized (database %s, queue %s)", cfg.Database.Driver, cfg.Queue.Kind)
	return nil
}

// optionalClient returns the tier client, or nil so callers fall back to heuristics.
func (k *Kernel) optionalClient(purpose, tier string) llm.LLMClient {
	client, err := k.LLMFactory.ForTier(tier)
	if err != nil {
		k.Logger.Warn("%s: no completion client for tier %s, using heuristics: %v", purpose, tier, err)
		return nil
	}
	return client
}

// Start reconciles interrupted jobs and starts background maintenance.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}
	if err := k.Orchestrator.Reconcile(k.ctx); err != nil {
		return err
	}
	if k.Config.Catalog.Watch && k.Config.Catalog.Dir != "" {
		if err := k.Catalog.Watch(k.ctx); err != nil {
			k.Logger.Warn("catalog hot reload disabled: %v", err)
		}
	}
	if k.Queue != nil {
		go k.sampleQueueDepth()
	}
	k.running = true
	k.Logger.Info("kernel started")
	return nil
}

// StartWorkers runs the dispatch worker pool against the configured queue.
func (k *Kernel) StartWorkers() error {
	if k.Queue == nil {
		return fmt.Errorf("queue.kind %q has no workers: jobs run inline", k.Config.Queue.Kind)
	}
	if k.pool != nil {
		return fmt.Errorf("workers already started")
	}
	k.pool = dispatch.NewWorkerPool(k.Queue, k.Orchestrator.HandleMessage, dispatch.PoolConfig{
		Name:         "jobs",
		Workers:      k.Config.Queue.Workers,
		PollInterval: k.Config.Queue.PollInterval,
		Visibility:   k.Config.Queue.VisibilityTimeout,
	})
	return k.pool.Start(k.ctx)
}

// NewAPIServer builds the HTTP server over the kernel's services.
func (k *Kernel) NewAPIServer() *api.Server {
	deps := api.Deps{
		Orchestrator: k.Orchestrator,
		Store:        k.Store,
		Board:        k.Board,
		Queue:        k.Queue,
		Bus:          k.Bus,
		Gatherer:     k.Registry,
		Completion:   k.LLMFactory,
		Metrics:      k.Metrics,
	}
	if k.Stats != nil {
		deps.Stats = k.Stats
	}
	return api.NewServer(deps, k.Config.API.JWTSecret)
}

// StartAPI serves the HTTP API on api.addr until the kernel stops.
func (k *Kernel) StartAPI() error {
	return k.NewAPIServer().Start(k.ctx, k.Config.API.Addr)
}

// NewFeedbackRunner builds a feedback-loop runner for orgID. cfg overrides the
// configured loop settings when non-nil.
func (k *Kernel) NewFeedbackRunner(orgID string, cfg *feedback.Config) *feedback.Runner {
	runCfg := feedback.ConfigFrom(k.Config.Feedback)
	if cfg != nil {
		runCfg = *cfg
	}
	var analyzer feedback.Analyzer
	if k.Config.Feedback.UseLLM {
		if client := k.optionalClient("feedback analysis", k.Config.Feedback.Tier); client != nil {
			analyzer = feedback.NewLLMAnalyzer(client)
		}
	}
	return feedback.NewRunner(orgID, k.Store, analyzer, runCfg,
		feedback.WithPublisher(k.Bus),
		feedback.WithMetrics(k.Metrics),
	)
}

// StartFeedback runs a feedback loop for orgID in the background. The returned
// channel yields the loop's result.
func (k *Kernel) StartFeedback(orgID string, cfg *feedback.Config) (<-chan error, error) {
	return k.Feedback.Start(k.ctx, k.NewFeedbackRunner(orgID, cfg))
}

func (k *Kernel) sampleQueueDepth() {
	interval := k.Config.Queue.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		depth, err := k.Queue.Depth(k.ctx)
		if err == nil {
			k.Metrics.SetQueueDepth(depth)
		} else if !errors.Is(err, context.Canceled) {
			k.Logger.Debug("queue depth sample failed: %v", err)
		}
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Done is closed when the kernel context ends.
func (k *Kernel) Done() <-chan struct{} { return k.ctx.Done() }

// Stop shuts services down in reverse order and closes the database.
func (k *Kernel) Stop() error {
	k.Logger.Info("stopping kernel services")
	k.Feedback.StopAll()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	var errs []error
	if k.pool != nil {
		if err := k.pool.Stop(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("worker pool: %w", err))
		}
	}
	if err := k.Orchestrator.Shutdown(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	k.cancel()

	if err := k.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	k.running = false
	k.Logger.Info("kernel services stopped")
	return errors.Join(errs...)
}
