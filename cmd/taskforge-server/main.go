// taskforge-server runs the orchestration engine: the supervisor loop, the
// recovery engine, and the REST/WebSocket API, backed by Postgres or the
// in-memory stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskforge/internal/agentpool"
	"taskforge/internal/aggregator"
	"taskforge/internal/config"
	"taskforge/internal/domain/agent"
	"taskforge/internal/domain/deliverable"
	"taskforge/internal/domain/goal"
	"taskforge/internal/domain/insight"
	recdomain "taskforge/internal/domain/recovery"
	"taskforge/internal/domain/task"
	"taskforge/internal/domain/workspace"
	"taskforge/internal/events"
	"taskforge/internal/executor"
	"taskforge/internal/llm"
	"taskforge/internal/logging"
	"taskforge/internal/memory"
	"taskforge/internal/observability"
	"taskforge/internal/proposal"
	"taskforge/internal/queue"
	recoveryengine "taskforge/internal/recovery"
	httpserver "taskforge/internal/server/http"
	"taskforge/internal/store/memstore"
	"taskforge/internal/store/postgres"
	"taskforge/internal/supervisor"
	"taskforge/internal/tools"
	"taskforge/internal/transform"
)

type stores struct {
	workspaces   workspace.Store
	goals        goal.Registry
	tasks        task.Store
	agents       agent.Store
	deliverables deliverable.Store
	insights     insight.Store
	recoveries   recdomain.Store
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	setupSlog(cfg.Telemetry)
	logger := logging.NewComponentLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	st, cleanup, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled:        cfg.Telemetry.MetricsEnabled,
		PrometheusPort: cfg.Telemetry.PrometheusPort,
	}, logging.NewComponentLogger("metrics"))
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer shutdownWithin(metrics.Shutdown, 5*time.Second)

	tracer, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:      cfg.Telemetry.TracingEnabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		SampleRate:   1,
		ServiceName:  "taskforge",
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownWithin(tracer.Shutdown, 5*time.Second)

	bus := events.NewBus()

	provider := llm.NewRateLimitedProvider(
		llm.NewOpenAIProvider("", "", cfg.Provider.Model),
		cfg.Provider.RatePerSecond, cfg.Provider.Burst)

	registry := tools.NewRegistry()
	if err := registry.Register(tools.NewHTTPFetchTool()); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	dispatcher := tools.NewDispatcher(registry, cfg.Executor.ToolTimeout, logging.NewComponentLogger("tools"))

	exec := executor.New(provider, registry, dispatcher, executor.Config{
		TaskTimeout:      cfg.Executor.TaskTimeout,
		MaxToolRounds:    cfg.Executor.MaxToolRounds,
		MaxOutputBytes:   cfg.Executor.MaxOutputBytes,
		PromptTokenLimit: cfg.Executor.PromptTokenLimit,
		Model:            cfg.Provider.Model,
	}, logging.NewComponentLogger("executor"))

	transformer, err := transform.New(provider, transform.Config{
		Timeout:   cfg.Delivery.TransformTimeout,
		CacheSize: cfg.Delivery.TransformCacheSize,
		Model:     cfg.Provider.Model,
	}, logging.NewComponentLogger("transform"))
	if err != nil {
		return fmt.Errorf("init transformer: %w", err)
	}

	q := queue.NewService(st.tasks, st.goals, bus, queue.Config{
		Ceiling: cfg.Scheduler.QueueCeiling,
	}, logging.NewComponentLogger("queue"))

	pool := agentpool.NewPool(st.agents, agentpool.Config{
		AffinityThreshold: cfg.Scheduler.AgentAffinityThreshold,
	}, logging.NewComponentLogger("agentpool"))

	mem := memory.NewService(st.insights, st.deliverables, memory.Config{
		MaxPerWorkspace: cfg.Memory.MaxInsightsPerWorkspace,
		EvictionMinAge:  cfg.Memory.EvictionMinAge,
	}, logging.NewComponentLogger("memory"))

	agg := aggregator.NewService(st.deliverables, st.goals, transformer, bus, aggregator.Config{
		MinCompletedTasks: cfg.Delivery.MinCompletedTasks,
	}, logging.NewComponentLogger("aggregator"))

	engine := recoveryengine.NewEngine(st.recoveries, st.workspaces, bus, recoveryengine.EngineConfig{
		MaxAutoAttempts:     cfg.Recovery.MaxAutoAttempts,
		DelayBase:           cfg.Recovery.DelayBase,
		DelayCap:            cfg.Recovery.DelayCap,
		ConfidenceThreshold: cfg.Recovery.ConfidenceThreshold,
		PatternDecomposeMin: cfg.Recovery.PatternDecomposeMin,
		SkipContribution:    cfg.Delivery.SkipFallbackContribution,
	}, logging.NewComponentLogger("recovery"))

	proposals := proposal.NewService(st.workspaces, st.goals, st.agents, q, provider, bus, proposal.Config{
		Model: cfg.Provider.Model,
	}, logging.NewComponentLogger("proposal"))

	sup := supervisor.New(supervisor.Deps{
		Workspaces: st.workspaces,
		Tasks:      st.tasks,
		Goals:      st.goals,
		Queue:      q,
		Pool:       pool,
		Runner:     exec,
		Aggregator: agg,
		Recovery:   engine,
		Memory:     mem,
		Bus:        bus,
		Metrics:    metrics,
	}, supervisor.Config{
		TickInterval:        cfg.Scheduler.TickInterval,
		GlobalParallelism:   int64(cfg.Scheduler.GlobalConcurrency),
		ActiveParallelism:   cfg.Scheduler.MaxConcurrentTasks,
		DegradedParallelism: cfg.Scheduler.DegradedConcurrency,
		SkipContribution:    cfg.Delivery.SkipFallbackContribution,
		ShutdownGrace:       cfg.Scheduler.ShutdownGrace,
		GoalValidationSpec:  cfg.Scheduler.GoalValidationSchedule,
		FailedSweepSpec:     fmt.Sprintf("@every %s", cfg.Scheduler.RecoverySweepInterval),
		StarvationCooldown:  cfg.Scheduler.AgentStarvationCooldown,
	}, logging.NewComponentLogger("supervisor"))

	server := httpserver.NewServer(httpserver.Deps{
		Workspaces:   st.workspaces,
		Goals:        st.goals,
		Tasks:        st.tasks,
		Agents:       st.agents,
		Deliverables: st.deliverables,
		Recovery:     st.recoveries,
		Memory:       mem,
		Proposals:    proposals,
		Queue:        q,
		Bus:          bus,
		Control:      sup,
	}, httpserver.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Environment:    cfg.Server.Environment,
	}, logging.NewComponentLogger("http"))

	errCh := make(chan error, 2)
	go func() { errCh <- sup.Run(ctx) }()
	go func() { errCh <- server.Run(ctx) }()

	logger.Info("taskforge engine started (store=%s)", storeKind(cfg))

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// openStores selects Postgres when a database URL is configured and the
// in-memory stores otherwise.
func openStores(ctx context.Context, cfg *config.Config, logger logging.Logger) (*stores, func(), error) {
	if cfg.Store.DatabaseURL == "" {
		logger.Warn("no database_url configured, using in-memory stores")
		return &stores{
			workspaces:   memstore.NewWorkspaceStore(),
			goals:        memstore.NewGoalRegistry(),
			tasks:        memstore.NewTaskStore(),
			agents:       memstore.NewAgentStore(),
			deliverables: memstore.NewDeliverableStore(),
			insights:     memstore.NewInsightStore(),
			recoveries:   memstore.NewRecoveryStore(),
		}, func() {}, nil
	}

	pool, err := postgres.Connect(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	st := &stores{
		workspaces:   postgres.NewWorkspaceStore(pool),
		goals:        postgres.NewGoalRegistry(pool),
		tasks:        postgres.NewTaskStore(pool),
		agents:       postgres.NewAgentStore(pool),
		deliverables: postgres.NewDeliverableStore(pool),
		insights:     postgres.NewInsightStore(pool),
		recoveries:   postgres.NewRecoveryStore(pool),
	}
	for _, ensure := range []func(context.Context) error{
		st.workspaces.EnsureSchema,
		st.goals.EnsureSchema,
		st.tasks.EnsureSchema,
		st.agents.EnsureSchema,
		st.deliverables.EnsureSchema,
		st.insights.EnsureSchema,
		st.recoveries.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return st, pool.Close, nil
}

func storeKind(cfg *config.Config) string {
	if cfg.Store.DatabaseURL == "" {
		return "memory"
	}
	return "postgres"
}

func setupSlog(cfg config.TelemetryConfig) {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func shutdownWithin(fn func(context.Context) error, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_ = fn(ctx)
}
