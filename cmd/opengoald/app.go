package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	chainadapter "OpenGoal-Chain/internal/adapters/chain"
	"OpenGoal-Chain/internal/api"
	"OpenGoal-Chain/internal/config"
	"OpenGoal-Chain/internal/cot"
	"OpenGoal-Chain/internal/events"
	"OpenGoal-Chain/internal/goal"
	"OpenGoal-Chain/internal/graphql"
	"OpenGoal-Chain/internal/knowledge"
	"OpenGoal-Chain/internal/llm"
	"OpenGoal-Chain/internal/llm/anthropic"
	"OpenGoal-Chain/internal/llm/openai"
	"OpenGoal-Chain/internal/llm/pythonbridge"
	"OpenGoal-Chain/internal/memory"
	"OpenGoal-Chain/internal/observability/alerting"
	"OpenGoal-Chain/internal/observability/metrics"
	"OpenGoal-Chain/internal/orchestrator"
	"OpenGoal-Chain/internal/processor"
	redisstore "OpenGoal-Chain/internal/storage/redis"
	"OpenGoal-Chain/internal/storage/sqlstore"
	"OpenGoal-Chain/internal/telemetry"
	"OpenGoal-Chain/internal/web3/provider"
	"OpenGoal-Chain/pkg/logger"
)

// app 持有守护进程装配好的组件以及按逆序执行的关闭函数。
type app struct {
	bus     *events.Bus
	orch    *orchestrator.Orchestrator
	chain   *cot.ChainOfThought
	metrics *metrics.Collector
	alerts  *alerting.Watcher
	api     *api.Server

	closers []func()
}

// Close 按注册的逆序释放资源。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	log := logger.Named("opengoald")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	tp, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("关闭追踪失败", slog.Any("error", err))
		}
	})

	a.bus = events.NewBus(events.WithLogger(logger.Named("events")))
	a.metrics = metrics.New()
	a.onClose(a.metrics.Attach(a.bus))

	if cfg.Alerting.Enabled {
		notifiers := []alerting.Notifier{&alerting.AuditNotifier{}}
		if cfg.Alerting.WebhookURL != "" {
			notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL, Headers: cfg.Alerting.Headers})
		}
		a.alerts = alerting.NewWatcher(alerting.NewFanout(notifiers...),
			alerting.WithCooldown(cfg.Alerting.Cooldown),
			alerting.WithLogger(logger.Named("alerting")),
		)
		a.onClose(a.alerts.Attach(a.bus))
	}

	analyzer, err := createAnalyzer(cfg)
	if err != nil {
		return nil, err
	}
	analyzer = llm.WithRetry(analyzer, cfg.LLM.Retry, llm.WithRetryLogger(logger.Named("llm")))

	store, err := createStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		a.onClose(func() { _ = closer.Close() })
	}

	if cfg.Storage.Journal.Enabled {
		journal, err := sqlstore.Open(ctx, cfg.Storage.Journal.SQL, sqlstore.WithLogger(logger.Named("journal")))
		if err != nil {
			return nil, err
		}
		detach := journal.Attach(a.bus)
		a.onClose(func() {
			detach()
			_ = journal.Close()
		})
	}

	if cfg.Events.AMQP.URL != "" {
		fwd, err := events.NewAMQPForwarder(cfg.Events.AMQP, logger.Named("amqp"))
		if err != nil {
			return nil, err
		}
		fwd.Attach(a.bus)
		a.onClose(func() { _ = fwd.Close() })
	}

	analyzerOpts := llm.Options{
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}
	proc := processor.New(analyzer, store,
		processor.WithLogger(logger.Named("processor")),
		processor.WithAnalyzerOptions(analyzerOpts),
	)
	a.orch = orchestrator.New(proc, store,
		orchestrator.WithBus(a.bus),
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithHopLimit(cfg.Engine.HopLimit),
		orchestrator.WithSchedulerTick(cfg.Engine.SchedulerTick),
		orchestrator.WithTracer(tp.Tracer),
		orchestrator.WithRoomManager(memory.NewRoomManager()),
	)

	cotOpts := []cot.Option{
		cot.WithBus(a.bus),
		cot.WithLogger(logger.Named("cot")),
		cot.WithTracer(tp.Tracer),
		cot.WithMaxIterations(cfg.Engine.MaxIterations),
		cot.WithPlanRetries(cfg.Engine.PlanRetries),
		cot.WithAnalyzerOptions(analyzerOpts),
	}

	if cfg.Web3.Enabled() {
		registry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, err
		}
		a.onClose(registry.Close)
		if err := chainadapter.Register(a.orch, registry, chainadapter.Options{
			SnapshotInterval: cfg.Web3.SnapshotInterval,
			AllowBroadcast:   cfg.Web3.AllowBroadcast,
			Logger:           logger.Named("chain-adapter"),
		}); err != nil {
			return nil, err
		}
		cotOpts = append(cotOpts,
			cot.WithExecutor(cot.ActionExecuteTransaction, cot.TransactionExecutor(registry)),
			cot.WithInitialContext(cot.Context{
				Properties: map[string]any{"chains": registry.Chains()},
			}),
		)
	}

	gql := graphql.NewClient(cfg.GraphQL.Endpoint, cfg.GraphQL.Timeout, graphql.WithHeaders(cfg.GraphQL.Headers))
	cotOpts = append(cotOpts, cot.WithExecutor(cot.ActionGraphQLFetch, cot.GraphQLExecutor(gql)))

	if cfg.Knowledge.Path != "" {
		kp, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, cfg.Knowledge.MaxResults)
		if err != nil {
			return nil, err
		}
		cotOpts = append(cotOpts, cot.WithKnowledge(kp))
	}
	if cfg.Engine.Interactive {
		cotOpts = append(cotOpts, cot.WithHumanInput(newStdinInput(os.Stdin, os.Stderr)))
	}

	goals := goal.NewManager(goal.WithBus(a.bus), goal.WithLogger(logger.Named("goal")))
	a.chain = cot.New(analyzer, goals, cotOpts...)
	a.metrics.TrackGoals(goals)

	if cfg.API.Address != "" {
		a.api = api.NewServer(cfg.API.Address, goals,
			api.WithInputs(a.orch),
			api.WithPlanner(a.chain),
			api.WithMetrics(a.metrics),
			api.WithToken(cfg.API.Token),
			api.WithLogger(logger.Named("api")),
		)
	}

	log.Info("组件装配完成",
		slog.String("llm", cfg.LLM.Provider),
		slog.String("memory", cfg.Storage.Memory.Driver),
		slog.Bool("journal", cfg.Storage.Journal.Enabled),
		slog.Bool("web3", cfg.Web3.Enabled()),
		slog.Bool("alerting", a.alerts != nil),
		slog.String("api", cfg.API.Address),
	)
	return a, nil
}

// createAnalyzer 根据配置选择大模型提供方。
func createAnalyzer(cfg *config.Config) (llm.Analyzer, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return openai.NewClient(cfg.LLM.OpenAI)
	case "anthropic":
		return anthropic.NewClient(cfg.LLM.Anthropic)
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, script, cfg.LLM.Python.WorkingDir,
			pythonbridge.WithTimeout(cfg.LLM.Python.Timeout),
			pythonbridge.WithEnv(cfg.LLM.Python.Env...),
		)
	default:
		return nil, fmt.Errorf("不支持的大模型提供方 %q", cfg.LLM.Provider)
	}
}

func createStore(ctx context.Context, cfg *config.Config) (memory.Store, error) {
	switch cfg.Storage.Memory.Driver {
	case "redis":
		return redisstore.NewMemoryStore(ctx, cfg.Storage.Memory.Redis)
	default:
		return memory.NewInMemoryStore(), nil
	}
}
