package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/internal/adapters/ai"
	"github.com/selivandex/decision-engine/internal/adapters/clickhouse"
	"github.com/selivandex/decision-engine/internal/adapters/config"
	"github.com/selivandex/decision-engine/internal/adapters/database"
	"github.com/selivandex/decision-engine/internal/adapters/exchange"
	redisAdapter "github.com/selivandex/decision-engine/internal/adapters/redis"
	"github.com/selivandex/decision-engine/internal/adapters/telegram"
	"github.com/selivandex/decision-engine/internal/agents"
	"github.com/selivandex/decision-engine/internal/engine"
	"github.com/selivandex/decision-engine/internal/health"
	"github.com/selivandex/decision-engine/internal/risk"
	"github.com/selivandex/decision-engine/pkg/logger"
	"github.com/selivandex/decision-engine/pkg/metrics"
	"github.com/selivandex/decision-engine/pkg/worker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds everything that needs closing on shutdown
type app struct {
	db      *database.DB
	redis   *redisAdapter.Client
	metrics metrics.Buffer
	market  exchange.MarketData
	engine  *engine.Engine
	alerts  *engine.CircuitAlerts
	workers *worker.WorkerGroup
	health  *health.Server
}

func run(ctx context.Context) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("decision engine starting",
		zap.Strings("symbols", cfg.Engine.Symbols),
		zap.Strings("analysts", cfg.Analysts.Roster),
		zap.Duration("cycle_interval", cfg.Engine.CycleInterval),
	)

	a := &app{metrics: metrics.Discard{}}
	if err := a.init(ctx, cfg); err != nil {
		a.close(context.Background())
		return err
	}

	a.workers.Start()
	a.health.SetReady(true)
	logger.Info("decision engine ready", zap.String("health_port", cfg.Engine.HealthPort))

	<-ctx.Done()

	return a.shutdown()
}

func initConfig() (*config.Config, error) {
	cfg, err := config.Load(".env")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	err = logger.Init(cfg.Logging.Level, logger.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, nil
}

func (a *app) init(ctx context.Context, cfg *config.Config) error {
	if err := a.initStorage(ctx, cfg); err != nil {
		return err
	}

	gateway, err := initGateway(cfg, a.redis, a.metrics)
	if err != nil {
		return err
	}

	market, err := exchange.NewBinanceAdapter(&cfg.Exchange)
	if err != nil {
		return fmt.Errorf("failed to initialize exchange: %w", err)
	}
	a.market = market

	notifier := initTelegram(cfg)

	var (
		journal *database.DecisionRepository
		events  *risk.Repository
	)
	if a.db != nil {
		journal = a.db.Journal()
		events = risk.NewRepository(a.db.Ext())
	}

	deps, circuit, err := initDecisionPipeline(cfg, gateway, market, journal, events, notifier, a)
	if err != nil {
		return err
	}
	deps.Metrics = a.metrics
	if a.redis != nil {
		deps.Locker = a.redis.SymbolLocker()
	}

	a.engine, err = engine.New(cfg.Engine, deps)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	a.workers = worker.NewWorkerGroup(ctx)
	a.workers.Add(engine.NewCycleWorker(a.engine), cfg.Engine.CycleInterval)
	a.workers.Add(engine.NewCircuitMonitor(circuit, a.metrics), cfg.Risk.CircuitTTL)
	a.workers.Add(gateway.Sweeper(), cfg.AI.SweepInterval)
	if events != nil {
		a.workers.Add(risk.NewRetentionWorker(events, cfg.Risk.EventRetention), 6*time.Hour)
	}

	a.health = startHealthServer(cfg, a, circuit)
	return nil
}

// initStorage opens the optional journal, lock and analytics stores
func (a *app) initStorage(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.Enabled {
		db, err := database.Open(ctx, &cfg.Database)
		if err != nil {
			return err
		}
		a.db = db
		if err := db.Migrate(cfg.Engine.MigrationsPath); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	} else {
		logger.Warn("decision journal disabled, decisions will only be logged")
	}

	if cfg.Redis.Enabled {
		client, err := redisAdapter.New(&cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = client
	} else {
		logger.Info("redis disabled, using in-process symbol locks")
	}

	if cfg.ClickHouse.Enabled {
		buf, err := initClickHouse(ctx, cfg)
		if err != nil {
			logger.Warn("ClickHouse not available, metrics disabled", zap.Error(err))
		} else {
			a.metrics = buf
		}
	}
	return nil
}

func initClickHouse(ctx context.Context, cfg *config.Config) (metrics.Buffer, error) {
	db, err := clickhouse.Open(ctx, &cfg.ClickHouse)
	if err != nil {
		return nil, err
	}
	if err := clickhouse.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	writer := clickhouse.NewWriter(clickhouse.NewRepository(db), db.Close)
	return metrics.NewBufferedMetrics(metrics.BufferConfig{
		Writer:        writer,
		BatchSize:     cfg.ClickHouse.BatchSize,
		FlushInterval: cfg.ClickHouse.FlushInterval,
		MaxBufferSize: cfg.ClickHouse.BatchSize * 50,
	}), nil
}

func initGateway(cfg *config.Config, redisClient *redisAdapter.Client, sink metrics.Buffer) (*ai.Gateway, error) {
	factories := make(map[string]ai.ProviderFactory)
	if cfg.AI.Claude.Enabled {
		claude := cfg.AI.Claude
		factories[ai.ProviderClaude] = func() (ai.Provider, error) {
			return ai.NewClaudeProvider(ai.ClaudeConfig{
				APIKey:  claude.APIKey,
				Model:   claude.Model,
				BaseURL: claude.BaseURL,
				Timeout: cfg.AI.CallTimeout,
			})
		}
	}
	if cfg.AI.OpenAI.Enabled {
		oa := cfg.AI.OpenAI
		factories[ai.ProviderOpenAI] = func() (ai.Provider, error) {
			return ai.NewOpenAIProvider(ai.OpenAIConfig{
				APIKey:   oa.APIKey,
				Model:    oa.Model,
				BaseURL:  oa.BaseURL,
				Timeout:  cfg.AI.CallTimeout,
				JSONMode: oa.JSONMode,
			})
		}
	}

	opts := []ai.Option{ai.WithMetrics(sink)}
	if cfg.AI.SharedCache && redisClient != nil {
		opts = append(opts, ai.WithSharedStore(redisClient.GenerationStore()))
	}

	gateway, err := ai.NewGateway(ai.GatewayConfig{
		Primary:       cfg.AI.Primary,
		Hybrid:        cfg.AI.Hybrid,
		CallTimeout:   cfg.AI.CallTimeout,
		CacheTTL:      cfg.AI.CacheTTL,
		CacheCapacity: cfg.AI.CacheCapacity,
	}, factories, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ai gateway: %w", err)
	}
	return gateway, nil
}

func initTelegram(cfg *config.Config) *telegram.Notifier {
	if !cfg.Telegram.Enabled {
		return nil
	}

	notifier, err := telegram.NewNotifier(cfg.Telegram)
	if err != nil {
		logger.Warn("failed to initialize telegram notifier", zap.Error(err))
		return nil
	}
	return notifier
}

// initDecisionPipeline builds analysts, judge and risk layer. Optional collaborators
// are only set when present so the engine never sees a typed nil.
func initDecisionPipeline(
	cfg *config.Config,
	gateway *ai.Gateway,
	market exchange.MarketData,
	journal *database.DecisionRepository,
	events *risk.Repository,
	notifier *telegram.Notifier,
	a *app,
) (engine.Deps, *risk.CircuitBreaker, error) {
	var deps engine.Deps

	personas, err := agents.PersonasFor(cfg.Analysts.Roster)
	if err != nil {
		return deps, nil, err
	}
	deps.Orchestrator, err = agents.NewOrchestrator(gateway, cfg.Analysts, personas)
	if err != nil {
		return deps, nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	deps.Judge, err = agents.NewJudge(gateway, cfg.Judge)
	if err != nil {
		return deps, nil, fmt.Errorf("failed to create judge: %w", err)
	}
	deps.Tournament = agents.NewWeightedTournament()

	var (
		eventLog        engine.RiskEventLog
		circuitNotifier engine.CircuitNotifier
	)
	if events != nil {
		eventLog = events
		deps.Events = events
	}
	if notifier != nil {
		circuitNotifier = notifier
		deps.Alerter = notifier
	}

	var circuit *risk.CircuitBreaker
	a.alerts = engine.NewCircuitAlerts(eventLog, circuitNotifier, func(l risk.Level) float64 {
		return circuit.LeverageCap(l)
	}, cfg.Engine.PersistTimeout)

	circuit, err = risk.NewCircuitBreaker(&cfg.Risk, exchange.NewProbe(market), risk.WithLevelChangeHook(a.alerts.Hook))
	if err != nil {
		return deps, nil, fmt.Errorf("failed to create circuit breaker: %w", err)
	}
	deps.Circuit = circuit

	deps.AntiChurn, err = risk.NewAntiChurn(&cfg.Risk)
	if err != nil {
		return deps, nil, fmt.Errorf("failed to create anti-churn gate: %w", err)
	}
	deps.Leverage, err = risk.NewLeverageCalculator(&cfg.Risk)
	if err != nil {
		return deps, nil, fmt.Errorf("failed to create leverage calculator: %w", err)
	}

	var confidences exchange.ConfidenceLookup
	if journal != nil {
		confidences = journal
		deps.Sink = journal
		deps.Weights = journal
	}
	deps.Source = exchange.NewSnapshotBuilder(market, cfg.Engine.Symbols, cfg.Exchange.Timeframe, cfg.Exchange.Candles, confidences)

	return deps, circuit, nil
}

func startHealthServer(cfg *config.Config, a *app, circuit *risk.CircuitBreaker) *health.Server {
	server := health.NewServer(cfg.Engine.HealthPort, circuit)
	if a.db != nil {
		server.AddCheck("database", a.db.Health)
	}
	if a.redis != nil {
		server.AddCheck("redis", a.redis.Health)
	}
	server.AddCheck("exchange", a.market.Ping)
	server.SetWorkers(a.workers)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	return server
}

func (a *app) shutdown() error {
	logger.Info("shutdown signal received, starting graceful shutdown...")
	a.health.SetReady(false)

	// K8s gives 30s terminationGracePeriodSeconds
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer shutdownCancel()

	logger.Info("stopping workers...")
	a.workers.Stop(15 * time.Second)

	a.close(shutdownCtx)

	logger.Info("stopping health server...")
	if err := a.health.Stop(shutdownCtx); err != nil {
		logger.Error("health server stop error", zap.Error(err))
	}

	select {
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded")
		return fmt.Errorf("graceful shutdown timeout")
	default:
		logger.Info("shutdown completed successfully")
	}
	return nil
}

// close releases resources in reverse dependency order. Safe on a partly initialized app.
func (a *app) close(ctx context.Context) {
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			logger.Error("pending decision writes abandoned", zap.Error(err))
		}
	}
	if a.alerts != nil {
		a.alerts.Wait()
	}
	if err := a.metrics.Close(ctx); err != nil {
		logger.Error("metrics close error", zap.Error(err))
	}
	if a.market != nil {
		if err := a.market.Close(); err != nil {
			logger.Error("exchange close error", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Error("redis close error", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Error("database close error", zap.Error(err))
		}
	}
}
