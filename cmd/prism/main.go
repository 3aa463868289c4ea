package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/prismdb-orchestrator/internal/audit"
	"github.com/xela07ax/prismdb-orchestrator/internal/breaker"
	"github.com/xela07ax/prismdb-orchestrator/internal/engine"
	"github.com/xela07ax/prismdb-orchestrator/internal/events"
	"github.com/xela07ax/prismdb-orchestrator/internal/executor"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra/auth"
	"github.com/xela07ax/prismdb-orchestrator/internal/repository/postgres"
	"github.com/xela07ax/prismdb-orchestrator/internal/transport/httpapi"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура: Redis и метрики
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	// 3. Execution Layer: пулы призм, защита соединений, кэш результатов
	sqlExec, err := executor.Open(cfg.Database.Prisms, executor.PoolConfig{
		MaxOpenConns:    int(cfg.Database.MaxConns),
		MaxIdleConns:    int(cfg.Database.MinConns),
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		logger.Fatal("failed to open prisms", zap.Error(err))
	}
	defer sqlExec.Close()

	guard := executor.NewGuard(sqlExec, executor.GuardConfig{
		MaxRequests: cfg.Executor.CBMaxRequests,
		Interval:    cfg.Executor.CBInterval,
		Timeout:     cfg.Executor.CBTimeout,
		RateLimit:   cfg.Executor.RateLimit,
		RateBurst:   cfg.Executor.RateBurst,
		Attempts:    cfg.Executor.Attempts,
	}, logger)
	guard.OnStateChange(func(resource string, _, to gobreaker.State) {
		metrics.BreakerState.WithLabelValues("prism:" + resource).Set(prismBreakerGauge(to))
	})
	cache := executor.NewCache(rdb, cfg.Executor.CacheTTL, logger)

	// 4. Control Plane: kill-switch агентов
	ks := engine.NewKillSwitch(rdb, logger)
	agents := cfg.Agents
	if len(agents) == 0 {
		agents = defaultAgents(cfg.Engine)
		logger.Info("no agents configured, using local roster")
	}
	if err := ks.Init(appCtx); err != nil {
		logger.Fatal("failed to init kill-switch", zap.Error(err))
	}
	if err := ks.Warmup(appCtx, disabledFromConfig(agents)); err != nil {
		logger.Warn("kill-switch warm-up failed", zap.Error(err))
	}
	go ks.Listen(appCtx)

	// 5. События: эмиттер, история (монитор) и ретрансляция между репликами
	emitter := events.NewEmitter(cfg.Engine.EventBufferSize, metrics.EventDropped)
	history := events.NewHistory(cfg.Engine.HistoryMaxEvents, 0, logger)
	go history.Run(appCtx, emitter.SubscribeAll(cfg.Engine.EventBufferSize*4))
	relay := events.NewRedisRelay(rdb, logger)
	go relay.Run(appCtx, emitter.SubscribeAll(cfg.Engine.EventBufferSize*4))

	// 6. Реестр агентов и предохранители
	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Engine.FailureThreshold,
		ResetTimeout:     cfg.Engine.ResetTimeout,
	}, metrics.OnBreakerChange, logger)

	roster, conns, err := buildRoster(agents, agentDeps{
		execution: func(name string) engine.Agent { return executor.NewExecutionAgent(name, guard, cache) },
		monitor:   history,
		agentKey:  cfg.Auth.AgentKey,
	}, breakers)
	if err != nil {
		logger.Fatal("failed to build agent roster", zap.Error(err))
	}
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	// 7. Core: адаптер, оркестратор, хранилище результатов
	adapter := engine.NewAdapter(roster, breakers, metrics, logger, engine.WithKillSwitch(ks))
	orch := engine.NewOrchestrator(roster, adapter, nil, emitter, metrics, logger, engine.OrchestratorConfig{
		RunDeadline:         cfg.Engine.RunDeadline,
		CoordinateDeadline:  cfg.Engine.CoordinateDeadline,
		CollaborateDeadline: cfg.Engine.CollaborateDeadline,
	})

	var store engine.ResultStore
	if cfg.Engine.ResultStore == "redis" {
		store = engine.NewRedisStore(rdb, cfg.Engine.ResultTTL)
	} else {
		mem := engine.NewMemoryStore(cfg.Engine.ResultTTL)
		go mem.Sweep(appCtx, time.Minute)
		store = mem
	}

	// 8. Безопасность: проверка токенов, отзыв, лимит частоты
	validator, err := newValidator(cfg.Auth)
	if err != nil {
		logger.Fatal("failed to init token validator", zap.Error(err))
	}
	opts := []engine.ServiceOption{
		engine.WithRevocations(auth.NewRevocationStore(rdb, logger)),
		engine.WithRateLimiter(auth.NewRateLimiter(rdb, cfg.Auth.RateLimit, cfg.Auth.RateWindow, logger)),
	}

	// 9. Журнал запусков в Postgres (если задан DSN)
	var journal *audit.Journal
	if cfg.Database.URL != "" {
		repo, err := postgres.OpenRunRepo(cfg.Database.URL, int(cfg.Database.MaxConns))
		if err != nil {
			logger.Fatal("failed to open run journal", zap.Error(err))
		}
		defer repo.Close()
		if err := repo.Migrate(appCtx); err != nil {
			logger.Fatal("failed to migrate run journal", zap.Error(err))
		}
		journal = audit.NewJournal(repo, audit.Config{
			BufferSize:    cfg.Engine.JournalBufferSize,
			FlushInterval: cfg.Engine.JournalFlushInterval,
		}, metrics.JournalBufferFill, logger)
		journal.Start()
		opts = append(opts, engine.WithJournal(journal))
	} else {
		logger.Warn("database.url is empty, run journal disabled")
	}

	svc := engine.NewService(validator, orch, store, emitter, cfg.Engine.RunDeadline, logger, opts...)

	// 10. HTTP Server
	api := httpapi.NewServer(svc, validator, logger,
		httpapi.WithFollower(relay),
		httpapi.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 11. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("prism orchestrator started", zap.String("addr", srv.Addr), zap.Int("agents", len(roster.Names())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("prism orchestrator stopping...")

	// Даем 10 секунд на завершение запросов и незавершенных запусков
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("runs did not finish in time", zap.Error(err))
	}
	// Журнал последним: финализированные запуски успевают попасть в буфер
	if journal != nil {
		journal.Stop()
	}
	cancel()
	logger.Info("prism orchestrator exited properly")
}

// newValidator: HS256 при заданном секрете, иначе RS256 по публичному ключу.
func newValidator(cfg infra.AuthConfig) (*auth.Validator, error) {
	if cfg.HMACSecret != "" {
		return auth.NewHMACValidator([]byte(cfg.HMACSecret)), nil
	}
	if len(cfg.PublicKey) == 0 {
		return nil, errors.New("neither auth.hmac_secret nor a public key is configured")
	}
	pub, err := auth.ParseRSAPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, err
	}
	return auth.NewRSAValidator(pub), nil
}
