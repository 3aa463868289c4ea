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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/prismdb-orchestrator/internal/console/handler"
	"github.com/xela07ax/prismdb-orchestrator/internal/console/server"
	"github.com/xela07ax/prismdb-orchestrator/internal/console/service"
	"github.com/xela07ax/prismdb-orchestrator/internal/engine"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra/auth"
	"github.com/xela07ax/prismdb-orchestrator/internal/repository/postgres"
)

func main() {
	// 1. Инициализация ресурсов
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	issuer, err := newIssuer(cfg.Auth)
	if err != nil {
		logger.Fatal("failed to init token issuer", zap.Error(err))
	}

	// 2. Kill-switch: консоль видит то же состояние, что и реплики оркестратора
	ks := engine.NewKillSwitch(rdb, logger)
	if err := ks.Init(appCtx); err != nil {
		logger.Fatal("failed to init kill-switch", zap.Error(err))
	}
	go ks.Listen(appCtx)

	known := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		known = append(known, a.Name)
	}

	// 3. Инициализация слоев (Dependency Injection)
	authH := handler.NewAuthHandler(service.NewAuthService(issuer, auth.NewRevocationStore(rdb, logger), logger), logger)
	agentH := handler.NewAgentHandler(service.NewAgentService(ks, known, logger))

	var dashH *handler.DashboardHandler
	var auditH *handler.AuditHandler
	if cfg.Database.URL != "" {
		repo, err := postgres.OpenRunRepo(cfg.Database.URL, int(cfg.Database.MaxConns))
		if err != nil {
			logger.Fatal("failed to open run journal", zap.Error(err))
		}
		defer repo.Close()

		// Проверяем соединение с таймаутом
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := repo.Ping(pingCtx); err != nil {
			logger.Fatal("database unreachable", zap.Error(err))
		}
		pingCancel()

		dashH = handler.NewDashboardHandler(service.NewDashboardService(repo, rdb, logger))
		auditH = handler.NewAuditHandler(service.NewAuditService(repo))
	} else {
		logger.Warn("database.url is empty, dashboard and run log disabled")
	}

	// 4. Запуск сервера
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.ConsolePort),
		Handler:      server.NewConsoleServer(logger, issuer, authH, agentH, dashH, auditH),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console API exited properly")
}

// newIssuer: HS256 при заданном секрете, иначе RS256 по закрытому ключу.
func newIssuer(cfg infra.AuthConfig) (*auth.Issuer, error) {
	if cfg.HMACSecret != "" {
		return auth.NewHMACIssuer([]byte(cfg.HMACSecret), cfg.AccessTTL, cfg.RefreshTTL), nil
	}
	if len(cfg.PrivateKey) == 0 {
		return nil, errors.New("neither auth.hmac_secret nor a private key is configured")
	}
	key, err := auth.ParseRSAPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	return auth.NewRSAIssuer(key, cfg.AccessTTL, cfg.RefreshTTL), nil
}
