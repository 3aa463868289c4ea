package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/prismdb-orchestrator/internal/console/handler"
	"github.com/xela07ax/prismdb-orchestrator/internal/console/service"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка access-токенов (HS256 или RS256)
	validator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler  *handler.AuthHandler      // /auth/*
	agentHandler *handler.AgentHandler     // /v1/agents (kill-switch)
	dashHandler  *handler.DashboardHandler // /api/v1/dashboard, nil без журнала
	auditHandler *handler.AuditHandler     // /v1/runs, nil без журнала
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	agentH *handler.AgentHandler,
	dashH *handler.DashboardHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:       chi.NewRouter(),
		logger:       logger.Named("console-api"),
		validator:    validator,
		authHandler:  authH,
		agentHandler: agentH,
		dashHandler:  dashH,
		auditHandler: auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		// Refresh-токен сам по себе является доказательством
		r.Post("/auth/refresh", s.authHandler.Refresh)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. Любой действующий access-токен ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger, ""))
		r.Post("/auth/revoke", s.authHandler.Revoke)
	})

	// --- 4. ПЕРИМЕТР ОПЕРАТОРА (роль admin) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger, service.RoleAdmin))

		r.Post("/auth/token", s.authHandler.Issue)

		// Управление Агентами (Kill-Switch)
		r.Mount("/v1/agents", s.agentHandler.Routes())

		// Dashboard и журнал запусков (Observability)
		if s.dashHandler != nil {
			r.Get("/api/v1/dashboard/stats", s.dashHandler.GetStats)
		}
		if s.auditHandler != nil {
			r.Get("/v1/runs", s.auditHandler.GetRuns)
		}
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
