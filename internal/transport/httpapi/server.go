// Package httpapi — HTTP-фасад оркестратора: submit, результат, SSE-стрим, отмена.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/prismdb-orchestrator/internal/breaker"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/engine"
	"github.com/xela07ax/prismdb-orchestrator/internal/events"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
)

// RunService: то, что фасаду нужно от engine.Service.
type RunService interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (string, error)
	Result(ctx context.Context, requestID string) (engine.Result, error)
	Subscribe(ctx context.Context, requestID string) (*events.Subscription, error)
	Running(requestID string) bool
	Events(ctx context.Context, requestID string) (map[string]any, error)
	Cancel(ctx context.Context, requestID string) error
	Breakers() []breaker.Snapshot
}

// Follower: стрим запуска, исполняемого другой репликой (events.RedisRelay).
type Follower interface {
	Follow(ctx context.Context, requestID string) (<-chan domain.StageEvent, error)
}

type Server struct {
	router    *chi.Mux
	svc       RunService
	validator auth.TokenValidator
	follower  Follower
	metrics   http.Handler
	logger    *zap.Logger
}

type Option func(*Server)

func WithFollower(f Follower) Option {
	return func(s *Server) { s.follower = f }
}

// WithMetrics монтирует обработчик Prometheus на /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func NewServer(svc RunService, validator auth.TokenValidator, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		svc:       svc,
		validator: validator,
		logger:    logger.Named("prism-api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	// Токен проверяет сам Service.Submit: отзыв и лимит живут там же
	r.Post("/v1/runs", s.submit)

	// --- 3. Защищенный периметр ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger, ""))

		r.Route("/v1/runs/{id}", func(r chi.Router) {
			r.Get("/", s.result)
			r.Delete("/", s.cancel)
			r.Get("/stream", s.stream)
			r.Get("/events", s.events)
		})
		r.Get("/v1/breakers", s.breakers)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
