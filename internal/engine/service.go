package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/prismdb-orchestrator/internal/breaker"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/events"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
)

// TokenValidator: проверка capability-токена.
type TokenValidator interface {
	Validate(token string) (*auth.AccessContext, error)
}

// RevocationChecker: список отозванных jti.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) bool
}

// SubmitLimiter: ограничение частоты запусков на субъекта.
type SubmitLimiter interface {
	Allow(ctx context.Context, subject string) error
}

// Journal принимает завершенные запуски. Не должен блокировать.
type Journal interface {
	Record(res Result)
}

// SubmitRequest: входящий запрос.
type SubmitRequest struct {
	Query    string `json:"query"`
	Token    string `json:"-"`
	Mode     string `json:"mode,omitempty"`
	Resource string `json:"resource"`
}

// Service: входная точка для submit / result / subscribe / cancel.
type Service struct {
	validator   TokenValidator
	revocations RevocationChecker
	limiter     SubmitLimiter
	orch        *Orchestrator
	store       ResultStore
	emitter     *events.Emitter
	journal     Journal
	logger      *zap.Logger
	runDeadline time.Duration

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

type ServiceOption func(*Service)

func WithRevocations(r RevocationChecker) ServiceOption {
	return func(s *Service) { s.revocations = r }
}

func WithRateLimiter(l SubmitLimiter) ServiceOption {
	return func(s *Service) { s.limiter = l }
}

func WithJournal(j Journal) ServiceOption {
	return func(s *Service) { s.journal = j }
}

func NewService(
	validator TokenValidator,
	orch *Orchestrator,
	store ResultStore,
	emitter *events.Emitter,
	runDeadline time.Duration,
	logger *zap.Logger,
	opts ...ServiceOption,
) *Service {
	if runDeadline <= 0 {
		runDeadline = 30 * time.Second
	}
	base, stop := context.WithCancel(context.Background())
	s := &Service{
		validator:   validator,
		orch:        orch,
		store:       store,
		emitter:     emitter,
		logger:      logger.Named("service"),
		runDeadline: runDeadline,
		baseCtx:     base,
		stop:        stop,
		cancels:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit проверяет токен синхронно и запускает оркестрацию в фоне.
// Ошибки авторизации возвращаются сразу, ни одна стадия не стартует.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	// 1. Токен
	access, err := s.validator.Validate(req.Token)
	if err != nil {
		return "", err
	}

	// 2. Отзыв и лимит
	if s.revocations != nil && s.revocations.IsRevoked(ctx, access.TokenID()) {
		return "", fmt.Errorf("%w: jti %s", domain.ErrTokenRevoked, access.TokenID())
	}
	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, access.SubjectID()); err != nil {
			return "", err
		}
	}

	// 3. Параметры запуска
	mode, err := domain.ParseMode(req.Mode)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return "", fmt.Errorf("%w: empty query", domain.ErrInvalidRequest)
	}

	requestID := uuid.NewString()
	deadline := time.Now().Add(s.runDeadline)
	rc := NewRunContext(requestID, query, req.Resource, access, mode, deadline)

	initial := Result{
		RequestID: requestID,
		Mode:      mode,
		Status:    domain.RunRunning,
		Subject:   access.SubjectID(),
		Resource:  req.Resource,
		Query:     query,
		Stages:    []domain.StageResult{},
		StartedAt: time.Now(),
	}
	if err := s.store.Put(ctx, initial); err != nil {
		return "", fmt.Errorf("store run: %w", err)
	}

	// 4. Фоновый запуск; отмена запроса HTTP его не прерывает, только Cancel
	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.cancels[requestID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx, rc)

	s.logger.Info("run submitted",
		zap.String("request_id", requestID),
		zap.String("subject", access.SubjectID()),
		zap.String("mode", string(mode)),
		zap.String("resource", req.Resource),
	)
	return requestID, nil
}

func (s *Service) run(ctx context.Context, rc *RunContext) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.cancels[rc.RequestID]; ok {
			cancel()
			delete(s.cancels, rc.RequestID)
		}
		s.mu.Unlock()
	}()

	res := s.orch.Run(ctx, rc)

	// Сохраняем даже после остановки сервиса
	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Put(storeCtx, res); err != nil {
		s.logger.Error("failed to store result", zap.String("request_id", rc.RequestID), zap.Error(err))
	}
	if s.journal != nil {
		s.journal.Record(res)
	}
	if s.emitter != nil {
		s.emitter.CloseRun(rc.RequestID)
	}
}

// Result: текущее состояние запуска (Running до завершения).
func (s *Service) Result(ctx context.Context, requestID string) (Result, error) {
	return s.store.Get(ctx, requestID)
}

// Subscribe: поток событий запуска. Для уже завершенного запуска подписка
// сразу закрыта; события до подписки не воспроизводятся.
func (s *Service) Subscribe(ctx context.Context, requestID string) (*events.Subscription, error) {
	sub := s.emitter.Subscribe(requestID)
	res, err := s.store.Get(ctx, requestID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	if res.Status.Terminal() {
		sub.Close()
	}
	return sub, nil
}

// Events: история запуска, собранная агентом-монитором.
func (s *Service) Events(ctx context.Context, requestID string) (map[string]any, error) {
	if _, err := s.store.Get(ctx, requestID); err != nil {
		return nil, err
	}
	monitors := s.orch.roster.ByKind(domain.StageMonitor)
	if len(monitors) == 0 {
		return nil, fmt.Errorf("%w: no monitor agent", domain.ErrUnknownAgent)
	}
	inv := s.orch.adapter.Invoke(ctx, monitors[0].Name(), domain.AgentRequest{
		RequestID: requestID,
		Stage:     domain.StageMonitor,
		Deadline:  time.Now().Add(5 * time.Second),
	})
	if inv.Err != nil {
		return nil, inv.Err
	}
	return inv.Response.Payload, nil
}

// Breakers: снимки предохранителей агентов.
func (s *Service) Breakers() []breaker.Snapshot {
	return s.orch.adapter.breakers.Snapshots()
}

// Cancel прерывает запуск. Для завершенного запуска — no-op.
func (s *Service) Cancel(ctx context.Context, requestID string) error {
	s.mu.Lock()
	cancel, running := s.cancels[requestID]
	s.mu.Unlock()
	if running {
		cancel()
		s.logger.Info("run cancelled", zap.String("request_id", requestID))
		return nil
	}
	_, err := s.store.Get(ctx, requestID)
	return err
}

// Running: запуск исполняется на этой реплике.
func (s *Service) Running(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancels[requestID]
	return ok
}

// Shutdown отменяет незавершенные запуски и ждет их финализации.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait ждет завершения всех фоновых запусков (тесты).
func (s *Service) Wait() { s.wg.Wait() }
