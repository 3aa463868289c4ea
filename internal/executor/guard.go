package executor

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardConfig: защита соединений с призмами.
type GuardConfig struct {
	MaxRequests uint32        // Пробных запросов в half-open
	Interval    time.Duration // Период сброса счетчиков в closed
	Timeout     time.Duration // Время до попытки "закрыться"
	Threshold   uint32        // Подряд идущих сбоев соединения до размыкания
	RateLimit   float64       // Запросов в секунду на призму
	RateBurst   int
	Attempts    uint
}

// Guard оборачивает исполнитель: лимит запросов, предохранитель и повторы
// на каждую призму. Ошибки SQL (синтаксис, ограничения) предохранитель не считает.
type Guard struct {
	next   QueryExecutor
	cfg    GuardConfig
	logger *zap.Logger

	// Вызывается при смене состояния предохранителя призмы
	onStateChange func(resource string, from, to gobreaker.State)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
}

func NewGuard(next QueryExecutor, cfg GuardConfig, logger *zap.Logger) *Guard {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 5
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	return &Guard{
		next:     next,
		cfg:      cfg,
		logger:   logger.With(zap.String("mod", "executor-guard")),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// OnStateChange подписывает метрики на переключения предохранителей.
func (g *Guard) OnStateChange(fn func(resource string, from, to gobreaker.State)) {
	g.onStateChange = fn
}

func (g *Guard) protect(resource string) (*gobreaker.CircuitBreaker, *rate.Limiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[resource]; ok {
		return cb, g.limiters[resource]
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        resource,
		MaxRequests: g.cfg.MaxRequests,
		Interval:    g.cfg.Interval,
		Timeout:     g.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.cfg.Threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isConnectionError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("prism breaker state changed",
				zap.String("prism", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if g.onStateChange != nil {
				g.onStateChange(name, from, to)
			}
		},
	})
	lim := rate.NewLimiter(rate.Limit(g.cfg.RateLimit), g.cfg.RateBurst)
	g.breakers[resource] = cb
	g.limiters[resource] = lim
	return cb, lim
}

func (g *Guard) Execute(ctx context.Context, resource, statement string, params []any) (*Rows, error) {
	cb, limiter := g.protect(resource)

	// 1. Rate Limiter
	if err := limiter.Wait(ctx); err != nil {
		return nil, &domain.ExecutionError{Resource: resource, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	// 2. Circuit Breaker
	res, err := cb.Execute(func() (interface{}, error) {
		var out *Rows
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(g.cfg.Attempts),
			retry.RetryIf(isConnectionError),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
		retryErr := r.Do(func() error {
			var callErr error
			out, callErr = g.next.Execute(ctx, resource, statement, params)
			return callErr
		})
		return out, retryErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &domain.ExecutionError{Resource: resource, Err: fmt.Errorf("prism unavailable: %w", err)}
		}
		return nil, err
	}
	return res.(*Rows), nil
}

// State: состояние предохранителя призмы (для /v1/breakers).
func (g *Guard) State(resource string) gobreaker.State {
	cb, _ := g.protect(resource)
	return cb.State()
}

// isConnectionError: сбой транспорта, а не ошибка в самом запросе.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
