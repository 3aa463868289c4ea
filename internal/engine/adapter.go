package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/xela07ax/prismdb-orchestrator/internal/breaker"
	"github.com/xela07ax/prismdb-orchestrator/internal/connectors"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// DisabledChecker: источник состояния kill-switch.
type DisabledChecker interface {
	IsDisabled(agent string) bool
}

// Invocation: итог вызова агента через адаптер.
type Invocation struct {
	Response domain.AgentResponse
	Err      error
	Retries  int
}

// Adapter: единая точка вызова агентов: kill-switch, предохранитель,
// повторы с бэкоффом и дедлайн. Каждый вызов сообщает предохранителю
// ровно один исход.
type Adapter struct {
	roster   *Roster
	breakers *breaker.Registry
	disabled DisabledChecker
	metrics  *Metrics
	logger   *zap.Logger

	baseDelay time.Duration
	maxDelay  time.Duration
}

type AdapterOption func(*Adapter)

// WithBackoff задает базовую и максимальную паузу между попытками.
func WithBackoff(base, max time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.baseDelay = base
		a.maxDelay = max
	}
}

func WithKillSwitch(d DisabledChecker) AdapterOption {
	return func(a *Adapter) { a.disabled = d }
}

func NewAdapter(roster *Roster, breakers *breaker.Registry, metrics *Metrics, logger *zap.Logger, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		roster:    roster,
		breakers:  breakers,
		metrics:   metrics,
		logger:    logger.Named("adapter"),
		baseDelay: 100 * time.Millisecond,
		maxDelay:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Invoke(ctx context.Context, name string, req domain.AgentRequest) (inv Invocation) {
	spec, ok := a.roster.Get(name)
	if !ok {
		return Invocation{Err: fmt.Errorf("%w: %s", domain.ErrUnknownAgent, name)}
	}

	// 1. Kill-switch: предохранитель не трогаем
	if a.disabled != nil && a.disabled.IsDisabled(name) {
		return Invocation{Err: fmt.Errorf("%w: %s", domain.ErrAgentDisabled, name)}
	}
	if ctx.Err() == context.Canceled {
		return Invocation{Err: fmt.Errorf("%w: before %s was called", domain.ErrCancelled, name)}
	}

	// 2. Предохранитель: открыт — агента не зовем
	cb := a.breakers.Register(name, breaker.Settings{})
	ticket, err := cb.Allow()
	if err != nil {
		return Invocation{Err: err}
	}

	start := time.Now()
	defer func() {
		a.report(ticket, inv.Err)
		a.metrics.observeStage(name, inv, time.Since(start))
	}()

	// 3. Дедлайн стадии
	callCtx := ctx
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	// 4. Повторы только для транзиентных ошибок
	var (
		attempts int
		lastErr  error
		resp     domain.AgentResponse
	)
	r := retry.New(
		retry.Context(callCtx),
		retry.Attempts(uint(spec.Attempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return callCtx.Err() == nil && domain.IsTransient(err)
		}),
		retry.Delay(a.baseDelay),
		retry.MaxDelay(a.maxDelay),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			// Агент сам сказал, когда повторить
			var tErr *connectors.ThrottleError
			if errors.As(err, &tErr) {
				return tErr.RetryAfter
			}
			return retry.BackOffDelay(n, err, config)
		}),
	)
	doErr := r.Do(func() error {
		attempts++
		out, callErr := a.attempt(ctx, callCtx, spec, req)
		if callErr != nil {
			lastErr = callErr
			if attempts < spec.Attempts && domain.IsTransient(callErr) {
				a.logger.Debug("retrying agent call",
					zap.String("agent", name), zap.String("request_id", req.RequestID),
					zap.Int("attempt", attempts), zap.Error(callErr))
			}
			return callErr
		}
		resp = out
		return nil
	})

	inv.Retries = max(attempts-1, 0)
	if doErr == nil {
		if resp.Payload == nil {
			resp.Payload = map[string]any{}
		}
		inv.Response = resp
		return inv
	}
	inv.Err = a.finalError(ctx, callCtx, name, lastErr, doErr)
	return inv
}

// attempt: одна попытка. Вызов агента ограничен по времени даже если
// агент игнорирует ctx: по истечении дедлайна результат не ждем.
func (a *Adapter) attempt(parent, callCtx context.Context, spec AgentSpec, req domain.AgentRequest) (domain.AgentResponse, error) {
	attemptCtx := callCtx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(callCtx, spec.Timeout)
		defer cancel()
	}

	type result struct {
		resp domain.AgentResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := spec.Agent.Handle(attemptCtx, req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.resp, nil
		}
		return domain.AgentResponse{}, classify(parent, attemptCtx, spec.Name(), r.err)
	case <-attemptCtx.Done():
		return domain.AgentResponse{}, classify(parent, attemptCtx, spec.Name(), attemptCtx.Err())
	}
}

// classify отличает отмену запуска от таймаута агента.
func classify(parent, attemptCtx context.Context, name string, err error) error {
	if parent.Err() == context.Canceled {
		return fmt.Errorf("%w: %s interrupted", domain.ErrCancelled, name)
	}
	if attemptCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", domain.ErrTimeout, name)
	}
	if errors.Is(err, context.Canceled) {
		// Агент отменил сам себя при живом родителе
		return fmt.Errorf("%w: %s aborted: %v", domain.ErrTransient, name, err)
	}
	return err
}

func (a *Adapter) finalError(parent, callCtx context.Context, name string, lastErr, doErr error) error {
	switch {
	case parent.Err() == context.Canceled:
		return fmt.Errorf("%w: %s interrupted", domain.ErrCancelled, name)
	case lastErr != nil && !domain.IsTransient(lastErr):
		return lastErr
	case callCtx.Err() != nil:
		return fmt.Errorf("%w: %s missed stage deadline", domain.ErrTimeout, name)
	case lastErr != nil:
		return lastErr
	default:
		return doErr
	}
}

// report: отмена нейтральна, остальное — успех или отказ.
func (a *Adapter) report(t *breaker.Ticket, err error) {
	switch {
	case err == nil:
		t.Success()
	case domain.KindOf(err) == domain.KindCancelled:
		t.Cancel()
	default:
		t.Failure()
	}
}
