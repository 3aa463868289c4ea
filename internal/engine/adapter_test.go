package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/prismdb-orchestrator/internal/breaker"
	"github.com/xela07ax/prismdb-orchestrator/internal/connectors"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"go.uber.org/zap"
)

func request() domain.AgentRequest {
	return domain.AgentRequest{RequestID: "r1", Stage: domain.StageNLU, Query: "q", Deadline: time.Now().Add(time.Second)}
}

func TestAdapterSuccess(t *testing.T) {
	a := okStub("nlu", map[string]any{"intent": "list"})
	h := newHarness(t, spec(a, domain.StageNLU))

	inv := h.adapter.Invoke(context.Background(), "nlu", request())
	require.NoError(t, inv.Err)
	assert.Equal(t, "list", inv.Response.Payload["intent"])
	assert.Zero(t, inv.Retries)
	assert.Equal(t, breaker.StateClosed, h.snapshot(t, "nlu").State)
}

func TestAdapterRetriesTransientErrors(t *testing.T) {
	a := newStub("nlu", func(_ context.Context, _ domain.AgentRequest, call int32) (domain.AgentResponse, error) {
		if call == 1 {
			return domain.AgentResponse{}, domain.ErrTransient
		}
		return domain.AgentResponse{Payload: map[string]any{"ok": true}}, nil
	})
	h := newHarness(t, spec(a, domain.StageNLU))

	inv := h.adapter.Invoke(context.Background(), "nlu", request())
	require.NoError(t, inv.Err)
	assert.Equal(t, 1, inv.Retries)
	assert.Equal(t, int32(2), a.calls.Load())
	assert.Zero(t, h.snapshot(t, "nlu").ConsecutiveFailures)
}

func TestAdapterDoesNotRetryPermanentErrors(t *testing.T) {
	a := newStub("sql", func(context.Context, domain.AgentRequest, int32) (domain.AgentResponse, error) {
		return domain.AgentResponse{}, errors.New("model refused")
	})
	h := newHarness(t, AgentSpec{Agent: a, Kind: domain.StageSQL, Attempts: 5})

	inv := h.adapter.Invoke(context.Background(), "sql", request())
	assert.Equal(t, domain.KindAgentError, domain.KindOf(inv.Err))
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, 1, h.snapshot(t, "sql").ConsecutiveFailures)
}

func TestAdapterReportsOncePerInvoke(t *testing.T) {
	a := newStub("nlu", func(context.Context, domain.AgentRequest, int32) (domain.AgentResponse, error) {
		return domain.AgentResponse{}, domain.ErrTransient
	})
	h := newHarness(t, AgentSpec{Agent: a, Kind: domain.StageNLU, Attempts: 3})

	inv := h.adapter.Invoke(context.Background(), "nlu", request())
	assert.Equal(t, domain.KindTransientFailure, domain.KindOf(inv.Err))
	assert.Equal(t, 2, inv.Retries)
	assert.Equal(t, int32(3), a.calls.Load())
	assert.Equal(t, 1, h.snapshot(t, "nlu").ConsecutiveFailures, "three attempts, one breaker report")
}

func TestAdapterOpenBreakerSkipsAgent(t *testing.T) {
	a := newStub("sql", func(context.Context, domain.AgentRequest, int32) (domain.AgentResponse, error) {
		return domain.AgentResponse{}, errors.New("boom")
	})
	roster := NewRoster()
	require.NoError(t, roster.Add(AgentSpec{Agent: a, Kind: domain.StageSQL, Attempts: 1}))
	breakers := breaker.NewRegistry(breaker.Settings{}, nil, zap.NewNop())
	breakers.Register("sql", breaker.Settings{FailureThreshold: 1, ResetTimeout: time.Minute})
	adapter := NewAdapter(roster, breakers, nil, zap.NewNop())

	first := adapter.Invoke(context.Background(), "sql", request())
	require.Error(t, first.Err)

	second := adapter.Invoke(context.Background(), "sql", request())
	assert.ErrorIs(t, second.Err, domain.ErrBreakerOpen)
	assert.Equal(t, int32(1), a.calls.Load(), "open breaker fails fast")
}

func TestAdapterDeadlineCancelsInFlightCall(t *testing.T) {
	// Агент игнорирует ctx
	a := newStub("viz", func(context.Context, domain.AgentRequest, int32) (domain.AgentResponse, error) {
		time.Sleep(time.Second)
		return domain.AgentResponse{}, nil
	})
	h := newHarness(t, AgentSpec{Agent: a, Kind: domain.StageVisualization, Attempts: 2})

	req := request()
	req.Deadline = time.Now().Add(50 * time.Millisecond)
	start := time.Now()
	inv := h.adapter.Invoke(context.Background(), "viz", req)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(inv.Err))
	assert.Equal(t, 1, h.snapshot(t, "viz").ConsecutiveFailures, "deadline miss counts as failure")
}

func TestAdapterPerAttemptTimeoutIsRetried(t *testing.T) {
	a := newStub("nlu", func(ctx context.Context, _ domain.AgentRequest, call int32) (domain.AgentResponse, error) {
		if call == 1 {
			<-ctx.Done()
			return domain.AgentResponse{}, ctx.Err()
		}
		return domain.AgentResponse{Payload: map[string]any{}}, nil
	})
	h := newHarness(t, AgentSpec{Agent: a, Kind: domain.StageNLU, Attempts: 2, Timeout: 30 * time.Millisecond})

	inv := h.adapter.Invoke(context.Background(), "nlu", request())
	require.NoError(t, inv.Err)
	assert.Equal(t, 1, inv.Retries)
}

func TestAdapterParentCancellationIsNeutral(t *testing.T) {
	a := newStub("nlu", func(ctx context.Context, _ domain.AgentRequest, _ int32) (domain.AgentResponse, error) {
		<-ctx.Done()
		return domain.AgentResponse{}, ctx.Err()
	})
	h := newHarness(t, spec(a, domain.StageNLU))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	inv := h.adapter.Invoke(ctx, "nlu", request())

	assert.Equal(t, domain.KindCancelled, domain.KindOf(inv.Err))
	assert.Equal(t, int32(1), a.calls.Load(), "cancellation is not retried")
	snap := h.snapshot(t, "nlu")
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Equal(t, breaker.StateClosed, snap.State)
}

func TestAdapterHonoursThrottleRetryAfter(t *testing.T) {
	a := newStub("sql", func(_ context.Context, _ domain.AgentRequest, call int32) (domain.AgentResponse, error) {
		if call == 1 {
			return domain.AgentResponse{}, &connectors.ThrottleError{RetryAfter: 10 * time.Millisecond}
		}
		return domain.AgentResponse{Payload: map[string]any{}}, nil
	})
	roster := NewRoster()
	require.NoError(t, roster.Add(AgentSpec{Agent: a, Kind: domain.StageSQL, Attempts: 2}))
	breakers := breaker.NewRegistry(breaker.Settings{}, nil, zap.NewNop())
	adapter := NewAdapter(roster, breakers, nil, zap.NewNop(), WithBackoff(2*time.Second, 2*time.Second))

	start := time.Now()
	inv := adapter.Invoke(context.Background(), "sql", request())
	require.NoError(t, inv.Err)
	assert.Less(t, time.Since(start), time.Second, "retry-after overrides backoff")
	assert.Equal(t, 1, inv.Retries)
}

type disabledSet map[string]bool

func (d disabledSet) IsDisabled(name string) bool { return d[name] }

func TestAdapterDisabledAgent(t *testing.T) {
	a := okStub("viz", nil)
	roster := NewRoster()
	require.NoError(t, roster.Add(AgentSpec{Agent: a, Kind: domain.StageVisualization}))
	breakers := breaker.NewRegistry(breaker.Settings{}, nil, zap.NewNop())
	adapter := NewAdapter(roster, breakers, nil, zap.NewNop(), WithKillSwitch(disabledSet{"viz": true}))

	inv := adapter.Invoke(context.Background(), "viz", request())
	assert.Equal(t, domain.KindAgentDisabled, domain.KindOf(inv.Err))
	assert.Zero(t, a.calls.Load())
	_, registered := breakers.Get("viz")
	assert.False(t, registered, "breaker is not consulted")
}

func TestAdapterUnknownAgent(t *testing.T) {
	h := newHarness(t)
	inv := h.adapter.Invoke(context.Background(), "ghost", request())
	assert.ErrorIs(t, inv.Err, domain.ErrUnknownAgent)
}

func TestAdapterEmptyPayloadIsMap(t *testing.T) {
	h := newHarness(t, spec(okStub("nlu", nil), domain.StageNLU))
	inv := h.adapter.Invoke(context.Background(), "nlu", request())
	require.NoError(t, inv.Err)
	assert.NotNil(t, inv.Response.Payload)
}
