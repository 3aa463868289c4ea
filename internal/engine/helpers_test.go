package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xela07ax/prismdb-orchestrator/internal/breaker"
	"github.com/xela07ax/prismdb-orchestrator/internal/connectors"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/events"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
)

var testSecret = []byte("engine-test-secret")

// stubAgent: агент со сценарием; call начинается с 1.
type stubAgent struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, req domain.AgentRequest, call int32) (domain.AgentResponse, error)
}

func (s *stubAgent) Name() string { return s.name }

func (s *stubAgent) Handle(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	return s.fn(ctx, req, s.calls.Add(1))
}

func newStub(name string, fn func(ctx context.Context, req domain.AgentRequest, call int32) (domain.AgentResponse, error)) *stubAgent {
	return &stubAgent{name: name, fn: fn}
}

func okStub(name string, payload map[string]any) *stubAgent {
	return newStub(name, func(context.Context, domain.AgentRequest, int32) (domain.AgentResponse, error) {
		return domain.AgentResponse{Payload: payload}, nil
	})
}

// sleepy ждет d, уважая ctx.
func sleepy(name string, d time.Duration, payload map[string]any) *stubAgent {
	return newStub(name, func(ctx context.Context, _ domain.AgentRequest, _ int32) (domain.AgentResponse, error) {
		select {
		case <-time.After(d):
			return domain.AgentResponse{Payload: payload}, nil
		case <-ctx.Done():
			return domain.AgentResponse{}, ctx.Err()
		}
	})
}

func sqlCandidate(name string, d time.Duration, conf float64) *stubAgent {
	return newStub(name, func(ctx context.Context, _ domain.AgentRequest, _ int32) (domain.AgentResponse, error) {
		select {
		case <-time.After(d):
			return domain.AgentResponse{
				Payload:    map[string]any{"statement": "SELECT '" + name + "'"},
				Confidence: domain.Confidence(conf),
			}, nil
		case <-ctx.Done():
			return domain.AgentResponse{}, ctx.Err()
		}
	})
}

func execStub() *stubAgent {
	return newStub("execution", func(_ context.Context, req domain.AgentRequest, _ int32) (domain.AgentResponse, error) {
		return domain.AgentResponse{Payload: map[string]any{
			"columns":   []any{"region", "total"},
			"rows":      []any{[]any{"EU", 1200.0}, []any{"US", 900.0}},
			"statement": req.Statement,
		}}, nil
	})
}

func local(t *testing.T, name string, kind domain.Stage) Agent {
	t.Helper()
	a, err := connectors.NewLocalAgent(name, kind, connectors.Options{})
	require.NoError(t, err)
	return a
}

func accessFor(t *testing.T, prisms ...string) *auth.AccessContext {
	t.Helper()
	pair, err := auth.NewHMACIssuer(testSecret, time.Hour, 24*time.Hour).
		IssuePair(auth.Identity{SubjectID: "analyst-1", Role: "analyst", Prisms: prisms})
	require.NoError(t, err)
	ac, err := auth.NewHMACValidator(testSecret).Validate(pair.AccessToken)
	require.NoError(t, err)
	return ac
}

func tokenFor(t *testing.T, prisms ...string) *auth.TokenPair {
	t.Helper()
	pair, err := auth.NewHMACIssuer(testSecret, time.Hour, 24*time.Hour).
		IssuePair(auth.Identity{SubjectID: "analyst-1", Role: "analyst", Prisms: prisms})
	require.NoError(t, err)
	return pair
}

type harness struct {
	roster   *Roster
	breakers *breaker.Registry
	adapter  *Adapter
	orch     *Orchestrator
	emitter  *events.Emitter
}

func newHarness(t *testing.T, specs ...AgentSpec) *harness {
	t.Helper()
	roster := NewRoster()
	breakers := breaker.NewRegistry(breaker.Settings{FailureThreshold: 3, ResetTimeout: time.Minute}, nil, zap.NewNop())
	for _, s := range specs {
		require.NoError(t, roster.Add(s))
		breakers.Register(s.Name(), breaker.Settings{})
	}
	metrics := NewMetrics(nil)
	adapter := NewAdapter(roster, breakers, metrics, zap.NewNop(), WithBackoff(time.Millisecond, 5*time.Millisecond))
	emitter := events.NewEmitter(256, nil)
	orch := NewOrchestrator(roster, adapter, nil, emitter, metrics, zap.NewNop(), OrchestratorConfig{
		RunDeadline:         2 * time.Second,
		CoordinateDeadline:  150 * time.Millisecond,
		CollaborateDeadline: 150 * time.Millisecond,
	})
	return &harness{roster: roster, breakers: breakers, adapter: adapter, orch: orch, emitter: emitter}
}

func (h *harness) run(t *testing.T, ctx context.Context, mode domain.Mode, access *auth.AccessContext) Result {
	t.Helper()
	rc := NewRunContext("req-1", "Show total sales by region", "sales_db", access, mode, time.Time{})
	return h.orch.Run(ctx, rc)
}

func (h *harness) snapshot(t *testing.T, name string) breaker.Snapshot {
	t.Helper()
	b, ok := h.breakers.Get(name)
	require.True(t, ok, name)
	return b.Snapshot()
}

func spec(a Agent, kind domain.Stage) AgentSpec {
	return AgentSpec{Agent: a, Kind: kind, Attempts: 2}
}

func stageOf(res Result, agent string) (domain.StageResult, bool) {
	for _, s := range res.Stages {
		if s.Agent == agent {
			return s, true
		}
	}
	return domain.StageResult{}, false
}
