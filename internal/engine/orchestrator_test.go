package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/prismdb-orchestrator/internal/breaker"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/executor"
)

const salesStatement = "SELECT region, SUM(amount) AS total FROM orders GROUP BY region ORDER BY total DESC"

func pipeline(t *testing.T, viz Agent, vizTimeout time.Duration, exec Agent) []AgentSpec {
	return []AgentSpec{
		spec(local(t, "nlu", domain.StageNLU), domain.StageNLU),
		spec(local(t, "schema", domain.StageSchema), domain.StageSchema),
		spec(local(t, "sql", domain.StageSQL), domain.StageSQL),
		spec(exec, domain.StageExecution),
		{Agent: viz, Kind: domain.StageVisualization, Optional: true, Attempts: 1, Timeout: vizTimeout},
	}
}

func TestRouteEndToEndWithOptionalVisualizationTimeout(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery(salesStatement).
		WillReturnRows(sqlmock.NewRows([]string{"region", "total"}).AddRow("EU", 1200.0).AddRow("US", 900.0))

	exec := executor.NewExecutionAgent("execution", executor.NewSQLExecutor(map[string]*sql.DB{"sales_db": db}), nil)
	viz := sleepy("viz", time.Second, nil)
	h := newHarness(t, pipeline(t, viz, 50*time.Millisecond, exec)...)

	res := h.run(t, context.Background(), domain.ModeRoute, accessFor(t, "sales_db::read"))

	assert.Equal(t, domain.RunPartiallyFailed, res.Status)
	assert.Nil(t, res.Error)
	require.Len(t, res.Stages, 5)

	order := make([]domain.Stage, len(res.Stages))
	for i, s := range res.Stages {
		order[i] = s.Stage
	}
	assert.Equal(t, []domain.Stage{
		domain.StageNLU, domain.StageSchema, domain.StageSQL, domain.StageExecution, domain.StageVisualization,
	}, order)

	for _, s := range res.Stages[:4] {
		assert.Equal(t, domain.OutcomeSuccess, s.Outcome.Kind, s.Agent)
	}
	vizStage := res.Stages[4]
	assert.Equal(t, domain.OutcomeFailure, vizStage.Outcome.Kind)
	assert.Equal(t, domain.KindTimeout, vizStage.Outcome.ErrorKind)

	execOut, ok := res.Payload["execution"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"region", "total"}, execOut["columns"])
	assert.Equal(t, 2, execOut["row_count"])
	assert.NotContains(t, res.Payload, "visualization")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRouteSucceeds(t *testing.T) {
	exec := execStub()
	h := newHarness(t, pipeline(t, local(t, "viz", domain.StageVisualization), 0, exec)...)

	res := h.run(t, context.Background(), domain.ModeRoute, accessFor(t, "sales_db::read"))

	assert.Equal(t, domain.RunSucceeded, res.Status)
	assert.Equal(t, "analyst-1", res.Subject)
	require.Len(t, res.Stages, 5)
	chart := res.Payload["visualization"].(map[string]any)["chart"].(map[string]any)
	assert.Equal(t, "bar", chart["type"])
	assert.Equal(t, int32(1), exec.calls.Load())
}

func TestRouteRequiredFailureStopsRun(t *testing.T) {
	sqlAgent := newStub("sql", func(context.Context, domain.AgentRequest, int32) (domain.AgentResponse, error) {
		return domain.AgentResponse{}, errors.New("cannot map question to schema")
	})
	exec := execStub()
	h := newHarness(t,
		spec(local(t, "nlu", domain.StageNLU), domain.StageNLU),
		spec(local(t, "schema", domain.StageSchema), domain.StageSchema),
		spec(sqlAgent, domain.StageSQL),
		spec(exec, domain.StageExecution),
	)

	res := h.run(t, context.Background(), domain.ModeRoute, accessFor(t, "sales_db::read"))

	assert.Equal(t, domain.RunFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.KindAgentError, res.Error.Kind)
	assert.Equal(t, domain.StageSQL, res.Error.Stage)
	assert.Equal(t, "sql", res.Error.Agent)
	assert.Len(t, res.Stages, 3, "no stage runs after a required failure")
	assert.Zero(t, exec.calls.Load())
}

func TestPermissionDeniedNeverCallsAgent(t *testing.T) {
	schema := okStub("schema", map[string]any{})
	h := newHarness(t,
		spec(local(t, "nlu", domain.StageNLU), domain.StageNLU),
		spec(schema, domain.StageSchema),
	)

	res := h.run(t, context.Background(), domain.ModeRoute, accessFor(t, "hr_db::admin"))

	assert.Equal(t, domain.RunFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.KindPermissionDenied, res.Error.Kind)
	assert.Zero(t, schema.calls.Load())

	snap := h.snapshot(t, "schema")
	assert.Equal(t, breaker.StateClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
}

func TestWriteStatementNeedsWritePermission(t *testing.T) {
	sqlAgent := okStub("sql", map[string]any{"statement": "DELETE FROM orders WHERE region = 'EU'"})
	exec := execStub()
	h := newHarness(t,
		spec(local(t, "nlu", domain.StageNLU), domain.StageNLU),
		spec(local(t, "schema", domain.StageSchema), domain.StageSchema),
		spec(sqlAgent, domain.StageSQL),
		spec(exec, domain.StageExecution),
	)

	res := h.run(t, context.Background(), domain.ModeRoute, accessFor(t, "sales_db::read"))
	assert.Equal(t, domain.RunFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.KindPermissionDenied, res.Error.Kind)
	assert.Equal(t, domain.StageExecution, res.Error.Stage)
	assert.Zero(t, exec.calls.Load())

	res = h.run(t, context.Background(), domain.ModeRoute, accessFor(t, "sales_db::write"))
	assert.Equal(t, domain.RunSucceeded, res.Status)
	assert.Equal(t, int32(1), exec.calls.Load())
}

func TestUnconfiguredStageIsSkipped(t *testing.T) {
	h := newHarness(t,
		spec(local(t, "nlu", domain.StageNLU), domain.StageNLU),
		spec(local(t, "schema", domain.StageSchema), domain.StageSchema),
		spec(local(t, "sql", domain.StageSQL), domain.StageSQL),
		spec(execStub(), domain.StageExecution),
	)

	res := h.run(t, context.Background(), domain.ModeRoute, accessFor(t, "sales_db::read"))
	assert.Equal(t, domain.RunSucceeded, res.Status)
	last := res.Stages[len(res.Stages)-1]
	assert.Equal(t, domain.StageVisualization, last.Stage)
	assert.Equal(t, domain.OutcomeSkipped, last.Outcome.Kind)
	assert.True(t, last.Optional)
}

func TestMissingRequiredStageFailsRun(t *testing.T) {
	h := newHarness(t,
		spec(local(t, "nlu", domain.StageNLU), domain.StageNLU),
		spec(local(t, "schema", domain.StageSchema), domain.StageSchema),
		spec(local(t, "sql", domain.StageSQL), domain.StageSQL),
	)

	res := h.run(t, context.Background(), domain.ModeRoute, accessFor(t, "sales_db::read"))

	assert.Equal(t, domain.RunFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.StageExecution, res.Error.Stage)
	assert.Equal(t, domain.KindAgentError, res.Error.Kind)
	assert.NotContains(t, res.Payload, "execution")

	require.Len(t, res.Stages, 4, "no stage runs after a missing required stage")
	exec := res.Stages[3]
	assert.False(t, exec.Optional)
	assert.Equal(t, domain.OutcomeFailure, exec.Outcome.Kind)
	assert.Contains(t, exec.Outcome.Detail, domain.ErrStageNotConfigured.Error())
}

func TestCoordinateMissingRequiredStageFailsRun(t *testing.T) {
	glossary := okStub("glossary", map[string]any{})
	h := newHarness(t,
		spec(local(t, "nlu", domain.StageNLU), domain.StageNLU),
		AgentSpec{Agent: glossary, Kind: domain.StageLookup, Optional: true},
		spec(local(t, "sql", domain.StageSQL), domain.StageSQL),
		spec(execStub(), domain.StageExecution),
	)

	res := h.run(t, context.Background(), domain.ModeCoordinate, accessFor(t, "sales_db::read"))

	assert.Equal(t, domain.RunFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.StageSchema, res.Error.Stage)
	assert.Zero(t, glossary.calls.Load())
}

func TestEmptyStatementFailsRequiredExecution(t *testing.T) {
	exec := execStub()
	h := newHarness(t,
		spec(local(t, "nlu", domain.StageNLU), domain.StageNLU),
		spec(local(t, "schema", domain.StageSchema), domain.StageSchema),
		spec(okStub("sql", map[string]any{"statement": ""}), domain.StageSQL),
		spec(exec, domain.StageExecution),
		spec(local(t, "viz", domain.StageVisualization), domain.StageVisualization),
	)

	res := h.run(t, context.Background(), domain.ModeRoute, accessFor(t, "sales_db::read"))

	assert.Equal(t, domain.RunFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.StageExecution, res.Error.Stage)
	assert.Equal(t, "execution", res.Error.Agent)
	assert.Contains(t, res.Error.Detail, "no statement")
	assert.Zero(t, exec.calls.Load())
	_, vizRan := stageOf(res, "viz")
	assert.False(t, vizRan)

	execStage, ok := stageOf(res, "execution")
	require.True(t, ok)
	assert.False(t, execStage.Optional)
	assert.Equal(t, domain.OutcomeFailure, execStage.Outcome.Kind)
}

func TestEmptyStatementSkipsOptionalExecution(t *testing.T) {
	exec := execStub()
	h := newHarness(t,
		spec(local(t, "nlu", domain.StageNLU), domain.StageNLU),
		spec(local(t, "schema", domain.StageSchema), domain.StageSchema),
		spec(okStub("sql", map[string]any{"statement": ""}), domain.StageSQL),
		AgentSpec{Agent: exec, Kind: domain.StageExecution, Optional: true, Attempts: 1},
	)

	res := h.run(t, context.Background(), domain.ModeRoute, accessFor(t, "sales_db::read"))

	assert.Equal(t, domain.RunSucceeded, res.Status)
	execStage, ok := stageOf(res, "execution")
	require.True(t, ok)
	assert.True(t, execStage.Optional)
	assert.Equal(t, domain.OutcomeSkipped, execStage.Outcome.Kind)
	assert.Zero(t, exec.calls.Load())
}

func TestRouteForwardsStatementParams(t *testing.T) {
	var got domain.AgentRequest
	exec := newStub("execution", func(_ context.Context, req domain.AgentRequest, _ int32) (domain.AgentResponse, error) {
		got = req
		return domain.AgentResponse{Payload: map[string]any{"rows": []any{}}}, nil
	})
	h := newHarness(t,
		spec(local(t, "nlu", domain.StageNLU), domain.StageNLU),
		spec(local(t, "schema", domain.StageSchema), domain.StageSchema),
		spec(okStub("sql", map[string]any{
			"statement": "SELECT total FROM sales WHERE region = $1",
			"params":    []any{"EU"},
		}), domain.StageSQL),
		spec(exec, domain.StageExecution),
	)

	res := h.run(t, context.Background(), domain.ModeRoute, accessFor(t, "sales_db::read"))

	require.Equal(t, domain.RunSucceeded, res.Status)
	assert.Equal(t, "SELECT total FROM sales WHERE region = $1", got.Statement)
	assert.Equal(t, []any{"EU"}, got.Params)
	assert.Equal(t, "sales_db", got.Resource)
}

func TestCancellationFailsRunWithoutTrippingBreaker(t *testing.T) {
	nlu := sleepy("nlu", 5*time.Second, nil)
	h := newHarness(t, spec(nlu, domain.StageNLU))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	res := h.run(t, ctx, domain.ModeRoute, accessFor(t, "sales_db::read"))

	assert.Equal(t, domain.RunFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.KindCancelled, res.Error.Kind)
	assert.Zero(t, h.snapshot(t, "nlu").ConsecutiveFailures)
}

func TestRunEmitsOrderedEvents(t *testing.T) {
	h := newHarness(t, pipeline(t, local(t, "viz", domain.StageVisualization), 0, execStub())...)
	sub := h.emitter.Subscribe("req-1")
	defer sub.Close()

	res := h.run(t, context.Background(), domain.ModeRoute, accessFor(t, "sales_db::read"))
	require.Equal(t, domain.RunSucceeded, res.Status)

	var got []domain.EventType
	for len(sub.C) > 0 {
		ev := <-sub.C
		assert.Equal(t, "req-1", ev.RequestID)
		got = append(got, ev.Type)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, domain.EventRunStarted, got[0])
	assert.Equal(t, domain.EventRunFinished, got[len(got)-1])

	started, finished := 0, 0
	for _, typ := range got {
		switch typ {
		case domain.EventStageStarted:
			started++
		case domain.EventStageFinished:
			finished++
		}
	}
	assert.Equal(t, 5, started)
	assert.Equal(t, 5, finished)
}

func TestCoordinateRunsIndependentStagesInParallel(t *testing.T) {
	var sqlInput map[string]any
	sqlAgent := newStub("sql", func(_ context.Context, req domain.AgentRequest, _ int32) (domain.AgentResponse, error) {
		sqlInput = req.Input
		return domain.AgentResponse{Payload: map[string]any{"statement": "SELECT 1"}}, nil
	})
	h := newHarness(t,
		spec(sleepy("nlu", 100*time.Millisecond, map[string]any{"intent": "list"}), domain.StageNLU),
		spec(sleepy("schema", 100*time.Millisecond, map[string]any{"tables": []any{}}), domain.StageSchema),
		AgentSpec{Agent: local(t, "glossary", domain.StageLookup), Kind: domain.StageLookup, Optional: true},
		spec(sqlAgent, domain.StageSQL),
		spec(execStub(), domain.StageExecution),
	)

	res := h.run(t, context.Background(), domain.ModeCoordinate, accessFor(t, "sales_db::read"))

	// Последовательно 200ms не уложились бы в дедлайн группы 150ms
	assert.Equal(t, domain.RunSucceeded, res.Status)
	require.NotNil(t, sqlInput)
	assert.Contains(t, sqlInput, "nlu")
	assert.Contains(t, sqlInput, "schema")
	lookups := sqlInput["lookup"].(map[string]any)
	assert.Contains(t, lookups, "glossary")
}

func TestCoordinateLateStageTimesOutWithoutAbortingSiblings(t *testing.T) {
	h := newHarness(t,
		spec(sleepy("nlu", 5*time.Second, nil), domain.StageNLU),
		spec(okStub("schema", map[string]any{}), domain.StageSchema),
		AgentSpec{Agent: okStub("glossary", map[string]any{}), Kind: domain.StageLookup, Optional: true},
		spec(okStub("sql", map[string]any{"statement": "SELECT 1"}), domain.StageSQL),
	)

	start := time.Now()
	res := h.run(t, context.Background(), domain.ModeCoordinate, accessFor(t, "sales_db::read"))
	assert.Less(t, time.Since(start), time.Second)

	nlu, ok := stageOf(res, "nlu")
	require.True(t, ok)
	assert.Equal(t, domain.KindTimeout, nlu.Outcome.ErrorKind)

	schema, _ := stageOf(res, "schema")
	assert.Equal(t, domain.OutcomeSuccess, schema.Outcome.Kind)
	glossary, _ := stageOf(res, "glossary")
	assert.Equal(t, domain.OutcomeSuccess, glossary.Outcome.Kind)

	assert.Equal(t, domain.RunFailed, res.Status)
	_, sqlRan := stageOf(res, "sql")
	assert.False(t, sqlRan, "dependent stages wait for a successful nlu")
}

func TestCollaboratePicksMostConfidentEarliest(t *testing.T) {
	exec := execStub()
	h := newHarness(t,
		spec(local(t, "nlu", domain.StageNLU), domain.StageNLU),
		spec(local(t, "schema", domain.StageSchema), domain.StageSchema),
		spec(sqlCandidate("sql-a", 0, 0.6), domain.StageSQL),
		spec(sqlCandidate("sql-b", 20*time.Millisecond, 0.9), domain.StageSQL),
		spec(sqlCandidate("sql-c", 60*time.Millisecond, 0.9), domain.StageSQL),
		spec(sqlCandidate("sql-d", 5*time.Second, 1.0), domain.StageSQL),
		spec(exec, domain.StageExecution),
	)

	res := h.run(t, context.Background(), domain.ModeCollaborate, accessFor(t, "sales_db::read"))

	assert.Equal(t, domain.RunSucceeded, res.Status, "losing candidates do not fail the run")
	sqlOut := res.Payload["sql"].(map[string]any)
	assert.Equal(t, "SELECT 'sql-b'", sqlOut["statement"])

	execOut := res.Payload["execution"].(map[string]any)
	assert.Equal(t, "SELECT 'sql-b'", execOut["statement"])

	late, ok := stageOf(res, "sql-d")
	require.True(t, ok)
	assert.Equal(t, domain.KindTimeout, late.Outcome.ErrorKind)
}

func TestCollaborateNoConsensus(t *testing.T) {
	failing := func(name string) *stubAgent {
		return newStub(name, func(context.Context, domain.AgentRequest, int32) (domain.AgentResponse, error) {
			return domain.AgentResponse{}, errors.New("no idea")
		})
	}
	h := newHarness(t,
		spec(local(t, "nlu", domain.StageNLU), domain.StageNLU),
		spec(local(t, "schema", domain.StageSchema), domain.StageSchema),
		spec(failing("sql-a"), domain.StageSQL),
		spec(failing("sql-b"), domain.StageSQL),
	)

	res := h.run(t, context.Background(), domain.ModeCollaborate, accessFor(t, "sales_db::read"))
	assert.Equal(t, domain.RunFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.KindNoConsensus, res.Error.Kind)
	assert.Contains(t, res.Error.Detail, "sql-a=AgentError")
	assert.Contains(t, res.Error.Detail, "sql-b=AgentError")
}

func TestCollaborateNoConsensusNamesCandidateFailures(t *testing.T) {
	a := sqlCandidate("sql-a", 0, 0.9)
	b := sqlCandidate("sql-b", 0, 0.9)
	h := newHarness(t,
		spec(local(t, "nlu", domain.StageNLU), domain.StageNLU),
		spec(local(t, "schema", domain.StageSchema), domain.StageSchema),
		spec(a, domain.StageSQL),
		spec(b, domain.StageSQL),
	)
	// Оба предохранителя открыты: кандидатов даже не вызывают
	for _, name := range []string{"sql-a", "sql-b"} {
		br, ok := h.breakers.Get(name)
		require.True(t, ok)
		for br.State() != breaker.StateOpen {
			tk, err := br.Allow()
			require.NoError(t, err)
			tk.Failure()
		}
	}

	res := h.run(t, context.Background(), domain.ModeCollaborate, accessFor(t, "sales_db::read"))

	assert.Equal(t, domain.RunFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.KindNoConsensus, res.Error.Kind)
	assert.Contains(t, res.Error.Detail, "sql-a=BreakerOpen, sql-b=BreakerOpen")
	assert.Zero(t, a.calls.Load())
	assert.Zero(t, b.calls.Load())
}

func TestPickCandidateTieBreak(t *testing.T) {
	base := time.Now()
	slot := func(agent string, conf *float64, finished time.Duration, ok bool) domain.StageResult {
		out := domain.Success(map[string]any{"statement": "SELECT 1"}, conf)
		if !ok {
			out = domain.Failure(domain.ErrTimeout)
		}
		return domain.StageResult{Agent: agent, FinishedAt: base.Add(finished), Outcome: out}
	}

	assert.Equal(t, -1, pickCandidate(nil))
	assert.Equal(t, 1, pickCandidate([]domain.StageResult{
		slot("a", nil, 0, true),
		slot("b", domain.Confidence(0.1), time.Second, true),
	}), "missing confidence counts as zero")
	assert.Equal(t, 0, pickCandidate([]domain.StageResult{
		slot("a", domain.Confidence(0.5), time.Millisecond, true),
		slot("b", domain.Confidence(0.5), time.Millisecond, true),
	}), "full tie goes to roster order")
	assert.Equal(t, 1, pickCandidate([]domain.StageResult{
		slot("a", domain.Confidence(0.9), 0, false),
		slot("b", domain.Confidence(0.2), 0, true),
	}))
}
