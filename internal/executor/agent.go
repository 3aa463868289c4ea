package executor

import (
	"context"
	"fmt"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/policy"
)

// ExecutionAgent: встроенный агент стадии исполнения. Запрос берется
// из req.Statement и req.Params, которые оркестратор заполняет выходом SQL-стадии.
type ExecutionAgent struct {
	name  string
	exec  QueryExecutor
	cache *Cache // может быть nil
}

func NewExecutionAgent(name string, exec QueryExecutor, cache *Cache) *ExecutionAgent {
	if name == "" {
		name = string(domain.StageExecution)
	}
	return &ExecutionAgent{name: name, exec: exec, cache: cache}
}

func (a *ExecutionAgent) Name() string { return a.name }

func (a *ExecutionAgent) Handle(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	if req.Statement == "" {
		return domain.AgentResponse{}, &domain.ExecutionError{Resource: req.Resource, Err: fmt.Errorf("empty statement")}
	}
	params := req.Params
	readOnly := policy.Classify(req.Statement) == domain.PermissionRead

	if readOnly && a.cache != nil {
		if rows, ok := a.cache.Get(ctx, req.Resource, req.Statement, params); ok {
			return domain.AgentResponse{Payload: payload(rows, true)}, nil
		}
	}

	rows, err := a.exec.Execute(ctx, req.Resource, req.Statement, params)
	if err != nil {
		return domain.AgentResponse{}, err
	}

	if a.cache != nil {
		if readOnly {
			a.cache.Set(ctx, req.Resource, req.Statement, params, rows)
		} else {
			a.cache.Invalidate(ctx, req.Resource)
		}
	}
	return domain.AgentResponse{Payload: payload(rows, false)}, nil
}

// payload переводит строки в []any, чтобы выход одинаково читался локально и по gRPC.
func payload(rows *Rows, cached bool) map[string]any {
	cols := make([]any, len(rows.Columns))
	for i, c := range rows.Columns {
		cols[i] = c
	}
	data := make([]any, len(rows.Rows))
	for i, r := range rows.Rows {
		data[i] = r
	}
	return map[string]any{
		"columns":       cols,
		"rows":          data,
		"row_count":     len(rows.Rows),
		"rows_affected": rows.RowsAffected,
		"cached":        cached,
	}
}
