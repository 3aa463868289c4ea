package engine

import (
	"time"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra/auth"
)

// RunContext: состояние одного запуска. Принадлежит горутине оркестратора;
// параллельные стадии пишут только в свои заранее выделенные слоты.
type RunContext struct {
	RequestID string
	RawQuery  string
	Resource  string
	Access    *auth.AccessContext
	Mode      domain.Mode
	Stages    []domain.StageResult
	Status    domain.RunStatus
	Deadline  time.Time
	StartedAt time.Time

	outputs   map[string]any // Выходы успешных стадий по имени стадии
	statement string         // SQL, выбранный на стадии генерации
	params    []any          // Параметры к statement
	failure   *domain.StageResult
	partial   bool
}

func NewRunContext(requestID, query, resource string, access *auth.AccessContext, mode domain.Mode, deadline time.Time) *RunContext {
	return &RunContext{
		RequestID: requestID,
		RawQuery:  query,
		Resource:  resource,
		Access:    access,
		Mode:      mode,
		Status:    domain.RunInitialized,
		Deadline:  deadline,
		outputs:   make(map[string]any),
	}
}

// inputs: снимок выходов для очередной стадии.
func (rc *RunContext) inputs() map[string]any {
	out := make(map[string]any, len(rc.outputs))
	for k, v := range rc.outputs {
		out[k] = v
	}
	return out
}

// record применяет результат стадии к запуску.
func (rc *RunContext) record(res domain.StageResult) {
	rc.Stages = append(rc.Stages, res)
	switch res.Outcome.Kind {
	case domain.OutcomeSuccess:
		rc.accept(res)
	case domain.OutcomeFailure:
		// Отмена прерывает запуск даже на необязательной стадии
		if res.Optional && res.Outcome.ErrorKind != domain.KindCancelled {
			rc.partial = true
		} else {
			rc.fail(res)
		}
	case domain.OutcomeSkipped:
		// Succeeded только если каждая обязательная стадия дала Success
		if !res.Optional {
			rc.fail(res)
		}
	}
}

func (rc *RunContext) fail(res domain.StageResult) {
	if rc.failure == nil {
		f := res
		rc.failure = &f
	}
}

func (rc *RunContext) accept(res domain.StageResult) {
	if res.Stage == domain.StageLookup {
		lookups, _ := rc.outputs[string(domain.StageLookup)].(map[string]any)
		if lookups == nil {
			lookups = make(map[string]any)
			rc.outputs[string(domain.StageLookup)] = lookups
		}
		lookups[res.Agent] = res.Outcome.Payload
		return
	}
	rc.outputs[string(res.Stage)] = res.Outcome.Payload
	if res.Stage == domain.StageSQL {
		rc.statement, _ = res.Outcome.Payload["statement"].(string)
		rc.params, _ = res.Outcome.Payload["params"].([]any)
	}
}

func (rc *RunContext) failed() bool { return rc.failure != nil }

// finish: переход в терминальное состояние.
func (rc *RunContext) finish() domain.RunStatus {
	switch {
	case rc.failed():
		rc.Status = domain.RunFailed
	case rc.partial:
		rc.Status = domain.RunPartiallyFailed
	default:
		rc.Status = domain.RunSucceeded
	}
	return rc.Status
}

// RunError: причина отказа запуска.
type RunError struct {
	Kind   domain.ErrorKind `json:"kind"`
	Stage  domain.Stage     `json:"stage,omitempty"`
	Agent  string           `json:"agent,omitempty"`
	Detail string           `json:"detail"`
}

// Result: агрегированный итог запуска, отдается клиенту и в журнал.
type Result struct {
	RequestID  string               `json:"request_id"`
	Mode       domain.Mode          `json:"mode"`
	Status     domain.RunStatus     `json:"status"`
	Subject    string               `json:"subject,omitempty"`
	Resource   string               `json:"resource,omitempty"`
	Query      string               `json:"query,omitempty"`
	Payload    map[string]any       `json:"payload,omitempty"`
	Stages     []domain.StageResult `json:"stages"`
	Error      *RunError            `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at,omitempty"`
}

func (rc *RunContext) result(finishedAt time.Time) Result {
	res := Result{
		RequestID:  rc.RequestID,
		Mode:       rc.Mode,
		Status:     rc.Status,
		Resource:   rc.Resource,
		Query:      rc.RawQuery,
		Payload:    rc.inputs(),
		Stages:     append([]domain.StageResult(nil), rc.Stages...),
		StartedAt:  rc.StartedAt,
		FinishedAt: finishedAt,
	}
	if rc.Access != nil {
		res.Subject = rc.Access.SubjectID()
	}
	if rc.failure != nil {
		res.Error = &RunError{
			Kind:   rc.failure.Outcome.ErrorKind,
			Stage:  rc.failure.Stage,
			Agent:  rc.failure.Agent,
			Detail: rc.failure.Outcome.Detail,
		}
		if rc.failure.Outcome.Kind == domain.OutcomeSkipped {
			res.Error.Kind = domain.KindAgentError
			res.Error.Detail = rc.failure.Outcome.Reason
		}
	}
	return res
}
