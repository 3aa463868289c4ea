package audit

import (
	"time"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/engine"
)

// RunRecord: строка журнала запусков.
type RunRecord struct {
	RequestID string `json:"request_id"` // Сквозной ID запроса
	Subject   string `json:"subject"`    // Кто запускал
	Mode      string `json:"mode"`
	Resource  string `json:"resource"` // Целевая призма
	Query     string `json:"query"`

	// Результат
	Status     string               `json:"status"`
	ErrorKind  string               `json:"error_kind,omitempty"`
	Error      string               `json:"error,omitempty"`
	Stages     []domain.StageResult `json:"stages"` // Трейс стадий без выходов агентов
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	DurationMs int64                `json:"duration_ms"`
}

// FromResult сворачивает итог запуска в запись журнала. Выходы стадий
// (строки из призмы) в журнал не попадают.
func FromResult(res engine.Result) RunRecord {
	rec := RunRecord{
		RequestID:  res.RequestID,
		Subject:    res.Subject,
		Mode:       string(res.Mode),
		Resource:   res.Resource,
		Query:      res.Query,
		Status:     string(res.Status),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		DurationMs: res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
		Stages:     make([]domain.StageResult, len(res.Stages)),
	}
	for i, s := range res.Stages {
		s.Outcome.Payload = nil
		rec.Stages[i] = s
	}
	if res.Error != nil {
		rec.ErrorKind = string(res.Error.Kind)
		rec.Error = res.Error.Detail
	}
	return rec
}
