package domain

import (
	"fmt"
	"strings"
	"time"
)

// Mode: стратегия диспетчеризации стадий в рамках одного запроса.
type Mode string

const (
	ModeRoute       Mode = "route"       // Линейный конвейер
	ModeCoordinate  Mode = "coordinate"  // Независимые стадии параллельно, затем зависимые
	ModeCollaborate Mode = "collaborate" // Несколько SQL-кандидатов, выбор лучшего
)

// ParseMode: пустая строка означает Route.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRoute:
		return ModeRoute, nil
	case ModeCoordinate:
		return ModeCoordinate, nil
	case ModeCollaborate:
		return ModeCollaborate, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// RunStatus: состояние конечного автомата оркестратора.
type RunStatus string

const (
	RunInitialized     RunStatus = "Initialized"
	RunRunning         RunStatus = "Running"
	RunSucceeded       RunStatus = "Succeeded"
	RunFailed          RunStatus = "Failed"
	RunPartiallyFailed RunStatus = "PartiallyFailed"
)

func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunPartiallyFailed
}

// Stage: роль агента в конвейере. Совпадает с видом агента в конфигурации.
type Stage string

const (
	StageNLU           Stage = "nlu"
	StageSchema        Stage = "schema"
	StageSQL           Stage = "sql"
	StageExecution     Stage = "execution"
	StageVisualization Stage = "visualization"
	StageLookup        Stage = "lookup"
	StageMonitor       Stage = "monitor"
)

func (s Stage) Valid() bool {
	switch s {
	case StageNLU, StageSchema, StageSQL, StageExecution, StageVisualization, StageLookup, StageMonitor:
		return true
	}
	return false
}

type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "Success"
	OutcomeFailure OutcomeKind = "Failure"
	OutcomeSkipped OutcomeKind = "Skipped"
)

// Outcome: Success{payload} | Failure{errorKind, detail} | Skipped{reason}.
type Outcome struct {
	Kind       OutcomeKind    `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

func Success(payload map[string]any, confidence *float64) Outcome {
	return Outcome{Kind: OutcomeSuccess, Payload: payload, Confidence: confidence}
}

func Failure(err error) Outcome {
	return Outcome{Kind: OutcomeFailure, ErrorKind: KindOf(err), Detail: err.Error()}
}

func Skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}

func (o Outcome) Succeeded() bool { return o.Kind == OutcomeSuccess }

// StageResult: результат одного вызова агента.
type StageResult struct {
	Agent      string    `json:"agent"`
	Stage      Stage     `json:"stage"`
	Optional   bool      `json:"optional"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    Outcome   `json:"outcome"`
	RetryCount int       `json:"retry_count"`
}
