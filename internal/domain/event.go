package domain

import "time"

type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventStageStarted  EventType = "stage_started"
	EventStageThought  EventType = "stage_thought"
	EventStageFinished EventType = "stage_finished"
	EventRunFinished   EventType = "run_finished"
)

// StageEvent: событие прогресса для стриминга клиенту.
type StageEvent struct {
	RequestID string      `json:"request_id"`
	Type      EventType   `json:"type"`
	Agent     string      `json:"agent,omitempty"`
	Stage     Stage       `json:"stage,omitempty"`
	Outcome   OutcomeKind `json:"outcome,omitempty"`
	Status    RunStatus   `json:"status,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
