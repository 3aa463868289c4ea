package domain

import "time"

// AgentRequest: единый конверт для любого агента. Несет только ту часть
// контекста запуска, которая нужна стадии, и никогда не содержит токен.
type AgentRequest struct {
	RequestID string         `json:"request_id"`
	Stage     Stage          `json:"stage"`
	Query     string         `json:"query"`
	Resource  string         `json:"resource,omitempty"`  // Целевая призма, если стадия к ней обращается
	Statement string         `json:"statement,omitempty"` // SQL для стадии исполнения
	Params    []any          `json:"params,omitempty"`    // Параметры $1..$n к Statement
	Input     map[string]any `json:"input,omitempty"`     // Выход предыдущих стадий
	Deadline  time.Time      `json:"deadline"`
}

// AgentResponse: ответ агента. Confidence заполняют генераторы SQL.
type AgentResponse struct {
	Payload    map[string]any `json:"payload"`
	Confidence *float64       `json:"confidence,omitempty"`
}

// Confidence: удобный конструктор для указателя.
func Confidence(v float64) *float64 { return &v }
