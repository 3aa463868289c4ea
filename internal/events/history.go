package events

import (
	"context"
	"sync"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultMaxEvents = 1000
	DefaultMaxRuns   = 512
)

// History: агент-монитор: хранит ограниченную историю событий по запускам.
type History struct {
	mu        sync.RWMutex
	runs      map[string][]domain.StageEvent
	order     []string // порядок появления запусков для вытеснения
	maxEvents int
	maxRuns   int
	logger    *zap.Logger
}

func NewHistory(maxEvents, maxRuns int, logger *zap.Logger) *History {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	return &History{
		runs:      make(map[string][]domain.StageEvent),
		maxEvents: maxEvents,
		maxRuns:   maxRuns,
		logger:    logger.Named("monitor"),
	}
}

// Run читает подписку до отмены контекста или закрытия подписки.
func (h *History) Run(ctx context.Context, sub *Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			h.Record(ev)
		}
	}
}

func (h *History) Record(ev domain.StageEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	events, known := h.runs[ev.RequestID]
	if !known {
		h.order = append(h.order, ev.RequestID)
		if len(h.order) > h.maxRuns {
			evicted := h.order[0]
			h.order = h.order[1:]
			delete(h.runs, evicted)
		}
	}
	events = append(events, ev)
	if len(events) > h.maxEvents {
		events = events[len(events)-h.maxEvents:]
	}
	h.runs[ev.RequestID] = events
}

// Events: копия истории запуска.
func (h *History) Events(requestID string) []domain.StageEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	src := h.runs[requestID]
	out := make([]domain.StageEvent, len(src))
	copy(out, src)
	return out
}

func (h *History) Clear(requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.runs, requestID)
}

// Name/Handle делают историю агентом "monitor" в реестре оркестратора.
func (h *History) Name() string { return string(domain.StageMonitor) }

func (h *History) Handle(_ context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	events := h.Events(req.RequestID)
	byAgent := make(map[string]int)
	for _, ev := range events {
		if ev.Agent != "" {
			byAgent[ev.Agent]++
		}
	}
	return domain.AgentResponse{Payload: map[string]any{
		"events":   events,
		"total":    len(events),
		"by_agent": byAgent,
	}}, nil
}
