package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/prismdb-orchestrator/internal/console/service"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
)

type AgentHandler struct {
	service *service.AgentService
}

func NewAgentHandler(s *service.AgentService) *AgentHandler {
	return &AgentHandler{service: s}
}

// Routes Маршруты для Chi
func (h *AgentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/disabled", h.ListDisabled)
	r.Post("/{name}/disable", h.Disable) // POST /v1/agents/sql/disable
	r.Post("/{name}/enable", h.Enable)
	return r
}

func (h *AgentHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.service.DisableAgent)
}

func (h *AgentHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.service.EnableAgent)
}

func (h *AgentHandler) toggle(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, name string) error) {
	name := chi.URLParam(r, "name")
	if name == "" {
		writeError(w, fmt.Errorf("%w: agent name is required", domain.ErrInvalidRequest))
		return
	}
	// Ждем записи в Redis: ответ 204 значит, что сигнал уже ушел репликам
	if err := fn(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) ListDisabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"disabled": h.service.ListDisabled()})
}
