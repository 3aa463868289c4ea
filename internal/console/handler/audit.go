package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/xela07ax/prismdb-orchestrator/internal/console/service"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/repository/postgres"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetRuns возвращает журнал запусков с поддержкой фильтрации
// GET /v1/runs?subject=...&status=Failed&limit=50
func (h *AuditHandler) GetRuns(w http.ResponseWriter, r *http.Request) {
	// Извлекаем фильтры из Query-параметров
	q := r.URL.Query()
	f := postgres.RunFilter{Subject: q.Get("subject"), Status: q.Get("status")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: bad limit %q", domain.ErrInvalidRequest, raw))
			return
		}
		f.Limit = n
	}

	runs, err := h.service.FetchRuns(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
