package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/repository/postgres"
)

// DashboardService Описываем, что нам нужно от сервиса
type DashboardService interface {
	GetStats(ctx context.Context, window time.Duration) (*postgres.RunStats, error)
}

type DashboardHandler struct {
	service DashboardService
}

func NewDashboardHandler(s DashboardService) *DashboardHandler {
	return &DashboardHandler{service: s}
}

const (
	defaultStatsWindow = time.Hour
	maxStatsWindow     = 7 * 24 * time.Hour
)

// GetStats: GET /api/v1/dashboard/stats?window=15m
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxStatsWindow {
			writeError(w, fmt.Errorf("%w: bad window %q", domain.ErrInvalidRequest, raw))
			return
		}
		window = d
	}

	stats, err := h.service.GetStats(r.Context(), window)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
