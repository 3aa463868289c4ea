package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/xela07ax/prismdb-orchestrator/internal/console/service"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
)

type AuthHandler struct {
	service *service.AuthService
	logger  *zap.Logger
}

func NewAuthHandler(s *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{service: s, logger: logger}
}

type issueRequest struct {
	Subject string   `json:"subject"`
	Role    string   `json:"role,omitempty"`
	Prisms  []string `json:"prisms"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

// Issue: POST /auth/token (только admin).
func (h *AuthHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
		return
	}
	pair, err := h.service.Issue(r.Context(), auth.Identity{SubjectID: req.Subject, Role: req.Role, Prisms: req.Prisms})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Refresh: POST /auth/refresh {"token": "<refresh>"}.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, fmt.Errorf("%w: refresh token is required", domain.ErrInvalidRequest))
		return
	}
	pair, err := h.service.Refresh(r.Context(), req.Token)
	if err != nil {
		h.logger.Warn("refresh rejected", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Revoke: POST /auth/revoke. Без тела отзывается токен самого вызывающего.
func (h *AuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.AccessFrom(r.Context())
	if !ok {
		writeError(w, domain.ErrInvalidSignature)
		return
	}
	var req tokenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
			return
		}
	}
	if req.Token == "" {
		req.Token = auth.BearerToken(r)
	}
	if err := h.service.Revoke(r.Context(), caller, req.Token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
