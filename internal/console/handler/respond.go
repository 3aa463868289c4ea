package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
)

type errorBody struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind,omitempty"`
}

// statusFor разделяет типы ошибок на 400/401/403/404/500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownAgent), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	}
	switch domain.KindOf(err) {
	case domain.KindExpiredToken, domain.KindInvalidSignature, domain.KindMalformedClaims, domain.KindTokenRevoked:
		return http.StatusUnauthorized
	case domain.KindPermissionDenied:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error()}
	switch code {
	case http.StatusInternalServerError:
		body.Error = "internal error"
	case http.StatusUnauthorized, http.StatusForbidden:
		body.Kind = domain.KindOf(err)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
