package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/engine"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
)

type submitBody struct {
	Query    string `json:"query"`
	Mode     string `json:"mode,omitempty"`
	Resource string `json:"resource"`
}

type submitResponse struct {
	RequestID string           `json:"request_id"`
	Status    domain.RunStatus `json:"status"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	// 1. Токен обязателен
	token := auth.BearerToken(r)
	if token == "" {
		s.writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrInvalidSignature))
		return
	}

	// 2. Тело запроса
	var body submitBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
		return
	}

	// 3. Синхронная проверка токена и запуск в фоне
	id, err := s.svc.Submit(r.Context(), engine.SubmitRequest{
		Query:    body.Query,
		Token:    token,
		Mode:     body.Mode,
		Resource: body.Resource,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/runs/"+id)
	writeJSON(w, http.StatusAccepted, submitResponse{RequestID: id, Status: domain.RunRunning})
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	res, err := s.owned(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.owned(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Cancel(r.Context(), res.RequestID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	res, err := s.owned(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.svc.Events(r.Context(), res.RequestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) breakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Breakers())
}

// owned возвращает запуск, только если он принадлежит субъекту токена.
// Чужой запуск неотличим от несуществующего.
func (s *Server) owned(r *http.Request) (engine.Result, error) {
	id := chi.URLParam(r, "id")
	res, err := s.svc.Result(r.Context(), id)
	if err != nil {
		return engine.Result{}, err
	}
	ac, ok := auth.AccessFrom(r.Context())
	if !ok || ac.SubjectID() != res.Subject {
		return engine.Result{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return res, nil
}

type errorBody struct {
	Error   string           `json:"error"`
	Kind    domain.ErrorKind `json:"kind,omitempty"`
	TraceID string           `json:"trace_id,omitempty"`
}

// statusFor сводит таксономию ошибок к HTTP-кодам.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	}
	switch domain.KindOf(err) {
	case domain.KindExpiredToken, domain.KindInvalidSignature, domain.KindMalformedClaims, domain.KindTokenRevoked:
		return http.StatusUnauthorized
	case domain.KindPermissionDenied:
		return http.StatusForbidden
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error(), Kind: domain.KindOf(err), TraceID: TraceID(r.Context())}
	if code == http.StatusInternalServerError {
		// Детали внутренних ошибок наружу не отдаем
		s.logger.Error("request failed", zap.String("trace_id", body.TraceID), zap.Error(err))
		body.Error = "internal error"
	}
	// Вид ошибки отдаем только для отказов авторизации и лимита
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
	default:
		body.Kind = ""
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
