package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// TokenValidator: интерфейс, который реализуют и оркестратор, и консоль
type TokenValidator interface {
	Validate(tokenStr string) (*AccessContext, error)
}

// BearerToken достает токен из заголовка Authorization.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}

// NewMiddleware пропускает только access-токены; если задана роль — только ее.
func NewMiddleware(v TokenValidator, logger *zap.Logger, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ac, err := v.Validate(token)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if role != "" && ac.Role() != role {
				logger.Warn("role mismatch", zap.String("sub", ac.SubjectID()), zap.String("role", ac.Role()))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			// Прокидываем права в контекст
			next.ServeHTTP(w, r.WithContext(WithAccess(r.Context(), ac)))
		})
	}
}
