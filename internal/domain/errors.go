package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind: машинно-читаемая классификация отказа, попадает в трейс стадии.
type ErrorKind string

const (
	// AuthError
	KindExpiredToken     ErrorKind = "ExpiredToken"
	KindInvalidSignature ErrorKind = "InvalidSignature"
	KindMalformedClaims  ErrorKind = "MalformedClaims"
	KindPermissionDenied ErrorKind = "PermissionDenied"
	KindTokenRevoked     ErrorKind = "TokenRevoked"
	KindRateLimited      ErrorKind = "RateLimited"

	// AgentError
	KindTimeout          ErrorKind = "Timeout"
	KindBreakerOpen      ErrorKind = "BreakerOpen"
	KindTransientFailure ErrorKind = "TransientFailure"
	KindNoConsensus      ErrorKind = "NoConsensus"
	KindAgentDisabled    ErrorKind = "AgentDisabled"
	KindAgentError       ErrorKind = "AgentError"

	KindExecutionError ErrorKind = "ExecutionError"
	KindCancelled      ErrorKind = "Cancelled"
)

var (
	ErrExpiredToken     = errors.New("auth: token expired")
	ErrInvalidSignature = errors.New("auth: invalid token signature")
	ErrMalformedClaims  = errors.New("auth: malformed claims")
	ErrPermissionDenied = errors.New("auth: permission denied")
	ErrTokenRevoked     = errors.New("auth: token revoked")
	ErrRateLimited      = errors.New("auth: rate limit exceeded")

	ErrTimeout       = errors.New("agent: deadline exceeded")
	ErrBreakerOpen   = errors.New("agent: circuit breaker open")
	ErrTransient     = errors.New("agent: transient failure")
	ErrNoConsensus   = errors.New("agent: no candidate completed before deadline")
	ErrAgentDisabled = errors.New("agent: disabled by operator")
	ErrUnknownAgent  = errors.New("agent: not registered")

	ErrStageNotConfigured = errors.New("run: no agent configured for required stage")
	ErrNoStatement        = errors.New("run: sql stage produced no statement")

	ErrCancelled      = errors.New("run: cancelled")
	ErrNotFound       = errors.New("run: not found")
	ErrInvalidRequest = errors.New("run: invalid request")
)

// ExecutionError: ошибка исполнителя запросов, отдается вызывающему как есть.
type ExecutionError struct {
	Resource string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution on %s: %v", e.Resource, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsAuthError: ошибки, которые прерывают запрос до запуска любой стадии.
func IsAuthError(err error) bool {
	switch KindOf(err) {
	case KindExpiredToken, KindInvalidSignature, KindMalformedClaims, KindPermissionDenied, KindTokenRevoked, KindRateLimited:
		return true
	}
	return false
}

// IsTransient определяет, имеет ли смысл повторять вызов.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransientFailure:
		return true
	}
	return false
}

// KindOf сводит произвольную ошибку к таксономии. Порядок проверок важен:
// отмена родителя не должна выглядеть как таймаут агента.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var execErr *ExecutionError
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrExpiredToken):
		return KindExpiredToken
	case errors.Is(err, ErrInvalidSignature):
		return KindInvalidSignature
	case errors.Is(err, ErrMalformedClaims):
		return KindMalformedClaims
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrTokenRevoked):
		return KindTokenRevoked
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrBreakerOpen):
		return KindBreakerOpen
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNoConsensus):
		return KindNoConsensus
	case errors.Is(err, ErrAgentDisabled):
		return KindAgentDisabled
	case errors.As(err, &execErr):
		return KindExecutionError
	case errors.Is(err, ErrTransient):
		return KindTransientFailure
	default:
		return KindAgentError
	}
}
