package connectors

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ThrottleError: агент просит повторить не раньше RetryAfter.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

// Unwrap делает троттлинг транзиентной ошибкой для классификатора.
func (e *ThrottleError) Unwrap() []error {
	if e.Cause == nil {
		return []error{domain.ErrTransient}
	}
	return []error{domain.ErrTransient, e.Cause}
}

const (
	retryAfterKey     = "retry-after-ms"
	defaultRetryAfter = time.Second
)

// toStatus переводит ошибку агента в gRPC-статус на стороне сервера.
func toStatus(ctx context.Context, err error) error {
	var throttle *ThrottleError
	switch {
	case errors.As(err, &throttle):
		_ = grpc.SetTrailer(ctx, metadata.Pairs(retryAfterKey, strconv.FormatInt(throttle.RetryAfter.Milliseconds(), 10)))
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, domain.ErrTransient):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus восстанавливает таксономию на стороне клиента.
func fromStatus(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		retryAfter := defaultRetryAfter
		if v := trailer.Get(retryAfterKey); len(v) > 0 {
			if ms, perr := strconv.ParseInt(v[0], 10, 64); perr == nil {
				retryAfter = time.Duration(ms) * time.Millisecond
			}
		}
		return &ThrottleError{RetryAfter: retryAfter, Cause: errors.New(st.Message())}
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", domain.ErrTimeout, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.Unavailable, codes.Aborted:
		return fmt.Errorf("%w: %s", domain.ErrTransient, st.Message())
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, st.Message())
	default:
		return fmt.Errorf("agent returned error [%s]: %s", st.Code(), st.Message())
	}
}
