package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// RateLimiter: фиксированное окно на субъекта в Redis.
// Ошибки Redis не блокируют запросы (fail open).
type RateLimiter struct {
	rdb    *redis.Client
	limit  int64
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration, logger *zap.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{rdb: rdb, limit: int64(limit), window: window, logger: logger.Named("ratelimit"), now: time.Now}
}

// Allow считает запрос и возвращает ErrRateLimited при превышении лимита.
func (l *RateLimiter) Allow(ctx context.Context, subject string) error {
	if l.limit <= 0 {
		return nil
	}
	bucket := l.now().UnixNano() / int64(l.window)
	key := infra.RateLimitKey(subject, bucket)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limit check failed, failing open", zap.String("subject", subject), zap.Error(err))
		return nil
	}

	if count := incr.Val(); count > l.limit {
		return fmt.Errorf("%w: %d requests per %s (limit %d)", domain.ErrRateLimited, count, l.window, l.limit)
	}
	return nil
}
