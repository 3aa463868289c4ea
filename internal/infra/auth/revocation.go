package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// RevocationStore: список отозванных jti в Redis.
// При недоступности Redis проверка пропускает токен (graceful degradation).
type RevocationStore struct {
	rdb    *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewRevocationStore(rdb *redis.Client, logger *zap.Logger) *RevocationStore {
	return &RevocationStore{rdb: rdb, logger: logger.Named("revocation"), now: time.Now}
}

// Revoke держит запись ровно до истечения токена; истекший токен и так невалиден.
func (s *RevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return fmt.Errorf("revoke: empty token id")
	}
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, infra.RevokedTokenKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke %s: %w", jti, err)
	}
	return nil
}

func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) bool {
	if jti == "" {
		return false
	}
	n, err := s.rdb.Exists(ctx, infra.RevokedTokenKey(jti)).Result()
	if err != nil {
		s.logger.Warn("revocation check failed, assuming token is valid", zap.String("jti", jti), zap.Error(err))
		return false
	}
	return n == 1
}
