package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// Cache: кэш результатов чтения в Redis. Запись в призму увеличивает
// поколение, и старые ключи перестают находиться (доживают по TTL).
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{rdb: rdb, ttl: ttl, logger: logger.Named("query-cache")}
}

func digest(statement string, params []any) string {
	h := sha256.New()
	h.Write([]byte(statement))
	if len(params) > 0 {
		p, _ := json.Marshal(params)
		h.Write([]byte{0})
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) key(ctx context.Context, resource, statement string, params []any) (string, error) {
	gen, err := c.rdb.Get(ctx, infra.QueryGenerationKey(resource)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return infra.QueryCacheKey(resource, gen, digest(statement, params)), nil
}

// Get: любая ошибка Redis — промах.
func (c *Cache) Get(ctx context.Context, resource, statement string, params []any) (*Rows, bool) {
	key, err := c.key(ctx, resource, statement, params)
	if err != nil {
		c.logger.Warn("cache unavailable", zap.Error(err))
		return nil, false
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var rows Rows
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, false
	}
	return &rows, true
}

func (c *Cache) Set(ctx context.Context, resource, statement string, params []any, rows *Rows) {
	key, err := c.key(ctx, resource, statement, params)
	if err != nil {
		return
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate сдвигает поколение призмы.
func (c *Cache) Invalidate(ctx context.Context, resource string) {
	if err := c.rdb.Incr(ctx, infra.QueryGenerationKey(resource)).Err(); err != nil {
		c.logger.Error("cache invalidation failed", zap.String("prism", resource), zap.Error(err))
	}
}
