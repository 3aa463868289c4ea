package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WarmupState засевает L1 и L2 значениями из конфигурации. В Redis пишет
// только один инстанс и только если множество пустое: операторские
// изменения, сделанные после старта, не перетираются.
func WarmupState(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	seed []string,
	setKey string,
	lockKey string,
	updateL1 func([]string),
) error {
	if len(seed) == 0 {
		return nil
	}
	updateL1(seed)

	// Распределенная блокировка (SetNX)
	locked, err := rdb.SetNX(ctx, lockKey, "warmup", 30*time.Second).Result()
	if err != nil || !locked {
		return nil // Либо ошибка сети, либо другой уже греет
	}
	defer rdb.Del(ctx, lockKey)

	size, err := rdb.SCard(ctx, setKey).Result()
	if err != nil {
		logger.Warn("could not check Redis set size, proceeding with warm-up",
			zap.String("key", setKey), zap.Error(err))
		size = 0
	}
	if size > 0 {
		return nil
	}

	logger.Info("seeding Redis state from config", zap.String("key", setKey), zap.Strings("ids", seed))
	members := make([]any, len(seed))
	for i, id := range seed {
		members[i] = id
	}
	return rdb.SAdd(ctx, setKey, members...).Err()
}
