package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// RedisRelay ретранслирует локальные события в Redis, чтобы стрим запуска
// можно было читать с любой реплики.
type RedisRelay struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisRelay(rdb *redis.Client, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{rdb: rdb, logger: logger.Named("relay")}
}

// Run публикует события подписки; ошибки Redis только логируются.
func (r *RedisRelay) Run(ctx context.Context, sub *Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				r.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}
			if err := r.rdb.Publish(ctx, infra.RunEventsChannel(ev.RequestID), data).Err(); err != nil {
				r.logger.Warn("event relay publish failed", zap.String("request_id", ev.RequestID), zap.Error(err))
			}
		}
	}
}

// Follow подписывается на события запуска, идущего на другой реплике.
// Канал закрывается после run_finished или отмены контекста.
func (r *RedisRelay) Follow(ctx context.Context, requestID string) (<-chan domain.StageEvent, error) {
	pubsub := r.rdb.Subscribe(ctx, infra.RunEventsChannel(requestID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan domain.StageEvent, DefaultBufferSize)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.StageEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Warn("invalid relayed event", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Type == domain.EventRunFinished {
					return
				}
			}
		}
	}()
	return out, nil
}
