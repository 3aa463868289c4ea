package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	resubscribeDelay = 5 * time.Second // после неудачной подписки
	reconnectDelay   = time.Second     // после закрытия канала
)

// ListenStateResilient держит подписку на канал сигналов "name:on|off" до отмены ctx.
// resync вызывается после каждой успешной подписки: сигналы, пропущенные
// за время разрыва, восстанавливаются из L2.
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	resync func() error,
	apply func(name string, on bool),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("subscribe failed", zap.String("channel", channel), zap.Error(err))
			if !sleepCtx(ctx, resubscribeDelay) {
				return
			}
			continue
		}

		if err := resync(); err != nil {
			logger.Error("state resync failed", zap.String("channel", channel), zap.Error(err))
		}

		if !drain(ctx, pubsub.Channel(), logger, apply) {
			_ = pubsub.Close()
			return
		}
		_ = pubsub.Close()
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

// drain применяет сигналы, пока канал открыт. false: ctx отменен.
func drain(ctx context.Context, ch <-chan *redis.Message, logger *zap.Logger, apply func(string, bool)) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-ch:
			if !ok {
				return true
			}
			name, on, valid := parseSignal(msg.Payload)
			if !valid {
				logger.Warn("malformed state signal", zap.String("payload", msg.Payload))
				continue
			}
			apply(name, on)
		}
	}
}

// parseSignal разбирает "name:state". Имя может содержать ':', состояние берется после последнего.
func parseSignal(payload string) (name string, on bool, ok bool) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 {
		return "", false, false
	}
	switch payload[i+1:] {
	case "true", "on":
		return payload[:i], true, true
	case "false", "off":
		return payload[:i], false, true
	}
	return "", false, false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
