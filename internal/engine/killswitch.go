package engine

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// KillSwitch: операторское отключение агентов. L1 — локальная мапа,
// L2: множество в Redis, изменения приходят по Pub/Sub.
type KillSwitch struct {
	mu       sync.RWMutex
	disabled map[string]struct{}
	rdb      *redis.Client
	logger   *zap.Logger
}

func NewKillSwitch(rdb *redis.Client, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{
		disabled: make(map[string]struct{}),
		rdb:      rdb,
		logger:   logger.Named("kill-switch"),
	}
}

// Init загружает текущее состояние блокировок при старте сервиса
func (k *KillSwitch) Init(ctx context.Context) error {
	agents, err := k.rdb.SMembers(ctx, infra.RedisKeyDisabledAgents).Result()
	if err != nil {
		return err
	}
	k.replace(agents)
	return nil
}

// Warmup переносит отключения из конфигурации в Redis, если там пусто.
func (k *KillSwitch) Warmup(ctx context.Context, fromConfig []string) error {
	return WarmupState(ctx, k.rdb, k.logger, fromConfig,
		infra.RedisKeyDisabledAgents, infra.RedisKeyLockWarmup, k.merge)
}

// Listen держит подписку на сигналы "agent:off" / "agent:on" до отмены ctx.
func (k *KillSwitch) Listen(ctx context.Context) {
	ListenStateResilient(ctx, k.rdb, k.logger, infra.RedisChanKillSwitch,
		func() error { return k.Init(ctx) },
		func(agent string, enabled bool) {
			k.set(agent, !enabled)
			k.logger.Warn("kill-switch signal", zap.String("agent", agent), zap.Bool("disabled", !enabled))
		},
	)
}

func (k *KillSwitch) IsDisabled(agent string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, off := k.disabled[agent]
	return off
}

// Disable вызывается консолью: пишет в L2 и оповещает реплики.
func (k *KillSwitch) Disable(ctx context.Context, agent string) error {
	return k.toggle(ctx, agent, true)
}

func (k *KillSwitch) Enable(ctx context.Context, agent string) error {
	return k.toggle(ctx, agent, false)
}

func (k *KillSwitch) toggle(ctx context.Context, agent string, disable bool) error {
	pipe := k.rdb.TxPipeline()
	signal := agent + ":on"
	if disable {
		pipe.SAdd(ctx, infra.RedisKeyDisabledAgents, agent)
		signal = agent + ":off"
	} else {
		pipe.SRem(ctx, infra.RedisKeyDisabledAgents, agent)
	}
	pipe.Publish(ctx, infra.RedisChanKillSwitch, signal)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	k.set(agent, disable)
	return nil
}

// Disabled: отключенные агенты (для консоли).
func (k *KillSwitch) Disabled() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.disabled))
	for a := range k.disabled {
		out = append(out, a)
	}
	return out
}

func (k *KillSwitch) set(agent string, disabled bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if disabled {
		k.disabled[agent] = struct{}{}
	} else {
		delete(k.disabled, agent)
	}
}

func (k *KillSwitch) replace(agents []string) {
	next := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		next[a] = struct{}{}
	}
	k.mu.Lock()
	k.disabled = next
	k.mu.Unlock()
}

func (k *KillSwitch) merge(agents []string) {
	for _, a := range agents {
		k.set(a, true)
	}
}
