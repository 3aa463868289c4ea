package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra"
)

// ResultStore хранит результаты по request id. Ключ — на запуск, поэтому
// конкурентные запуски не пересекаются.
type ResultStore interface {
	Put(ctx context.Context, res Result) error
	Get(ctx context.Context, requestID string) (Result, error)
}

// MemoryStore: хранилище одной реплики с TTL.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	ttl   time.Duration
	now   func() time.Time
}

type memoryItem struct {
	res       Result
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryStore{items: make(map[string]memoryItem), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[res.RequestID] = memoryItem{res: res, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, requestID string) (Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[requestID]
	if !ok || s.now().After(it.expiresAt) {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrNotFound, requestID)
	}
	return it.res, nil
}

// Sweep удаляет просроченные записи по таймеру до отмены ctx.
func (s *MemoryStore) Sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evict()
		}
	}
}

func (s *MemoryStore) evict() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, it := range s.items {
		if now.After(it.expiresAt) {
			delete(s.items, id)
		}
	}
}

// RedisStore: общее хранилище для нескольких реплик.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, res Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.rdb.Set(ctx, infra.RunResultKey(res.RequestID), data, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, requestID string) (Result, error) {
	data, err := s.rdb.Get(ctx, infra.RunResultKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrNotFound, requestID)
	}
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}
