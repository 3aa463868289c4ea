package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra"
	"github.com/xela07ax/prismdb-orchestrator/internal/repository/postgres"
	"go.uber.org/zap"
)

// StatsProvider: агрегаты журнала запусков.
type StatsProvider interface {
	Stats(ctx context.Context, window time.Duration) (*postgres.RunStats, error)
}

const statsCacheTTL = 30 * time.Second

// DashboardService отдает сводку журнала; агрегаты живут в Redis statsCacheTTL.
type DashboardService struct {
	repo   StatsProvider
	rdb    *redis.Client
	logger *zap.Logger
}

func NewDashboardService(repo StatsProvider, rdb *redis.Client, logger *zap.Logger) *DashboardService {
	return &DashboardService{repo: repo, rdb: rdb, logger: logger.Named("dashboard")}
}

func (s *DashboardService) GetStats(ctx context.Context, window time.Duration) (*postgres.RunStats, error) {
	key := infra.DashboardStatsKey(window.String())

	// 1. Кэш; ошибки Redis не мешают отдать свежие данные
	if s.rdb != nil {
		if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
			var cached postgres.RunStats
			if json.Unmarshal(data, &cached) == nil {
				return &cached, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn("stats cache read failed", zap.Error(err))
		}
	}

	// 2. Postgres
	stats, err := s.repo.Stats(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}

	// 3. Кэшируем
	if s.rdb != nil {
		if data, err := json.Marshal(stats); err == nil {
			if err := s.rdb.Set(ctx, key, data, statsCacheTTL).Err(); err != nil {
				s.logger.Warn("stats cache write failed", zap.Error(err))
			}
		}
	}
	return stats, nil
}
