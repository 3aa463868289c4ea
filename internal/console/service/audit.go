package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/prismdb-orchestrator/internal/audit"
	"github.com/xela07ax/prismdb-orchestrator/internal/repository/postgres"
)

// RunLogProvider описывает контракт для чтения журнала запусков.
// Используем audit.RunRecord, чтобы сохранить единую модель данных с записью.
type RunLogProvider interface {
	FetchRuns(ctx context.Context, f postgres.RunFilter) ([]audit.RunRecord, error)
}

type AuditService struct {
	repo RunLogProvider
}

func NewAuditService(repo RunLogProvider) *AuditService {
	return &AuditService{repo: repo}
}

// FetchRuns запрашивает журнал с фильтрацией. Пустые фильтры разбирает репозиторий.
func (s *AuditService) FetchRuns(ctx context.Context, f postgres.RunFilter) ([]audit.RunRecord, error) {
	runs, err := s.repo.FetchRuns(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch runs: %w", err)
	}
	return runs, nil
}
