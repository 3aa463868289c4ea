package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// AgentSwitch: kill-switch агентов (engine.KillSwitch).
type AgentSwitch interface {
	Disable(ctx context.Context, agent string) error
	Enable(ctx context.Context, agent string) error
	Disabled() []string
}

type AgentService struct {
	ks     AgentSwitch
	known  map[string]struct{} // Пусто — принимаем любое имя
	logger *zap.Logger
}

func NewAgentService(ks AgentSwitch, known []string, logger *zap.Logger) *AgentService {
	s := &AgentService{
		ks:     ks,
		known:  make(map[string]struct{}, len(known)),
		logger: logger.Named("agent-service"),
	}
	for _, name := range known {
		s.known[name] = struct{}{}
	}
	return s
}

// updateAgentState: единый путь переключения: L2 в Redis и сигнал репликам.
func (s *AgentService) updateAgentState(ctx context.Context, agent string, disable bool, action string) error {
	// 1. Агент должен быть в реестре
	if len(s.known) > 0 {
		if _, ok := s.known[agent]; !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownAgent, agent)
		}
	}

	// 2. Переключение
	toggle := s.ks.Enable
	if disable {
		toggle = s.ks.Disable
	}
	if err := toggle(ctx, agent); err != nil {
		s.logger.Error("failed to toggle agent",
			zap.String("agent", agent),
			zap.String("action", action),
			zap.Error(err))
		return fmt.Errorf("%s: %w", action, err)
	}

	s.logger.Info("agent state updated successfully",
		zap.String("agent", agent),
		zap.String("action", action))
	return nil
}

func (s *AgentService) DisableAgent(ctx context.Context, agent string) error {
	return s.updateAgentState(ctx, agent, true, "kill-switch-disable")
}

func (s *AgentService) EnableAgent(ctx context.Context, agent string) error {
	return s.updateAgentState(ctx, agent, false, "kill-switch-enable")
}

// ListDisabled: отсортированный список; пустой срез, а не nil.
func (s *AgentService) ListDisabled() []string {
	out := s.ks.Disabled()
	if out == nil {
		return []string{}
	}
	slices.Sort(out)
	return out
}
