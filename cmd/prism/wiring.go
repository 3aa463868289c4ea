package main

import (
	"fmt"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/prismdb-orchestrator/internal/breaker"
	"github.com/xela07ax/prismdb-orchestrator/internal/connectors"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/engine"
	"github.com/xela07ax/prismdb-orchestrator/internal/events"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// defaultAgents: реестр для локального запуска без секции agents в конфиге.
func defaultAgents(cfg infra.EngineConfig) []infra.AgentConfig {
	mk := func(name string, kind domain.Stage, optional bool) infra.AgentConfig {
		return infra.AgentConfig{
			Name:             name,
			Kind:             kind,
			Transport:        infra.TransportLocal,
			Attempts:         cfg.DefaultAttempts,
			Timeout:          cfg.StageTimeout,
			Optional:         optional,
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
		}
	}
	return []infra.AgentConfig{
		mk("nlu", domain.StageNLU, false),
		mk("schema", domain.StageSchema, false),
		mk("sql", domain.StageSQL, false),
		mk("execution", domain.StageExecution, false),
		mk("visualization", domain.StageVisualization, true),
		mk("glossary", domain.StageLookup, true),
		mk("monitor", domain.StageMonitor, true),
	}
}

// agentDeps: готовые реализации для видов, которые не собираются заглушкой.
type agentDeps struct {
	execution func(name string) engine.Agent
	monitor   *events.History
	agentKey  string // Ключ для удаленных агентов
}

// buildRoster собирает реестр и регистрирует предохранитель на каждого агента.
// Возвращает открытые gRPC-соединения, чтобы main закрыл их при остановке.
func buildRoster(agents []infra.AgentConfig, deps agentDeps, breakers *breaker.Registry) (*engine.Roster, []*grpc.ClientConn, error) {
	roster := engine.NewRoster()
	var conns []*grpc.ClientConn
	fail := func(err error) (*engine.Roster, []*grpc.ClientConn, error) {
		for _, c := range conns {
			_ = c.Close()
		}
		return nil, nil, err
	}

	for _, ac := range agents {
		var agent engine.Agent
		switch {
		case ac.Transport == infra.TransportGRPC:
			conn, err := grpc.NewClient(ac.Endpoint,
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				connectors.WithAgentKey(deps.agentKey),
			)
			if err != nil {
				return fail(fmt.Errorf("agent %s: dial %s: %w", ac.Name, ac.Endpoint, err))
			}
			conns = append(conns, conn)
			agent = connectors.NewGRPCAgent(ac.Name, conn)
		case ac.Kind == domain.StageExecution:
			if deps.execution == nil {
				return fail(fmt.Errorf("agent %s: no query executor configured", ac.Name))
			}
			agent = deps.execution(ac.Name)
		case ac.Kind == domain.StageMonitor:
			if deps.monitor == nil {
				return fail(fmt.Errorf("agent %s: no event history configured", ac.Name))
			}
			agent = renamed{Agent: deps.monitor, name: ac.Name}
		default:
			local, err := connectors.NewLocalAgent(ac.Name, ac.Kind, connectors.Options{})
			if err != nil {
				return fail(err)
			}
			agent = local
		}

		if err := roster.Add(engine.AgentSpec{
			Agent:    agent,
			Kind:     ac.Kind,
			Optional: ac.Optional,
			Attempts: ac.Attempts,
			Timeout:  ac.Timeout,
		}); err != nil {
			return fail(err)
		}
		breakers.Register(ac.Name, breaker.Settings{
			FailureThreshold: ac.FailureThreshold,
			ResetTimeout:     ac.ResetTimeout,
		})
	}
	return roster, conns, nil
}

// renamed отдает агенту имя из реестра.
type renamed struct {
	engine.Agent
	name string
}

func (r renamed) Name() string { return r.name }

// disabledFromConfig: начальное состояние kill-switch.
func disabledFromConfig(agents []infra.AgentConfig) []string {
	var out []string
	for _, a := range agents {
		if a.Disabled {
			out = append(out, a.Name)
		}
	}
	return out
}

// prismBreakerGauge переводит состояние gobreaker в шкалу prism_breaker_state.
func prismBreakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return float64(breaker.StateOpen)
	case gobreaker.StateHalfOpen:
		return float64(breaker.StateHalfOpen)
	default:
		return float64(breaker.StateClosed)
	}
}
