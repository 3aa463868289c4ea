package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/events"
	"github.com/xela07ax/prismdb-orchestrator/internal/policy"
	"go.uber.org/zap"
)

// OrchestratorConfig: дедлайны запуска и групп параллельных стадий.
type OrchestratorConfig struct {
	RunDeadline         time.Duration
	CoordinateDeadline  time.Duration
	CollaborateDeadline time.Duration
}

type modeFunc func(ctx context.Context, rc *RunContext)

// Orchestrator ведет запуск по конечному автомату
// Initialized -> Running -> {Succeeded, Failed, PartiallyFailed}.
type Orchestrator struct {
	roster   *Roster
	adapter  *Adapter
	enforcer policy.Enforcer
	emitter  *events.Emitter
	metrics  *Metrics
	logger   *zap.Logger
	cfg      OrchestratorConfig
	now      func() time.Time

	modes map[domain.Mode]modeFunc
}

func NewOrchestrator(
	roster *Roster,
	adapter *Adapter,
	enforcer policy.Enforcer,
	emitter *events.Emitter,
	metrics *Metrics,
	logger *zap.Logger,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.RunDeadline <= 0 {
		cfg.RunDeadline = 30 * time.Second
	}
	if enforcer == nil {
		enforcer = policy.CapabilityEnforcer{}
	}
	o := &Orchestrator{
		roster:   roster,
		adapter:  adapter,
		enforcer: enforcer,
		emitter:  emitter,
		metrics:  metrics,
		logger:   logger.Named("orchestrator"),
		cfg:      cfg,
		now:      time.Now,
	}
	o.modes = map[domain.Mode]modeFunc{
		domain.ModeRoute:       o.route,
		domain.ModeCoordinate:  o.coordinate,
		domain.ModeCollaborate: o.collaborate,
	}
	return o
}

// Run исполняет запуск до терминального статуса и возвращает агрегат.
func (o *Orchestrator) Run(ctx context.Context, rc *RunContext) Result {
	rc.StartedAt = o.now()
	if rc.Deadline.IsZero() {
		rc.Deadline = rc.StartedAt.Add(o.cfg.RunDeadline)
	}
	ctx, cancel := context.WithDeadline(ctx, rc.Deadline)
	defer cancel()

	dispatch, ok := o.modes[rc.Mode]
	if !ok {
		rc.Mode = domain.ModeRoute
		dispatch = o.route
	}

	rc.Status = domain.RunRunning
	o.publish(rc, domain.StageEvent{Type: domain.EventRunStarted, Status: rc.Status, Message: string(rc.Mode)})

	dispatch(ctx, rc)

	rc.finish()
	res := rc.result(o.now())

	msg := ""
	if res.Error != nil {
		msg = res.Error.Detail
	}
	o.publish(rc, domain.StageEvent{Type: domain.EventRunFinished, Status: res.Status, Message: msg})
	o.metrics.observeRun(res)
	o.logger.Info("run finished",
		zap.String("request_id", rc.RequestID),
		zap.String("mode", string(rc.Mode)),
		zap.String("status", string(res.Status)),
		zap.Int("stages", len(res.Stages)),
		zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)),
	)
	return res
}

// route: линейный конвейер NLU -> Schema -> SQL -> Execution -> Visualization.
func (o *Orchestrator) route(ctx context.Context, rc *RunContext) {
	o.sequence(ctx, rc,
		domain.StageNLU,
		domain.StageSchema,
		domain.StageSQL,
		domain.StageExecution,
		domain.StageVisualization,
	)
}

// sequence исполняет стадии по очереди до первого обязательного отказа.
func (o *Orchestrator) sequence(ctx context.Context, rc *RunContext, stages ...domain.Stage) bool {
	for _, stage := range stages {
		if rc.failed() {
			return false
		}
		o.step(ctx, rc, stage)
	}
	return !rc.failed()
}

// step: одна последовательная стадия, исполняется первым агентом вида.
func (o *Orchestrator) step(ctx context.Context, rc *RunContext, stage domain.Stage) {
	specs := o.roster.ByKind(stage)
	if len(specs) == 0 {
		rc.record(o.unconfigured(rc, stage))
		return
	}
	spec := specs[0]
	if stage == domain.StageExecution && rc.statement == "" {
		if spec.Optional {
			rc.record(o.skipped(stage, spec.Name(), true, "no statement to execute"))
		} else {
			rc.record(o.rejected(rc, spec, domain.ErrNoStatement))
		}
		return
	}
	rc.record(o.runStage(ctx, rc, spec, rc.inputs(), rc.Deadline))
}

// optionalStage: без этих стадий запуск допустим, даже если агент не настроен.
func optionalStage(stage domain.Stage) bool {
	switch stage {
	case domain.StageVisualization, domain.StageLookup, domain.StageMonitor:
		return true
	}
	return false
}

// unconfigured: необязательная стадия без агента пропускается, обязательная валит запуск.
func (o *Orchestrator) unconfigured(rc *RunContext, stage domain.Stage) domain.StageResult {
	if optionalStage(stage) {
		return o.skipped(stage, string(stage), true, "no agent configured")
	}
	return o.rejected(rc, AgentSpec{Kind: stage}, fmt.Errorf("%w: %s", domain.ErrStageNotConfigured, stage))
}

// rejected: отказ стадии без вызова агента.
func (o *Orchestrator) rejected(rc *RunContext, spec AgentSpec, err error) domain.StageResult {
	now := o.now()
	name := string(spec.Kind)
	if spec.Agent != nil {
		name = spec.Name()
	}
	res := domain.StageResult{
		Agent:      name,
		Stage:      spec.Kind,
		Optional:   spec.Optional,
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    domain.Failure(err),
	}
	o.finishStage(rc, res)
	return res
}

// runStage: шлюз авторизации, вызов через адаптер, события.
// Безопасен для параллельного вызова: rc только читается.
func (o *Orchestrator) runStage(ctx context.Context, rc *RunContext, spec AgentSpec, input map[string]any, deadline time.Time) domain.StageResult {
	stage := spec.Kind
	res := domain.StageResult{
		Agent:     spec.Name(),
		Stage:     stage,
		Optional:  spec.Optional,
		StartedAt: o.now(),
	}
	o.publish(rc, domain.StageEvent{Type: domain.EventStageStarted, Agent: res.Agent, Stage: stage})

	statement := ""
	var params []any
	if stage == domain.StageExecution {
		statement, params = rc.statement, rc.params
	}

	// 1. Авторизация до вызова: при отказе адаптер и предохранитель не трогаем
	if err := o.enforcer.Authorize(rc.Access, stage, rc.Resource, statement); err != nil {
		res.FinishedAt = o.now()
		res.Outcome = domain.Failure(err)
		o.logger.Warn("stage denied",
			zap.String("request_id", rc.RequestID), zap.String("agent", res.Agent), zap.Error(err))
		o.finishStage(rc, res)
		return res
	}

	// 2. Агенту уходит только нужная ему часть запуска
	req := domain.AgentRequest{
		RequestID: rc.RequestID,
		Stage:     stage,
		Query:     rc.RawQuery,
		Statement: statement,
		Params:    params,
		Input:     input,
		Deadline:  deadline,
	}
	switch stage {
	case domain.StageSchema, domain.StageSQL, domain.StageExecution:
		req.Resource = rc.Resource
	}

	inv := o.adapter.Invoke(ctx, res.Agent, req)
	res.FinishedAt = o.now()
	res.RetryCount = inv.Retries
	if inv.Err != nil {
		res.Outcome = domain.Failure(inv.Err)
	} else {
		res.Outcome = domain.Success(inv.Response.Payload, inv.Response.Confidence)
	}

	if inv.Retries > 0 {
		o.publish(rc, domain.StageEvent{
			Type: domain.EventStageThought, Agent: res.Agent, Stage: stage,
			Message: fmt.Sprintf("recovered after %d retries", inv.Retries),
		})
	}
	o.finishStage(rc, res)
	return res
}

func (o *Orchestrator) finishStage(rc *RunContext, res domain.StageResult) {
	msg := res.Outcome.Detail
	if res.Outcome.Kind == domain.OutcomeSkipped {
		msg = res.Outcome.Reason
	}
	o.publish(rc, domain.StageEvent{
		Type:    domain.EventStageFinished,
		Agent:   res.Agent,
		Stage:   res.Stage,
		Outcome: res.Outcome.Kind,
		Message: msg,
	})
}

func (o *Orchestrator) skipped(stage domain.Stage, agent string, optional bool, reason string) domain.StageResult {
	now := o.now()
	res := domain.StageResult{
		Agent:      agent,
		Stage:      stage,
		Optional:   optional,
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    domain.Skipped(reason),
	}
	return res
}

// groupDeadline: общий дедлайн группы, не позже дедлайна запуска.
func (o *Orchestrator) groupDeadline(rc *RunContext, d time.Duration) time.Time {
	if d <= 0 {
		return rc.Deadline
	}
	if t := o.now().Add(d); t.Before(rc.Deadline) {
		return t
	}
	return rc.Deadline
}

func (o *Orchestrator) publish(rc *RunContext, ev domain.StageEvent) {
	if o.emitter == nil {
		return
	}
	o.emitter.Publish(rc.RequestID, ev)
}
