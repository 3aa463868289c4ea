package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"golang.org/x/sync/errgroup"
)

// coordinate: независимые стадии (NLU, Schema, lookup) идут параллельно
// с общим дедлайном, затем SQL -> Execution -> Visualization на их объединенном выходе.
// Опоздавшая стадия получает Failure{Timeout}, соседей это не прерывает.
func (o *Orchestrator) coordinate(ctx context.Context, rc *RunContext) {
	var jobs []AgentSpec
	for _, stage := range []domain.Stage{domain.StageNLU, domain.StageSchema} {
		if specs := o.roster.ByKind(stage); len(specs) > 0 {
			jobs = append(jobs, specs[0])
		} else {
			rc.record(o.unconfigured(rc, stage))
		}
	}
	if rc.failed() {
		return
	}
	jobs = append(jobs, o.roster.ByKind(domain.StageLookup)...)

	slots := o.fanOut(ctx, rc, jobs, o.groupDeadline(rc, o.cfg.CoordinateDeadline))
	for _, res := range slots {
		rc.record(res)
	}

	o.sequence(ctx, rc, domain.StageSQL, domain.StageExecution, domain.StageVisualization)
}

// collaborate: SQL генерируют все кандидаты параллельно до дедлайна группы.
// Побеждает максимальная уверенность, при равенстве — кто закончил раньше.
func (o *Orchestrator) collaborate(ctx context.Context, rc *RunContext) {
	if !o.sequence(ctx, rc, domain.StageNLU, domain.StageSchema) {
		return
	}

	candidates := o.roster.ByKind(domain.StageSQL)
	started := o.now()
	slots := o.fanOut(ctx, rc, candidates, o.groupDeadline(rc, o.cfg.CollaborateDeadline))

	// Кандидаты попадают в трейс, но их отказы не влияют на статус
	rc.Stages = append(rc.Stages, slots...)

	winner := pickCandidate(slots)
	if winner < 0 {
		err := fmt.Errorf("%w: %d candidates, none succeeded [%s]", domain.ErrNoConsensus, len(candidates), candidateFailures(slots))
		if ctx.Err() == context.Canceled {
			err = fmt.Errorf("%w: during sql collaboration", domain.ErrCancelled)
		}
		rc.record(domain.StageResult{
			Agent:      "collaborate",
			Stage:      domain.StageSQL,
			StartedAt:  started,
			FinishedAt: o.now(),
			Outcome:    domain.Failure(err),
		})
		return
	}

	best := slots[winner]
	rc.accept(best)
	o.publish(rc, domain.StageEvent{
		Type:    domain.EventStageThought,
		Agent:   best.Agent,
		Stage:   domain.StageSQL,
		Message: fmt.Sprintf("selected %s with confidence %.2f of %d candidates", best.Agent, confidence(best), len(candidates)),
	})

	o.sequence(ctx, rc, domain.StageExecution, domain.StageVisualization)
}

// fanOut запускает стадии параллельно. Каждая горутина пишет только в свой слот.
func (o *Orchestrator) fanOut(ctx context.Context, rc *RunContext, jobs []AgentSpec, deadline time.Time) []domain.StageResult {
	slots := make([]domain.StageResult, len(jobs))
	var g errgroup.Group
	for i, spec := range jobs {
		input := rc.inputs()
		g.Go(func() error {
			slots[i] = o.runStage(ctx, rc, spec, input, deadline)
			return nil
		})
	}
	_ = g.Wait()
	return slots
}

// pickCandidate возвращает индекс победителя или -1.
func pickCandidate(slots []domain.StageResult) int {
	idx := make([]int, 0, len(slots))
	for i, s := range slots {
		if !s.Outcome.Succeeded() {
			continue
		}
		if stmt, _ := s.Outcome.Payload["statement"].(string); stmt == "" {
			continue
		}
		idx = append(idx, i)
	}
	if len(idx) == 0 {
		return -1
	}
	sort.SliceStable(idx, func(a, b int) bool {
		x, y := slots[idx[a]], slots[idx[b]]
		if cx, cy := confidence(x), confidence(y); cx != cy {
			return cx > cy
		}
		return x.FinishedAt.Before(y.FinishedAt)
	})
	return idx[0]
}

// candidateFailures: "agent=kind" по каждому кандидату, чтобы отличить
// общий BreakerOpen или PermissionDenied от разнобоя.
func candidateFailures(slots []domain.StageResult) string {
	parts := make([]string, 0, len(slots))
	for _, s := range slots {
		kind := string(s.Outcome.ErrorKind)
		if s.Outcome.Succeeded() {
			kind = "EmptyStatement"
		}
		parts = append(parts, s.Agent+"="+kind)
	}
	return strings.Join(parts, ", ")
}

func confidence(s domain.StageResult) float64 {
	if s.Outcome.Confidence == nil {
		return 0
	}
	return *s.Outcome.Confidence
}
