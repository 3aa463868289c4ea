package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/engine"
	"go.uber.org/zap"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]RunRecord
	err     error
}

func (m *memStorage) WriteBatch(_ context.Context, records []RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]RunRecord(nil), records...))
	return m.err
}

func (m *memStorage) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func result(id string) engine.Result {
	start := time.Now()
	return engine.Result{
		RequestID: id,
		Mode:      domain.ModeRoute,
		Status:    domain.RunFailed,
		Subject:   "analyst-1",
		Resource:  "sales_db",
		Query:     "Show total sales by region",
		Stages: []domain.StageResult{
			{Agent: "nlu", Stage: domain.StageNLU, Outcome: domain.Success(map[string]any{"intent": "aggregate"}, nil)},
			{Agent: "schema", Stage: domain.StageSchema, Outcome: domain.Failure(domain.ErrPermissionDenied)},
		},
		Error:      &engine.RunError{Kind: domain.KindPermissionDenied, Stage: domain.StageSchema, Agent: "schema", Detail: "denied"},
		StartedAt:  start,
		FinishedAt: start.Add(120 * time.Millisecond),
	}
}

func TestFromResultDropsStageOutputs(t *testing.T) {
	res := result("r1")
	rec := FromResult(res)

	assert.Equal(t, "r1", rec.RequestID)
	assert.Equal(t, "Failed", rec.Status)
	assert.Equal(t, "PermissionDenied", rec.ErrorKind)
	assert.Equal(t, int64(120), rec.DurationMs)
	require.Len(t, rec.Stages, 2)
	assert.Nil(t, rec.Stages[0].Outcome.Payload)
	assert.NotNil(t, res.Stages[0].Outcome.Payload, "source result is untouched")
}

func TestJournalBatchesAndDrainsOnStop(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(store, Config{BufferSize: 100, BatchSize: 2, FlushInterval: time.Hour}, nil, zap.NewNop())
	j.Start()

	for _, id := range []string{"r1", "r2", "r3"} {
		j.Record(result(id))
	}
	assert.Eventually(t, func() bool { return store.total() == 2 }, time.Second, 5*time.Millisecond, "full batch flushes")

	j.Stop()
	assert.Equal(t, 3, store.total(), "remainder flushed on stop")

	j.Record(result("late"))
	j.Stop()
	assert.Equal(t, 3, store.total())
}

func TestJournalFlushesOnTicker(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(store, Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, nil, zap.NewNop())
	j.Start()
	defer j.Stop()

	j.Record(result("r1"))
	assert.Eventually(t, func() bool { return store.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestJournalShedsLoadWhenFull(t *testing.T) {
	store := &memStorage{}
	fill := prometheus.NewGauge(prometheus.GaugeOpts{Name: "fill"})
	j := NewJournal(store, Config{BufferSize: 2, BatchSize: 10, FlushInterval: time.Hour}, fill, zap.NewNop())

	// Воркер не запущен: буфер не разгружается
	for _, id := range []string{"r1", "r2", "r3"} {
		j.Record(result(id))
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(fill))

	j.Start()
	j.Stop()
	assert.Equal(t, 2, store.total())
	assert.Equal(t, float64(0), testutil.ToFloat64(fill))
}

func TestJournalSurvivesStorageErrors(t *testing.T) {
	store := &memStorage{err: errors.New("connection refused")}
	j := NewJournal(store, Config{BatchSize: 1}, nil, zap.NewNop())
	j.Start()

	j.Record(result("r1"))
	j.Record(result("r2"))
	j.Stop()
	assert.Equal(t, 2, store.total())
}
