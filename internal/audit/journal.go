package audit

/*
Journal — асинхронный журнал завершенных запусков.

- Non-blocking: Record не ждет базу; при переполнении буфера запись
  сбрасывается (Load Shedding) и остается только в логе.
- Batching: записи копятся в памяти и уходят в хранилище одной вставкой
  по таймеру или при достижении размера пачки.
- Drain: Stop закрывает вход, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xela07ax/prismdb-orchestrator/internal/engine"
	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняется журнал.
type Storage interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []RunRecord) error
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	return c
}

type Journal struct {
	ch     chan RunRecord
	repo   Storage
	cfg    Config
	fill   prometheus.Gauge // Заполненность буфера, может быть nil
	logger *zap.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex // Защищает отправку в ch от close в Stop
	closed bool
}

func NewJournal(repo Storage, cfg Config, fill prometheus.Gauge, logger *zap.Logger) *Journal {
	cfg = cfg.withDefaults()
	return &Journal{
		ch:     make(chan RunRecord, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		fill:   fill,
		logger: logger.With(zap.String("mod", "journal")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход и ждет, пока воркер всё допишет.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

// Record реализует engine.Journal.
func (j *Journal) Record(res engine.Result) {
	rec := FromResult(res)

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("run record dropped: journal is stopping", zap.String("request_id", rec.RequestID))
		return
	}

	select {
	case j.ch <- rec:
		j.observeFill()
	default:
		// Backpressure: в базу не попадет, оставляем след в логе
		j.logger.Error("journal_buffer_overflow",
			zap.String("request_id", rec.RequestID),
			zap.String("subject", rec.Subject),
			zap.String("status", rec.Status),
		)
	}
}

func (j *Journal) observeFill() {
	if j.fill != nil {
		j.fill.Set(float64(len(j.ch)))
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]RunRecord, 0, j.cfg.BatchSize)
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		j.observeFill()
		if len(batch) == 0 {
			return
		}
		// Background: контекст сервиса к этому моменту может быть отменен
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := j.repo.WriteBatch(ctx, batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop: остаток уже вычитан
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= j.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
