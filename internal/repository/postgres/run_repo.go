package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"github.com/xela07ax/prismdb-orchestrator/internal/audit"
)

//go:embed schema.sql
var schema string

// RunRepo: журнал запусков в PostgreSQL.
type RunRepo struct {
	db *sql.DB
}

func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{db: db}
}

// OpenRunRepo открывает пул через драйвер pgx. Соединение проверяется в main через Ping.
func OpenRunRepo(connString string, maxConns int) (*RunRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open journal: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &RunRepo{db: db}, nil
}

func (r *RunRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *RunRepo) Close() error { return r.db.Close() }

// Migrate создает таблицу журнала, если ее нет.
func (r *RunRepo) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Количество колонок в prism_runs, участвующих во вставке
const runFields = 12

// WriteBatch вставляет пачку одной командой. Повтор того же request_id игнорируется.
func (r *RunRepo) WriteBatch(ctx context.Context, records []audit.RunRecord) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]any, 0, len(records)*runFields)

	// Динамически строим запрос для пакетной вставки
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		p := i * runFields
		sb.WriteString("(")
		for f := 1; f <= runFields; f++ {
			if f > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", p+f)
		}
		sb.WriteString(")")

		stages, err := json.Marshal(rec.Stages)
		if err != nil {
			return fmt.Errorf("postgres: encode stages of %s: %w", rec.RequestID, err)
		}
		vals = append(vals,
			rec.RequestID, rec.Subject, rec.Mode, rec.Resource, rec.Query,
			rec.Status, rec.ErrorKind, rec.Error, stages,
			rec.StartedAt, rec.FinishedAt, rec.DurationMs,
		)
	}

	query := "INSERT INTO prism_runs (request_id, subject, mode, resource, query, status, error_kind, error, stages, started_at, finished_at, duration_ms) VALUES " +
		sb.String() + " ON CONFLICT (request_id) DO NOTHING"

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write %d runs: %w", len(records), err)
	}
	return nil
}

// RunStats: сводка для консоли за окно.
type RunStats struct {
	Window      string           `json:"window"`
	Total       int64            `json:"total"`
	ByStatus    map[string]int64 `json:"by_status"`
	ByErrorKind map[string]int64 `json:"by_error_kind"`
	P95Ms       float64          `json:"p95_ms"`
	RPS         float64          `json:"rps"`
}

// Stats считает запуски за последние window.
func (r *RunRepo) Stats(ctx context.Context, window time.Duration) (*RunStats, error) {
	since := time.Now().Add(-window)
	s := &RunStats{
		Window:      window.String(),
		ByStatus:    make(map[string]int64),
		ByErrorKind: make(map[string]int64),
	}

	// 1. Объем и честный P95 по длительности
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY duration_ms), 0)
		FROM prism_runs
		WHERE finished_at > $1`, since).Scan(&s.Total, &s.P95Ms)
	if err != nil {
		return nil, fmt.Errorf("postgres: run totals: %w", err)
	}
	if secs := window.Seconds(); secs > 0 {
		s.RPS = float64(s.Total) / secs
	}

	// 2. Разбивка по статусу и виду ошибки
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, error_kind, COUNT(*)
		FROM prism_runs
		WHERE finished_at > $1
		GROUP BY status, error_kind`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: run breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, kind string
		var n int64
		if err := rows.Scan(&status, &kind, &n); err != nil {
			return nil, err
		}
		s.ByStatus[status] += n
		if kind != "" {
			s.ByErrorKind[kind] += n
		}
	}
	return s, rows.Err()
}

// RunFilter: фильтры выборки журнала. Пустые поля не ограничивают.
type RunFilter struct {
	Subject string
	Status  string
	Limit   int
}

const maxFetchRuns = 500

// FetchRuns возвращает последние запуски, новые первыми.
func (r *RunRepo) FetchRuns(ctx context.Context, f RunFilter) ([]audit.RunRecord, error) {
	if f.Limit <= 0 || f.Limit > maxFetchRuns {
		f.Limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT request_id, subject, mode, resource, query, status, error_kind, error, stages, started_at, finished_at, duration_ms
		FROM prism_runs
		WHERE ($1 = '' OR subject = $1) AND ($2 = '' OR status = $2)
		ORDER BY finished_at DESC
		LIMIT $3`, f.Subject, f.Status, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch runs: %w", err)
	}
	defer rows.Close()

	out := make([]audit.RunRecord, 0)
	for rows.Next() {
		var rec audit.RunRecord
		var stages []byte
		if err := rows.Scan(
			&rec.RequestID, &rec.Subject, &rec.Mode, &rec.Resource, &rec.Query,
			&rec.Status, &rec.ErrorKind, &rec.Error, &stages,
			&rec.StartedAt, &rec.FinishedAt, &rec.DurationMs,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(stages, &rec.Stages); err != nil {
			return nil, fmt.Errorf("postgres: decode stages of %s: %w", rec.RequestID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
