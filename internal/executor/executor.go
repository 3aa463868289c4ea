// Package executor — исполнитель запросов к призмам и его защита.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/policy"
)

// Rows: результат запроса в JSON-совместимом виде.
type Rows struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowsAffected int64    `json:"rows_affected"`
}

// QueryExecutor: граница с драйверами баз данных.
type QueryExecutor interface {
	Execute(ctx context.Context, resource, statement string, params []any) (*Rows, error)
}

// SQLExecutor держит пул соединений на каждую призму.
type SQLExecutor struct {
	dbs map[string]*sql.DB
}

// PoolConfig: параметры пулов database/sql.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open открывает пулы pgx по DSN из конфигурации (resource -> DSN).
func Open(prisms map[string]string, pc PoolConfig) (*SQLExecutor, error) {
	dbs := make(map[string]*sql.DB, len(prisms))
	for resource, dsn := range prisms {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			for _, opened := range dbs {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("open prism %s: %w", resource, err)
		}
		db.SetMaxOpenConns(pc.MaxOpenConns)
		db.SetMaxIdleConns(pc.MaxIdleConns)
		db.SetConnMaxLifetime(pc.ConnMaxLifetime)
		dbs[resource] = db
	}
	return NewSQLExecutor(dbs), nil
}

func NewSQLExecutor(dbs map[string]*sql.DB) *SQLExecutor {
	return &SQLExecutor{dbs: dbs}
}

// Ping проверяет все призмы при старте.
func (e *SQLExecutor) Ping(ctx context.Context) error {
	for resource, db := range e.dbs {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("prism %s unreachable: %w", resource, err)
		}
	}
	return nil
}

func (e *SQLExecutor) Close() error {
	for _, db := range e.dbs {
		_ = db.Close()
	}
	return nil
}

// Execute: операторы чтения идут через Query, остальные через Exec.
// Любая ошибка оборачивается в domain.ExecutionError.
func (e *SQLExecutor) Execute(ctx context.Context, resource, statement string, params []any) (*Rows, error) {
	db, ok := e.dbs[resource]
	if !ok {
		return nil, &domain.ExecutionError{Resource: resource, Err: fmt.Errorf("prism is not configured")}
	}

	if policy.Classify(statement) != domain.PermissionRead {
		res, err := db.ExecContext(ctx, statement, params...)
		if err != nil {
			return nil, &domain.ExecutionError{Resource: resource, Err: err}
		}
		affected, _ := res.RowsAffected()
		return &Rows{Columns: []string{}, Rows: [][]any{}, RowsAffected: affected}, nil
	}

	rows, err := db.QueryContext(ctx, statement, params...)
	if err != nil {
		return nil, &domain.ExecutionError{Resource: resource, Err: err}
	}
	defer rows.Close()

	out, err := scan(rows)
	if err != nil {
		return nil, &domain.ExecutionError{Resource: resource, Err: err}
	}
	return out, nil
}

func scan(rows *sql.Rows) (*Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &Rows{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, vals)
	}
	return out, rows.Err()
}
