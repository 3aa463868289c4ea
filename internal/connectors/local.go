package connectors

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
)

// Локальные агенты — детерминированные заглушки для разработки и тестов.
// Настоящие NLU/SQL/визуализация подключаются через gRPC.

// Table: описание таблицы призмы в JSON-совместимом виде.
type Table struct {
	Name    string
	Columns []string
}

// DefaultCatalog: схема демо-призм.
var DefaultCatalog = map[string][]Table{
	"sales_db": {
		{Name: "orders", Columns: []string{"id", "region", "amount", "created_at"}},
		{Name: "customers", Columns: []string{"id", "name", "region"}},
	},
	"hr_db": {
		{Name: "employees", Columns: []string{"id", "name", "department", "salary"}},
	},
}

// Options: общие настройки заглушек.
type Options struct {
	Latency    time.Duration // Имитация задержки
	FailFirst  int           // Первые N вызовов возвращают транзиентную ошибку
	Confidence float64       // Для SQL-генераторов
	Catalog    map[string][]Table
}

type localAgent struct {
	name  string
	opts  Options
	calls atomic.Int64
	fn    func(req domain.AgentRequest, opts Options) (domain.AgentResponse, error)
}

// NewLocalAgent возвращает заглушку для вида агента. Исполнение и монитор
// собираются отдельно (executor.ExecutionAgent, events.History).
func NewLocalAgent(name string, kind domain.Stage, opts Options) (Handler, error) {
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog
	}
	if opts.Confidence == 0 {
		opts.Confidence = 0.8
	}
	a := &localAgent{name: name, opts: opts}
	switch kind {
	case domain.StageNLU:
		a.fn = understand
	case domain.StageSchema:
		a.fn = describeSchema
	case domain.StageSQL:
		a.fn = generateSQL
	case domain.StageVisualization:
		a.fn = visualize
	case domain.StageLookup:
		a.fn = lookupGlossary
	default:
		return nil, fmt.Errorf("no local implementation for agent kind %q", kind)
	}
	return a, nil
}

func (a *localAgent) Name() string { return a.name }

func (a *localAgent) Handle(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	if a.opts.Latency > 0 {
		select {
		case <-time.After(a.opts.Latency):
		case <-ctx.Done():
			return domain.AgentResponse{}, ctx.Err()
		}
	}
	if n := a.calls.Add(1); n <= int64(a.opts.FailFirst) {
		return domain.AgentResponse{}, fmt.Errorf("%w: %s warming up (call %d)", domain.ErrTransient, a.name, n)
	}
	return a.fn(req, a.opts)
}

var (
	byPattern  = regexp.MustCompile(`\bby\s+([a-z_]+)`)
	metricWord = map[string]string{
		"sales": "amount", "revenue": "amount", "amount": "amount", "total": "amount",
		"salary": "salary", "salaries": "salary", "payroll": "salary",
	}
)

// understand извлекает из запроса намерение, измерение и метрику.
func understand(req domain.AgentRequest, _ Options) (domain.AgentResponse, error) {
	q := strings.ToLower(req.Query)
	tokens := strings.Fields(q)
	payload := map[string]any{"intent": "list", "tokens": toAnySlice(tokens)}

	if m := byPattern.FindStringSubmatch(q); m != nil {
		payload["dimension"] = m[1]
		payload["intent"] = "aggregate"
	}
	for _, t := range tokens {
		if metric, ok := metricWord[strings.Trim(t, ",.?!")]; ok {
			payload["metric"] = metric
			break
		}
	}
	return domain.AgentResponse{Payload: payload}, nil
}

func describeSchema(req domain.AgentRequest, opts Options) (domain.AgentResponse, error) {
	tables, ok := opts.Catalog[req.Resource]
	if !ok {
		return domain.AgentResponse{}, fmt.Errorf("unknown prism %q", req.Resource)
	}
	out := make([]any, 0, len(tables))
	for _, t := range tables {
		out = append(out, map[string]any{"name": t.Name, "columns": toAnySlice(t.Columns)})
	}
	return domain.AgentResponse{Payload: map[string]any{"resource": req.Resource, "tables": out}}, nil
}

// generateSQL строит запрос из выходов NLU и Schema.
func generateSQL(req domain.AgentRequest, opts Options) (domain.AgentResponse, error) {
	nlu := asMap(req.Input[string(domain.StageNLU)])
	schema := asMap(req.Input[string(domain.StageSchema)])
	tables := asSlice(schema["tables"])
	if len(tables) == 0 {
		return domain.AgentResponse{}, fmt.Errorf("no schema for %q", req.Resource)
	}

	dimension, _ := nlu["dimension"].(string)
	metric, _ := nlu["metric"].(string)
	table := asMap(tables[0])
	for _, t := range tables {
		if cols := asSlice(asMap(t)["columns"]); contains(cols, dimension) && (metric == "" || contains(cols, metric)) {
			table = asMap(t)
			break
		}
	}
	name, _ := table["name"].(string)
	cols := asSlice(table["columns"])

	var stmt string
	if nlu["intent"] == "aggregate" && contains(cols, dimension) {
		if metric != "" && contains(cols, metric) {
			stmt = fmt.Sprintf("SELECT %s, SUM(%s) AS total FROM %s GROUP BY %s ORDER BY total DESC", dimension, metric, name, dimension)
		} else {
			stmt = fmt.Sprintf("SELECT %s, COUNT(*) AS total FROM %s GROUP BY %s ORDER BY total DESC", dimension, name, dimension)
		}
	} else {
		stmt = fmt.Sprintf("SELECT * FROM %s LIMIT 100", name)
	}

	return domain.AgentResponse{
		Payload:    map[string]any{"statement": stmt, "dialect": "postgres"},
		Confidence: domain.Confidence(opts.Confidence),
	}, nil
}

// visualize: две колонки с числом во второй — столбчатая диаграмма, иначе таблица.
func visualize(req domain.AgentRequest, _ Options) (domain.AgentResponse, error) {
	exec := asMap(req.Input[string(domain.StageExecution)])
	columns := asSlice(exec["columns"])
	rows := asSlice(exec["rows"])

	chart := map[string]any{"type": "table", "columns": columns}
	if len(columns) == 2 && len(rows) > 0 {
		if first := asSlice(rows[0]); len(first) == 2 && isNumber(first[1]) {
			chart = map[string]any{"type": "bar", "x": columns[0], "y": columns[1]}
		}
	}
	chart["points"] = len(rows)
	return domain.AgentResponse{Payload: map[string]any{"chart": chart}}, nil
}

func lookupGlossary(req domain.AgentRequest, _ Options) (domain.AgentResponse, error) {
	hits := map[string]any{}
	for _, t := range strings.Fields(strings.ToLower(req.Query)) {
		if metric, ok := metricWord[strings.Trim(t, ",.?!")]; ok {
			hits[t] = metric
		}
	}
	return domain.AgentResponse{Payload: map[string]any{"synonyms": hits}}, nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func contains(items []any, want string) bool {
	if want == "" {
		return false
	}
	for _, it := range items {
		if s, ok := it.(string); ok && s == want {
			return true
		}
	}
	return false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}
