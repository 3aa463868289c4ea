package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
)

// Agent: единственный контракт между ядром и агентами. Ядро не знает,
// локальный это агент или удаленный.
type Agent interface {
	Name() string
	Handle(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error)
}

// AgentSpec: агент и его настройки из реестра.
type AgentSpec struct {
	Agent    Agent
	Kind     domain.Stage
	Optional bool          // Отказ переводит запуск в PartiallyFailed, а не Failed
	Attempts int           // Всего попыток, включая первую
	Timeout  time.Duration // На одну попытку; 0 — только дедлайн стадии
}

func (s AgentSpec) Name() string { return s.Agent.Name() }

// Roster: реестр агентов, собирается один раз при старте.
type Roster struct {
	mu     sync.RWMutex
	byName map[string]AgentSpec
	order  []string // порядок регистрации
}

func NewRoster() *Roster {
	return &Roster{byName: make(map[string]AgentSpec)}
}

func (r *Roster) Add(spec AgentSpec) error {
	if spec.Agent == nil {
		return fmt.Errorf("agent spec without agent")
	}
	if !spec.Kind.Valid() {
		return fmt.Errorf("agent %s: unknown kind %q", spec.Name(), spec.Kind)
	}
	if spec.Attempts < 1 {
		spec.Attempts = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	name := spec.Name()
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("agent %s already registered", name)
	}
	r.byName[name] = spec
	r.order = append(r.order, name)
	return nil
}

func (r *Roster) Get(name string) (AgentSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// ByKind: агенты вида в порядке регистрации.
func (r *Roster) ByKind(kind domain.Stage) []AgentSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []AgentSpec
	for _, name := range r.order {
		if s := r.byName[name]; s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (r *Roster) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}
