package breaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry: явная карта предохранителей на процесс. Создается при старте
// и передается в адаптер и оркестратор, глобальных синглтонов нет.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Settings
	onChange StateChangeFunc
	logger   *zap.Logger
}

func NewRegistry(defaults Settings, onChange StateChangeFunc, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults.withDefaults(),
		onChange: onChange,
		logger:   logger.Named("breaker"),
	}
}

// Register создает предохранитель агента; нулевые поля берутся из умолчаний.
// Повторная регистрация возвращает существующий экземпляр.
func (r *Registry) Register(name string, s Settings) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = r.defaults.FailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = r.defaults.ResetTimeout
	}
	b := New(name, s, r.onChange, r.logger)
	r.breakers[name] = b
	return b
}

func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshots: состояние всех предохранителей, отсортированное по имени.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
