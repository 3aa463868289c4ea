// Package breaker — предохранители агентов.
//
// Каждый агент получает свой Breaker: Closed -> Open после FailureThreshold
// ошибок подряд -> HalfOpen по истечении ResetTimeout (ровно один пробный вызов)
// -> Closed при успехе пробы или снова Open при ошибке.
// Все переходы выполняются под мьютексом предохранителя.
package breaker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"go.uber.org/zap"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultResetTimeout
	}
	return s
}

// Snapshot: CircuitBreakerState для наблюдения извне.
type Snapshot struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	FailureThreshold    int           `json:"failure_threshold"`
	ResetTimeout        time.Duration `json:"reset_timeout"`
}

// StateChangeFunc вызывается вне мьютекса предохранителя.
type StateChangeFunc func(name string, from, to State)

type Breaker struct {
	name     string
	settings Settings
	onChange StateChangeFunc
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	trialBusy  bool
	generation uint64
}

func New(name string, settings Settings, onChange StateChangeFunc, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		onChange: onChange,
		logger:   logger.With(zap.String("breaker", name)),
		now:      time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

// Allow решает, можно ли звать агента. Вызывающий обязан закрыть Ticket
// ровно одним из Success/Failure/Cancel.
func (b *Breaker) Allow() (*Ticket, error) {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	switch b.state {
	case StateClosed:
		return &Ticket{b: b, generation: b.generation}, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.settings.ResetTimeout {
			return nil, b.openErr()
		}
		changed = b.transition(StateHalfOpen, "reset timeout elapsed")
		b.trialBusy = true
		return &Ticket{b: b, generation: b.generation, trial: true}, nil

	case StateHalfOpen:
		if b.trialBusy {
			return nil, fmt.Errorf("%w: %s half-open trial in flight", domain.ErrBreakerOpen, b.name)
		}
		b.trialBusy = true
		return &Ticket{b: b, generation: b.generation, trial: true}, nil
	}
	return nil, fmt.Errorf("%w: %s unknown state %d", domain.ErrBreakerOpen, b.name, b.state)
}

func (b *Breaker) openErr() error {
	retryIn := b.settings.ResetTimeout - b.now().Sub(b.openedAt)
	return fmt.Errorf("%w: %s after %d consecutive failures, retry in %v",
		domain.ErrBreakerOpen, b.name, b.failures, retryIn.Round(time.Millisecond))
}

func (b *Breaker) onSuccess(t *Ticket) {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	if t.generation != b.generation {
		return // результат из прошлого поколения состояния
	}
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if t.trial {
			b.failures = 0
			b.trialBusy = false
			changed = b.transition(StateClosed, "trial call succeeded")
		}
	}
}

func (b *Breaker) onFailure(t *Ticket) {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	if t.generation != b.generation {
		return
	}
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.openedAt = b.now()
			changed = b.transition(StateOpen, fmt.Sprintf("%d consecutive failures", b.failures))
		}
	case StateHalfOpen:
		if t.trial {
			b.failures++
			b.trialBusy = false
			b.openedAt = b.now()
			changed = b.transition(StateOpen, "trial call failed")
		}
	}
}

// onCancel не меняет счетчики: отмена клиентом не говорит о здоровье агента.
// Пробный слот освобождается, чтобы следующий вызов мог стать пробой.
func (b *Breaker) onCancel(t *Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation == b.generation && b.state == StateHalfOpen && t.trial {
		b.trialBusy = false
	}
}

// transition вызывается под мьютексом, уведомление возвращается для вызова после Unlock.
func (b *Breaker) transition(to State, reason string) func() {
	from := b.state
	b.state = to
	b.generation++
	b.logger.Info("breaker state change",
		zap.Stringer("from", from), zap.Stringer("to", to),
		zap.String("reason", reason), zap.Int("failures", b.failures))
	if b.onChange == nil {
		return nil
	}
	name, cb := b.name, b.onChange
	return func() { cb(name, from, to) }
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.settings.FailureThreshold,
		ResetTimeout:        b.settings.ResetTimeout,
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// Ticket: разрешение на один вызов. Повторные отчеты игнорируются.
type Ticket struct {
	b          *Breaker
	generation uint64
	trial      bool
	reported   atomic.Bool
}

func (t *Ticket) Trial() bool { return t.trial }

func (t *Ticket) Success() {
	if t.reported.CompareAndSwap(false, true) {
		t.b.onSuccess(t)
	}
}

func (t *Ticket) Failure() {
	if t.reported.CompareAndSwap(false, true) {
		t.b.onFailure(t)
	}
}

func (t *Ticket) Cancel() {
	if t.reported.CompareAndSwap(false, true) {
		t.b.onCancel(t)
	}
}
