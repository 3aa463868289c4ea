// Package events — публикация прогресса стадий подписчикам.
//
// Publish никогда не блокирует оркестратор: у каждой подписки свой
// ограниченный буфер, при переполнении выбрасывается самое старое событие.
// События, опубликованные до подписки, не воспроизводятся.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
)

const DefaultBufferSize = 64

// Subscription: ленивый поток событий. Закрывается вызовом Close.
type Subscription struct {
	C <-chan domain.StageEvent

	ch        chan domain.StageEvent
	mu        sync.Mutex
	closed    bool
	dropped   atomic.Int64
	requestID string // пустой — подписка на все запуски
	emitter   *Emitter
}

// offer кладет событие, вытесняя самое старое при полном буфере.
func (s *Subscription) offer(ev domain.StageEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	dropped := false
	for {
		select {
		case s.ch <- ev:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
			s.dropped.Add(1)
		default:
		}
	}
}

// Dropped: сколько событий вытеснено из этой подписки.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) Close() {
	s.emitter.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type Emitter struct {
	mu         sync.RWMutex
	byRequest  map[string]map[*Subscription]struct{}
	all        map[*Subscription]struct{}
	bufferSize int
	onDrop     func()
	now        func() time.Time
}

// NewEmitter; onDrop (может быть nil) вызывается на каждое вытесненное событие.
func NewEmitter(bufferSize int, onDrop func()) *Emitter {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Emitter{
		byRequest:  make(map[string]map[*Subscription]struct{}),
		all:        make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
		onDrop:     onDrop,
		now:        time.Now,
	}
}

// Subscribe: поток событий одного запуска.
func (e *Emitter) Subscribe(requestID string) *Subscription {
	return e.subscribe(requestID, e.bufferSize)
}

// SubscribeAll: поток событий всех запусков (монитор, ретрансляция).
func (e *Emitter) SubscribeAll(bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = e.bufferSize
	}
	return e.subscribe("", bufferSize)
}

func (e *Emitter) subscribe(requestID string, size int) *Subscription {
	ch := make(chan domain.StageEvent, size)
	sub := &Subscription{C: ch, ch: ch, requestID: requestID, emitter: e}

	e.mu.Lock()
	defer e.mu.Unlock()
	if requestID == "" {
		e.all[sub] = struct{}{}
		return sub
	}
	set, ok := e.byRequest[requestID]
	if !ok {
		set = make(map[*Subscription]struct{})
		e.byRequest[requestID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (e *Emitter) remove(sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sub.requestID == "" {
		delete(e.all, sub)
		return
	}
	if set, ok := e.byRequest[sub.requestID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(e.byRequest, sub.requestID)
		}
	}
}

// Publish: fire-and-forget.
func (e *Emitter) Publish(requestID string, ev domain.StageEvent) {
	ev.RequestID = requestID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	e.mu.RLock()
	targets := make([]*Subscription, 0, len(e.byRequest[requestID])+len(e.all))
	for sub := range e.byRequest[requestID] {
		targets = append(targets, sub)
	}
	for sub := range e.all {
		targets = append(targets, sub)
	}
	e.mu.RUnlock()

	for _, sub := range targets {
		if sub.offer(ev) && e.onDrop != nil {
			e.onDrop()
		}
	}
}

// CloseRun закрывает подписки завершившегося запуска, чтобы стримы увидели конец.
func (e *Emitter) CloseRun(requestID string) {
	e.mu.RLock()
	subs := make([]*Subscription, 0, len(e.byRequest[requestID]))
	for sub := range e.byRequest[requestID] {
		subs = append(subs, sub)
	}
	e.mu.RUnlock()

	for _, sub := range subs {
		sub.Close()
	}
}
