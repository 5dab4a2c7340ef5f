// Package analytics holds the domain.EventSink implementations. Emit never
// blocks or fails the caller.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
	"github.com/AnalineS/roteirosdedispersacao/internal/observability"
)

// Nop discards events.
type Nop struct{}

func (Nop) Emit(domain.Event) {}

// Log writes every event as one structured log line.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = observability.Logger()
	}
	return &Log{logger: logger.With("component", "analytics")}
}

func (l *Log) Emit(ev domain.Event) {
	l.logger.Info("event",
		"category", ev.Category,
		"action", ev.Action,
		"label", ev.Label,
		"value", ev.Value)
}

// Key identifies an aggregated counter.
type Key struct {
	Category string `json:"category"`
	Action   string `json:"action"`
}

// Total is the aggregate of all events sharing a Key.
type Total struct {
	Key
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
}

// Counter aggregates events in memory.
type Counter struct {
	mu     sync.Mutex
	totals map[Key]*Total
}

func NewCounter() *Counter {
	return &Counter{totals: make(map[Key]*Total)}
}

func (c *Counter) Emit(ev domain.Event) {
	k := Key{Category: ev.Category, Action: ev.Action}
	c.mu.Lock()
	t, ok := c.totals[k]
	if !ok {
		t = &Total{Key: k}
		c.totals[k] = t
	}
	t.Count++
	t.Sum += ev.Value
	c.mu.Unlock()
}

// Snapshot returns a copy of every total.
func (c *Counter) Snapshot() []Total {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Total, 0, len(c.totals))
	for _, t := range c.totals {
		out = append(out, *t)
	}
	return out
}

// Count returns the number of events seen for category/action.
func (c *Counter) Count(category, action string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.totals[Key{Category: category, Action: action}]; ok {
		return t.Count
	}
	return 0
}

// Fanout forwards each event to every sink.
type Fanout []domain.EventSink

func (f Fanout) Emit(ev domain.Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// Async decouples emitters from a slow sink. Events are queued on a buffered
// channel and dropped when it is full.
type Async struct {
	next    domain.EventSink
	ch      chan domain.Event
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
	closed  atomic.Bool
	dropped atomic.Int64
	panics  atomic.Int64
}

const defaultBuffer = 256

func NewAsync(next domain.EventSink, buffer int) *Async {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if next == nil {
		next = Nop{}
	}
	return &Async{
		next: next,
		ch:   make(chan domain.Event, buffer),
		done: make(chan struct{}),
	}
}

// Start drains the queue until ctx is done or Close is called.
func (a *Async) Start(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(a.done)
		for {
			select {
			case <-ctx.Done():
				a.drain()
				return
			case ev, ok := <-a.ch:
				if !ok {
					return
				}
				a.deliver(ev)
			}
		}
	}()
}

func (a *Async) Emit(ev domain.Event) {
	if a.closed.Load() {
		a.dropped.Add(1)
		return
	}
	defer func() {
		// send on a channel closed concurrently
		if recover() != nil {
			a.dropped.Add(1)
		}
	}()
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.ch)
	})
	if a.started.Load() {
		<-a.done
	}
}

// Dropped is the number of events lost to a full or closed queue.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Panics is the number of deliveries the downstream sink panicked on.
func (a *Async) Panics() int64 { return a.panics.Load() }

func (a *Async) drain() {
	for {
		select {
		case ev, ok := <-a.ch:
			if !ok {
				return
			}
			a.deliver(ev)
		default:
			return
		}
	}
}

func (a *Async) deliver(ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			a.panics.Add(1)
			observability.Logger().Error("analytics sink panicked", "panic", r, "category", ev.Category, "action", ev.Action)
		}
	}()
	a.next.Emit(ev)
}
