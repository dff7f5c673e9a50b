package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduling runtime.
const (
	TypeContextActivated   = "context.activated"
	TypeContextDeactivated = "context.deactivated"
	TypeTaskFailed         = "task.failed"
	TypeSimulationState    = "simulation.state"
	TypeConfigApplied      = "config.applied"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Time is wall time; payloads carry context time where it matters.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// TaskFailed is the payload of TypeTaskFailed.
type TaskFailed struct {
	Owner string
	JobID string
	Job   string
	At    time.Time
	Err   string
}

// SimulationState is the payload of TypeSimulationState.
type SimulationState struct {
	From        string
	To          string
	VirtualTime time.Time
	SpeedFactor float64
}

// ContextLifecycle is the payload of the context activation events.
type ContextLifecycle struct {
	Owner     string
	Simulated bool
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything; Subscribe returns a channel that never fires.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	return make(chan Event), func() {}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Delivery happens under the read lock so an unsubscribe (write lock)
	// never closes a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
