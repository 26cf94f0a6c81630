package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by schedvault components.
//
// Persistence events carry the record key (string) as Data.
// Scheduler/task events carry a small struct from the publishing package.
const (
	JobSaved       = "store.job.saved"
	JobDeleted     = "store.job.deleted"
	TriggerSaved   = "store.trigger.saved"
	TriggerState   = "store.trigger.state"
	TriggerDeleted = "store.trigger.deleted"
	Recovered      = "store.recovered"

	TriggerFired   = "scheduler.trigger.fired"
	TriggerRetired = "scheduler.trigger.retired"
	TriggerErrored = "scheduler.trigger.error"

	TaskFinished = "task.finished"
	TaskDropped  = "task.dropped"
)

// Event is an in-process notification. Delivery is best effort: Publish
// never blocks, and a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Publish is a nil-safe helper for components holding an optional Bus.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

// Dropped returns how many deliveries b skipped because a subscriber was
// full. It is zero for buses not created by New.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	next    uint64
	dropped atomic.Uint64
}

// Publish holds the read lock while sending so that unsubscribe, which
// closes the channel under the write lock, cannot race a send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
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

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}
