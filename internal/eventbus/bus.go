// Package eventbus is an in-process fan-out of dose lifecycle events.
//
// Publish never blocks: subscribers get buffered channels and slow ones drop
// events. The bus also keeps a bounded ring of recent events for status pages.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatcher and the missed-dose detector.
const (
	DoseSent    = "dose.sent"
	DoseFailed  = "dose.failed"
	DoseDeduped = "dose.deduped"
	DoseMissed  = "dose.missed"
	TickDone    = "tick.done"
)

type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Recent() []Event
}

// New returns an in-memory bus remembering the last `keep` events.
func New(keep int) Bus {
	if keep <= 0 {
		keep = 100
	}
	return &memBus{subs: map[uint64]chan Event{}, ring: make([]Event, 0, keep), keep: keep}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	rmu  sync.Mutex
	ring []Event
	keep int
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.remember(e)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) remember(e Event) {
	b.rmu.Lock()
	if len(b.ring) == b.keep {
		copy(b.ring, b.ring[1:])
		b.ring = b.ring[:b.keep-1]
	}
	b.ring = append(b.ring, e)
	b.rmu.Unlock()
}

// Recent returns the remembered events, oldest first.
func (b *memBus) Recent() []Event {
	b.rmu.Lock()
	defer b.rmu.Unlock()
	return append([]Event(nil), b.ring...)
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
	return ch, func() {
		once.Do(func() {
			// Removing under the write lock guarantees no Publish is mid-send.
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
