package eventlog

import (
	"sync"

	"confluence-engine/pkg/db"
)

// Bus is a lightweight in-process pub/sub broker for durably-appended
// events, modeled on a simple fan-out channel registry: every append is
// offered to every subscriber non-blockingly so a slow subscriber (e.g. a
// stalled hub flusher) never stalls the writer.
type Bus struct {
	mu   sync.RWMutex
	subs []chan *db.Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a buffered listener and returns an unsubscribe func.
func (b *Bus) Subscribe(buffer int) (<-chan *db.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *db.Event, buffer)
	b.subs = append(b.subs, ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs {
			if c == ch {
				close(c)
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// publish fans e out to every subscriber, dropping on a full buffer rather
// than blocking the event-log writer.
func (b *Bus) publish(e *db.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
