package bus

import (
	"sync"
	"time"
)

// Wildcard subscribes to changes of every collection.
const Wildcard = "*"

// Change announces that records of a collection were written.
type Change struct {
	Collection string
	IDs        []string
	At         time.Time
}

// Bus fans record changes out to in-process watchers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	collection string
	ch         chan Change
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers c to every watcher of c.Collection without blocking.
// A watcher whose buffer is full misses the change; watchers treat a change
// as a signal to re-read state, so a full buffer already implies a pending
// re-read.
func (b *Bus) Publish(c Change) {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.collection != Wildcard && sub.collection != c.Collection {
			continue
		}
		select {
		case sub.ch <- c:
		default:
		}
	}
}

// Subscribe returns a channel receiving changes of collection (or Wildcard)
// and a function that detaches it. bufSize below 1 is raised to 1.
func (b *Bus) Subscribe(collection string, bufSize int) (<-chan Change, func()) {
	if bufSize < 1 {
		bufSize = 1
	}
	ch := make(chan Change, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{collection: collection, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Watchers returns the number of attached subscriptions.
func (b *Bus) Watchers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
