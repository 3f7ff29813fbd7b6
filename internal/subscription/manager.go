// Package subscription keeps at most one live backend subscription per topic.
package subscription

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/wppcache/internal/backend"
	"go.uber.org/zap"
)

// Subscriber is the part of backend.Backend the manager needs.
type Subscriber interface {
	Subscribe(topic backend.Topic, onSnapshot func([]backend.Record), onError func(error)) (func(), error)
}

// ErrorSink receives subscription errors. The cache store implements it.
type ErrorSink interface {
	SetError(err error)
}

type entry struct {
	topic backend.Topic
	gen   uint64

	// mu serializes callback delivery with teardown.
	mu          sync.Mutex
	live        bool
	unsubscribe func()
}

// teardown stops delivery. Once it returns no callback of e runs.
func (e *entry) teardown() {
	e.mu.Lock()
	e.live = false
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Manager is an owned registry of live subscriptions keyed by topic.
type Manager struct {
	sub    Subscriber
	sink   ErrorSink
	logger *zap.Logger

	mu      sync.Mutex
	entries map[backend.Topic]*entry
	gen     uint64
}

// New creates an empty manager. sink may be nil.
func New(sub Subscriber, sink ErrorSink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sub:     sub,
		sink:    sink,
		logger:  logger,
		entries: make(map[backend.Topic]*entry),
	}
}

// Subscribe tears down any subscription for topic, then establishes a new
// one delivering to onSnapshot. When the backend refuses, the error goes to
// the sink and topic is left unsubscribed. onSnapshot must not call back
// into the manager.
func (m *Manager) Subscribe(topic backend.Topic, onSnapshot func([]backend.Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[topic]; ok {
		delete(m.entries, topic)
		old.teardown()
		m.logger.Debug("replaced subscription", zap.Stringer("topic", topic), zap.Uint64("generation", old.gen))
	}

	m.gen++
	e := &entry{topic: topic, gen: m.gen, live: true}

	deliver := func(records []backend.Record) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.live {
			m.logger.Debug("dropped late snapshot", zap.Stringer("topic", topic), zap.Uint64("generation", e.gen))
			return
		}
		onSnapshot(records)
	}
	fail := func(err error) {
		e.mu.Lock()
		live := e.live
		e.mu.Unlock()
		if !live {
			return
		}
		m.logger.Warn("subscription error", zap.Stringer("topic", topic), zap.Error(err))
		m.report(fmt.Errorf("subscription %s: %w", topic, err))
	}

	// The backend may deliver before Subscribe returns, so the entry is live
	// before the call.
	unsubscribe, err := m.sub.Subscribe(topic, deliver, fail)
	if err != nil {
		e.mu.Lock()
		e.live = false
		e.mu.Unlock()
		m.logger.Error("subscribe failed", zap.Stringer("topic", topic), zap.Error(err))
		m.report(fmt.Errorf("subscribe %s: %w", topic, err))
		return err
	}

	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
	m.entries[topic] = e
	m.logger.Debug("subscribed", zap.Stringer("topic", topic), zap.Uint64("generation", e.gen))
	return nil
}

func (m *Manager) report(err error) {
	if m.sink != nil {
		m.sink.SetError(err)
	}
}

// Unsubscribe tears down the subscription for topic, if any.
func (m *Manager) Unsubscribe(topic backend.Topic) {
	m.mu.Lock()
	e, ok := m.entries[topic]
	delete(m.entries, topic)
	m.mu.Unlock()
	if ok {
		e.teardown()
		m.logger.Debug("unsubscribed", zap.Stringer("topic", topic))
	}
}

// TeardownAll tears down every tracked subscription and clears the table.
func (m *Manager) TeardownAll() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[backend.Topic]*entry)
	m.mu.Unlock()
	for _, e := range entries {
		e.teardown()
	}
	if len(entries) > 0 {
		m.logger.Debug("tore down subscriptions", zap.Int("count", len(entries)))
	}
}

// Active reports whether topic has a live subscription.
func (m *Manager) Active(topic backend.Topic) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[topic]
	return ok
}

// Generation returns the generation of topic's live subscription, or 0.
// Every successful Subscribe gets a new generation.
func (m *Manager) Generation(topic backend.Topic) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[topic]; ok {
		return e.gen
	}
	return 0
}

// Topics returns the live topics ordered by their string form.
func (m *Manager) Topics() []backend.Topic {
	m.mu.Lock()
	out := make([]backend.Topic, 0, len(m.entries))
	for t := range m.entries {
		out = append(out, t)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b backend.Topic) int {
		switch sa, sb := a.String(), b.String(); {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	})
	return out
}
