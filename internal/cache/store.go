// Package cache holds the normalized client-side view of conversations and
// messages. Snapshots pushed by the backend replace tables wholesale; local
// actions upsert, patch or remove single messages. A retention pass runs
// after every mutation.
package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wppcache/internal/model"
	"go.uber.org/zap"
)

// Store is the single source of truth readers render from. Every exported
// method is one atomic step.
type Store struct {
	mu            sync.RWMutex
	conversations table[model.Conversation]
	messages      table[model.Message]
	retention     Retention
	active        string
	err           error
	logger        *zap.Logger

	changes chan struct{}
}

// New creates an empty store with the given retention bounds.
func New(r Retention, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		conversations: newTable[model.Conversation](),
		messages:      newTable[model.Message](),
		retention:     r.normalized(),
		logger:        logger,
		changes:       make(chan struct{}, 1),
	}
}

// Changes signals after mutations. Signals coalesce: one pending signal
// stands for any number of mutations since the last receive.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

func (s *Store) signal() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// ReplaceConversations rebuilds the conversation table from list. Entries
// not in list are dropped.
func (s *Store) ReplaceConversations(list []model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations.reset(len(list))
	for _, c := range list {
		s.conversations.put(c.ID, c.Clone())
	}
	s.afterMutation()
}

// ReplaceMessages rebuilds the message table from list. Entries not in list
// are dropped.
func (s *Store) ReplaceMessages(list []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages.reset(len(list))
	for _, m := range list {
		s.messages.put(m.ID, m.Clone())
	}
	s.afterMutation()
}

// UpsertMessage inserts m at the end of the order, or overwrites the entry
// of the same id in place. It is a no-op when the stored entry has the same
// timestamp and status; the return value reports whether anything changed.
func (s *Store) UpsertMessage(m model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.messages.get(m.ID); ok && cur.Timestamp.Equal(m.Timestamp) && cur.Status == m.Status {
		return false
	}
	s.messages.put(m.ID, m.Clone())
	s.afterMutation()
	return true
}

// PatchMessage merges p into the message with the given id. Patching an
// absent id, or applying an empty patch, is silently ignored.
func (s *Store) PatchMessage(id string, p model.MessagePatch) bool {
	if p.Empty() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.messages.get(id)
	if !ok {
		return false
	}
	s.messages.put(id, p.Apply(cur))
	s.afterMutation()
	return true
}

// RemoveMessage deletes the message with the given id, if present.
func (s *Store) RemoveMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.messages.remove(id) {
		return false
	}
	s.afterMutation()
	return true
}

// SetActive marks the conversation whose messages are exempt from the age
// pass. An empty id clears it.
func (s *Store) SetActive(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == conversationID {
		return
	}
	s.active = conversationID
	s.afterMutation()
}

// Active returns the active conversation id.
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetError stores err in the error slot read by the shell. nil clears it.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.signal()
}

// Err returns the last error put in the error slot.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Enforce runs the retention pass without any other mutation.
func (s *Store) Enforce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterMutation()
}

// afterMutation must be called with mu held.
func (s *Store) afterMutation() {
	drop := s.retention.evictions(&s.messages, s.active)
	if len(drop) > 0 {
		s.messages.removeSet(drop)
		s.logger.Debug("evicted messages",
			zap.Int("evicted", len(drop)),
			zap.Int("retained", s.messages.len()),
		)
	}
	s.signal()
}

// Conversations returns all conversations, most recent activity first.
func (s *Store) Conversations() []model.Conversation {
	s.mu.RLock()
	out := s.conversations.values()
	s.mu.RUnlock()
	for i := range out {
		out[i] = out[i].Clone()
	}
	slices.SortStableFunc(out, func(a, b model.Conversation) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
	return out
}

// Conversation returns one conversation by id.
func (s *Store) Conversation(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations.get(id)
	return c.Clone(), ok
}

// Messages returns the messages of a conversation ordered by timestamp.
// Sorting happens on read; storage order is untouched.
func (s *Store) Messages(conversationID string) []model.Message {
	s.mu.RLock()
	var out []model.Message
	for _, id := range s.messages.ids {
		if m := s.messages.byID[id]; m.ConversationID == conversationID {
			out = append(out, m.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b model.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

// Window returns up to limit of the newest messages of a conversation older
// than before (zero before means no upper bound), ordered by timestamp.
func (s *Store) Window(conversationID string, before time.Time, limit int) []model.Message {
	all := s.Messages(conversationID)
	end := len(all)
	if !before.IsZero() {
		end = 0
		for end < len(all) && all[end].Timestamp.Before(before) {
			end++
		}
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	return all[start:end]
}

// Message returns one message by id.
func (s *Store) Message(id string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages.get(id)
	return m.Clone(), ok
}

// MessageIDs returns message ids in insertion order.
func (s *Store) MessageIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages.ids)
}

// Len returns the number of retained messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages.len()
}
