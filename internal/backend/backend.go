// Package backend defines the narrow contract between the client cache and
// whatever real-time document store sits behind it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Collections understood by the chat client.
const (
	Messages      = "messages"
	Conversations = "conversations"
)

// Sentinel errors returned (wrapped) by backends.
var (
	ErrUnavailable = errors.New("backend unavailable")
	ErrPermission  = errors.New("permission denied")
	ErrNotFound    = errors.New("not found")
	ErrInvalid     = errors.New("invalid request")
)

// Fields is the document body of a record. Keys written through WriteRecord
// may be dotted paths ("reactions.u1") addressing nested maps; a nil value
// deletes the key.
type Fields map[string]any

// Record is one document of a collection.
type Record struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Write is one entry of a WriteBatch.
type Write struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Topic identifies one real-time subscription stream.
type Topic struct {
	Collection string `json:"collection"`
	Scope      string `json:"scope"`
}

// MessagesTopic is the stream of one conversation's messages.
func MessagesTopic(conversationID string) Topic {
	return Topic{Collection: Messages, Scope: conversationID}
}

// ConversationsTopic is the stream of conversations a user participates in.
func ConversationsTopic(userID string) Topic {
	return Topic{Collection: Conversations, Scope: userID}
}

func (t Topic) String() string {
	return t.Collection + ":" + t.Scope
}

// ParseTopic parses the "collection:scope" form produced by String.
func ParseTopic(s string) (Topic, error) {
	collection, scope, ok := strings.Cut(s, ":")
	if !ok || collection == "" || scope == "" {
		return Topic{}, fmt.Errorf("%w: topic %q", ErrInvalid, s)
	}
	return Topic{Collection: collection, Scope: scope}, nil
}

// Filter returns the query selecting the records that belong to the topic.
func (t Topic) Filter() (Filter, error) {
	switch t.Collection {
	case Messages:
		return Where("conversation_id", OpEq, t.Scope), nil
	case Conversations:
		return Where("participants."+t.Scope, OpEq, true), nil
	default:
		return Filter{}, fmt.Errorf("%w: no topic mapping for collection %q", ErrInvalid, t.Collection)
	}
}

// Backend is the external real-time collaborator.
type Backend interface {
	// Subscribe pushes the full record list of topic to onSnapshot whenever it
	// changes, possibly once right away. Calling unsubscribe stops future
	// deliveries. err is non-nil only when the subscription could not be
	// established at all.
	Subscribe(topic Topic, onSnapshot func([]Record), onError func(error)) (unsubscribe func(), err error)

	// WriteRecord merges fields into the record (creating it if needed) and
	// returns its id. An empty id asks the backend to assign one.
	WriteRecord(ctx context.Context, collection, id string, fields Fields) (string, error)

	// WriteBatch merges every write atomically. Writes targeting absent
	// records are skipped.
	WriteBatch(ctx context.Context, collection string, writes []Write) error

	// QueryOnce returns the records of collection matching filter.
	QueryOnce(ctx context.Context, collection string, filter Filter) ([]Record, error)

	// UploadBlob stores data at path and returns a retrievable reference.
	// onProgress, when set, is called with bytes sent so far and the total.
	UploadBlob(ctx context.Context, path string, data []byte, onProgress func(sent, total int64)) (string, error)
}
