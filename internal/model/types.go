package model

import (
	"maps"
	"slices"
	"time"

	"github.com/matheus3301/wppcache/internal/status"
)

// MessageType tags how Content is interpreted.
type MessageType string

const (
	Text     MessageType = "text"
	Markdown MessageType = "markdown"
	Image    MessageType = "image"
	Video    MessageType = "video"
	File     MessageType = "file"
	Audio    MessageType = "audio"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case Text, Markdown, Image, Video, File, Audio:
		return true
	}
	return false
}

// Attachment reports whether Content holds a blob reference rather than text.
func (t MessageType) Attachment() bool {
	switch t {
	case Image, Video, File, Audio:
		return true
	}
	return false
}

// Kind distinguishes one-to-one from group conversations.
type Kind string

const (
	Private Kind = "private"
	Group   Kind = "group"
)

// Message is one chat message. ID and ConversationID never change once set.
// Timestamp comes from a possibly skewed clock and only orders advisorily.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Timestamp      time.Time         `json:"timestamp"`
	Content        string            `json:"content"`
	Type           MessageType       `json:"type"`
	Status         status.Status     `json:"status"`
	EditedAt       *time.Time        `json:"edited_at,omitempty"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"`
	PinnedAt       *time.Time        `json:"pinned_at,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"`
}

// Deleted reports whether the message was soft-deleted.
func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Clone returns a copy that shares no maps or pointers with m.
func (m Message) Clone() Message {
	out := m
	out.EditedAt = cloneTime(m.EditedAt)
	out.DeletedAt = cloneTime(m.DeletedAt)
	out.PinnedAt = cloneTime(m.PinnedAt)
	if m.Reactions != nil {
		out.Reactions = maps.Clone(m.Reactions)
	}
	return out
}

// Conversation is a private or group chat. LastMessage, LastMessageAt and
// UnreadCount are denormalized and advisory.
type Conversation struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Name          string          `json:"name,omitempty"`
	Participants  map[string]bool `json:"participants"`
	LastMessage   string          `json:"last_message,omitempty"`
	LastMessageAt time.Time       `json:"last_message_at"`
	UnreadCount   int             `json:"unread_count"`
}

// Members returns the sorted ids whose membership flag is set.
func (c Conversation) Members() []string {
	var out []string
	for id, ok := range c.Participants {
		if ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Clone returns a copy that shares no maps with c.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Participants != nil {
		out.Participants = maps.Clone(c.Participants)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
