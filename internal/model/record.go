package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/matheus3301/wppcache/internal/backend"
)

// PrivateConversationID is the deterministic id of the private conversation
// between two users: their ids sorted and joined with "_".
func PrivateConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// MessageFromRecord decodes a backend record. The record id wins over any id
// stored in the fields.
func MessageFromRecord(r backend.Record) (Message, error) {
	var m Message
	if err := decode(r.Fields, &m); err != nil {
		return Message{}, fmt.Errorf("decode message %q: %w", r.ID, err)
	}
	m.ID = r.ID
	return m, nil
}

// ConversationFromRecord decodes a backend record.
func ConversationFromRecord(r backend.Record) (Conversation, error) {
	var c Conversation
	if err := decode(r.Fields, &c); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation %q: %w", r.ID, err)
	}
	c.ID = r.ID
	return c, nil
}

// MessageFields encodes m as record fields, without the id.
func MessageFields(m Message) (backend.Fields, error) {
	return encode(m)
}

// ConversationFields encodes c as record fields, without the id.
func ConversationFields(c Conversation) (backend.Fields, error) {
	return encode(c)
}

// Preview is the short text shown in conversation lists.
func Preview(m Message, maxLen int) string {
	if m.Type.Attachment() {
		return "[" + string(m.Type) + "]"
	}
	return truncate(m.Content, maxLen)
}

func decode(fields backend.Fields, v any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func encode(v any) (backend.Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields backend.Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "id")
	return fields, nil
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	// Cut on a rune boundary.
	cut := 0
	for i := range s {
		if i > maxLen {
			break
		}
		cut = i
	}
	return s[:cut]
}
