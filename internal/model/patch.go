package model

import (
	"maps"
	"time"

	"github.com/matheus3301/wppcache/internal/status"
)

// MessagePatch is a partial update. Nil fields are left untouched.
type MessagePatch struct {
	Content   *string
	Status    *status.Status
	EditedAt  *time.Time
	DeletedAt *time.Time
	PinnedAt  *time.Time
	// Unpin clears PinnedAt and wins over PinnedAt.
	Unpin bool
	// Reactions maps user id to symbol; an empty symbol removes the user's
	// reaction.
	Reactions map[string]string
}

// StatusPatch is a patch that only changes status.
func StatusPatch(s status.Status) MessagePatch {
	return MessagePatch{Status: &s}
}

// Empty reports whether the patch changes nothing.
func (p MessagePatch) Empty() bool {
	return p.Content == nil && p.Status == nil && p.EditedAt == nil &&
		p.DeletedAt == nil && p.PinnedAt == nil && !p.Unpin && len(p.Reactions) == 0
}

// Apply returns m with the patch merged in. A status change is applied only
// when it is a valid forward transition.
func (p MessagePatch) Apply(m Message) Message {
	out := m.Clone()
	if p.Content != nil {
		out.Content = *p.Content
	}
	if p.Status != nil && status.CanTransition(out.Status, *p.Status) {
		out.Status = *p.Status
	}
	if p.EditedAt != nil {
		out.EditedAt = cloneTime(p.EditedAt)
	}
	if p.DeletedAt != nil {
		out.DeletedAt = cloneTime(p.DeletedAt)
	}
	if p.PinnedAt != nil {
		out.PinnedAt = cloneTime(p.PinnedAt)
	}
	if p.Unpin {
		out.PinnedAt = nil
	}
	if len(p.Reactions) > 0 {
		reactions := maps.Clone(out.Reactions)
		if reactions == nil {
			reactions = make(map[string]string, len(p.Reactions))
		}
		for user, symbol := range p.Reactions {
			if symbol == "" {
				delete(reactions, user)
				continue
			}
			reactions[user] = symbol
		}
		if len(reactions) == 0 {
			reactions = nil
		}
		out.Reactions = reactions
	}
	return out
}
