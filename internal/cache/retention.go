package cache

import (
	"math"
	"slices"
	"time"

	"github.com/matheus3301/wppcache/internal/model"
)

const (
	// DefaultTTL is the age past which messages outside the active
	// conversation are evicted.
	DefaultTTL = 24 * time.Hour
	// DefaultCapacity is the maximum number of retained messages.
	DefaultCapacity = 1000

	// NoTTL disables the age pass.
	NoTTL time.Duration = -1
	// Unbounded disables the capacity pass.
	Unbounded = -1
)

// Retention bounds the message table. Zero fields select the defaults.
type Retention struct {
	TTL      time.Duration
	Capacity int
	// Now is the clock the age pass reads; nil means time.Now.
	Now func() time.Time
}

func (r Retention) normalized() Retention {
	if r.TTL == 0 {
		r.TTL = DefaultTTL
	}
	if r.Capacity == 0 {
		r.Capacity = DefaultCapacity
	}
	if r.Now == nil {
		r.Now = time.Now
	}
	return r
}

// evictions returns the ids to drop so that every surviving message is
// within the TTL window or in the active conversation, and no more than
// Capacity messages survive. It does not mutate the table, and running it on
// its own output yields nothing, so applying it twice is the same as once.
func (r Retention) evictions(t *table[model.Message], active string) map[string]struct{} {
	drop := make(map[string]struct{})

	if r.TTL > 0 {
		cutoff := r.Now().Add(-r.TTL)
		for _, id := range t.ids {
			m := t.byID[id]
			if active != "" && m.ConversationID == active {
				continue
			}
			if m.Timestamp.Before(cutoff) {
				drop[id] = struct{}{}
			}
		}
	}

	capacity := r.Capacity
	if capacity < 0 {
		capacity = math.MaxInt
	}
	surviving := t.len() - len(drop)
	if surviving <= capacity {
		return drop
	}

	ids := make([]string, 0, surviving)
	for _, id := range t.ids {
		if _, gone := drop[id]; !gone {
			ids = append(ids, id)
		}
	}
	// Newest first; ties keep insertion order so the choice is stable.
	slices.SortStableFunc(ids, func(a, b string) int {
		return t.byID[b].Timestamp.Compare(t.byID[a].Timestamp)
	})
	for _, id := range ids[capacity:] {
		drop[id] = struct{}{}
	}
	return drop
}
