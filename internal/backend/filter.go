package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Op is a filter comparison.
type Op string

const (
	OpEq       Op = "=="
	OpContains Op = "contains"
)

// Condition compares the value at a dotted field path.
type Condition struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Filter is a conjunction of conditions. The zero Filter matches everything.
type Filter struct {
	Conditions []Condition `json:"conditions,omitempty"`
}

// Where starts a filter with one condition.
func Where(field string, op Op, value any) Filter {
	return Filter{Conditions: []Condition{{Field: field, Op: op, Value: value}}}
}

// And returns a copy of f with one more condition.
func (f Filter) And(field string, op Op, value any) Filter {
	out := Filter{Conditions: make([]Condition, 0, len(f.Conditions)+1)}
	out.Conditions = append(out.Conditions, f.Conditions...)
	out.Conditions = append(out.Conditions, Condition{Field: field, Op: op, Value: value})
	return out
}

// Validate rejects unknown operators and empty field paths.
func (f Filter) Validate() error {
	for _, c := range f.Conditions {
		if c.Field == "" {
			return fmt.Errorf("%w: empty filter field", ErrInvalid)
		}
		if c.Op != OpEq && c.Op != OpContains {
			return fmt.Errorf("%w: unknown filter op %q", ErrInvalid, c.Op)
		}
	}
	return nil
}

// Match reports whether the record satisfies every condition. Values are
// compared by their JSON encoding so records that crossed a JSON boundary
// compare equal to in-memory ones.
func (f Filter) Match(r Record) bool {
	for _, c := range f.Conditions {
		if c.Field == "id" && c.Op == OpEq {
			if s, ok := c.Value.(string); !ok || s != r.ID {
				return false
			}
			continue
		}
		v, ok := Lookup(r.Fields, c.Field)
		if !ok {
			return false
		}
		switch c.Op {
		case OpEq:
			if !sameJSON(v, c.Value) {
				return false
			}
		case OpContains:
			s, ok1 := v.(string)
			sub, ok2 := c.Value.(string)
			if !ok1 || !ok2 || !strings.Contains(strings.ToLower(s), strings.ToLower(sub)) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func sameJSON(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
