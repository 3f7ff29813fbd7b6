package status

import (
	"fmt"
	"slices"
)

// Status is the delivery state of a single message.
type Status string

const (
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

// validTransitions defines the forward-only progression. Skipping ahead is
// allowed; Failed is reachable from every non-terminal state.
var validTransitions = map[Status][]Status{
	Sending:   {Sent, Delivered, Read, Failed},
	Sent:      {Delivered, Read, Failed},
	Delivered: {Read, Failed},
	Read:      {},
	Failed:    {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s.Valid() && len(validTransitions[s]) == 0
}

// Transition checks whether a message may move from one status to another.
// Staying in the same status is not a transition and always succeeds.
func Transition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("unknown status %q", to)
	}
	if from == to {
		return nil
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// CanTransition is Transition without the error detail.
func CanTransition(from, to Status) bool {
	return Transition(from, to) == nil
}
