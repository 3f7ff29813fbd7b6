package chat

import (
	"errors"
	"fmt"

	"github.com/matheus3301/wppcache/internal/backend"
)

// Kind classifies failures surfaced to callers.
type Kind int

const (
	// Transient failures (network, timeout) are safe to retry.
	Transient Kind = iota + 1
	// Permission failures are terminal and never requeued.
	Permission
	// Validation failures are local and rejected before any remote call.
	Validation
	// NotFound means an explicit action targeted an absent id.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permission:
		return "permission"
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	default:
		return "none"
	}
}

// Local validation causes.
var (
	ErrEmptyContent         = errors.New("content is empty")
	ErrUnknownType          = errors.New("unknown message type")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrNotOwner             = errors.New("message belongs to another user")
	ErrNotSent              = errors.New("message has not been sent")
	ErrDeleted              = errors.New("message is deleted")
	ErrNoPeers              = errors.New("no peers given")
	ErrEmptyAttachment      = errors.New("attachment is empty")
	ErrClosed               = errors.New("client closed")
)

// Error is returned by every client action that fails.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("chat: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// remoteError wraps an error returned by the backend.
func remoteError(op string, err error) *Error {
	return newError(classify(err), op, err)
}

// KindOf returns the kind of err. Errors that did not come from the client
// are classified by the backend sentinel they wrap; anything else is
// Transient. KindOf(nil) is 0.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, backend.ErrPermission):
		return Permission
	case errors.Is(err, backend.ErrNotFound):
		return NotFound
	case errors.Is(err, backend.ErrInvalid):
		return Validation
	default:
		return Transient
	}
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	return KindOf(err) == Transient
}
