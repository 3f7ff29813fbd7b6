package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/wppcache/internal/backend"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus converts a backend error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, backend.ErrPermission):
		return codes.PermissionDenied
	case errors.Is(err, backend.ErrInvalid):
		return codes.InvalidArgument
	case errors.Is(err, backend.ErrUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// fromStatus converts a gRPC error back into an error wrapping the matching
// backend sentinel.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	return fromCode(st.Code(), st.Message())
}

func fromCode(code codes.Code, msg string) error {
	var sentinel error
	switch code {
	case codes.NotFound:
		sentinel = backend.ErrNotFound
	case codes.PermissionDenied:
		sentinel = backend.ErrPermission
	case codes.InvalidArgument:
		sentinel = backend.ErrInvalid
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		sentinel = backend.ErrUnavailable
	default:
		return fmt.Errorf("remote: %s", msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

func faultOf(err error) *Fault {
	return &Fault{Code: uint32(codeOf(err)), Message: err.Error()}
}

func (f *Fault) err() error {
	return fromCode(codes.Code(f.Code), f.Message)
}
