package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"tx-lab-tpc-go/pkg/tx/common"
)

// Code picks the gRPC status code for a service error.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, common.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, common.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, common.ErrCorruptState):
		return codes.DataLoss
	case errors.Is(err, common.ErrInProgress):
		return codes.Aborted
	case errors.Is(err, common.ErrAlreadyFinalized):
		return codes.AlreadyExists
	case errors.Is(err, common.ErrValidationFailure), errors.Is(err, common.ErrIllegalTransition):
		return codes.FailedPrecondition
	case errors.Is(err, common.ErrTransientUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}

// ToStatus converts a service error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}

// FromStatus maps a gRPC error back onto the sentinel errors, so callers
// keep using errors.Is on the far side of the wire.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", common.ErrTransientUnavailable, err)
	}
	msg := st.Message()
	var kind error
	switch st.Code() {
	case codes.InvalidArgument:
		kind = common.ErrInvalidArgument
	case codes.NotFound:
		kind = common.ErrNotFound
	case codes.DataLoss:
		kind = common.ErrCorruptState
	case codes.Aborted:
		kind = common.ErrInProgress
	case codes.AlreadyExists:
		kind = common.ErrAlreadyFinalized
	case codes.FailedPrecondition:
		kind = common.ErrValidationFailure
		if strings.Contains(msg, common.ErrIllegalTransition.Error()) {
			kind = common.ErrIllegalTransition
		}
	default:
		// Unavailable, DeadlineExceeded, Internal, ...: the call may be retried
		kind = common.ErrTransientUnavailable
	}
	return fmt.Errorf("%w: %s", kind, strings.TrimPrefix(msg, kind.Error()+": "))
}
