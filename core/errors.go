package core

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrUnknownContext reports that no live context matches the given id. Closed
// contexts report the same error as never-created ones.
func ErrUnknownContext(contextID uint64) error {
	return status.Errorf(codes.InvalidArgument,
		"Unable to find a context_id matching the specified one (%d). Perhaps the worker was restarted, or the context was GC'd?",
		contextID)
}

// ErrContextExists reports a CreateContext with an id that is already live.
func ErrContextExists(contextID uint64) error {
	return status.Errorf(codes.AlreadyExists,
		"Context id %d is already in use on this worker", contextID)
}

// ErrHandleNotFound reports a lookup of a tensor output that was never
// produced and is not pending.
func ErrHandleNotFound(opID int64, outputIndex int32) error {
	return status.Errorf(codes.InvalidArgument,
		"Unable to find the relevant tensor remote_handle: Op ID: %d, Output num: %d",
		opID, outputIndex)
}

// ErrHandleExists reports a second producer for an (op id, output) pair,
// which means the client reused an op id within the context.
func ErrHandleExists(opID int64, outputIndex int32) error {
	return status.Errorf(codes.AlreadyExists,
		"Tensor remote_handle already exists: Op ID: %d, Output num: %d", opID, outputIndex)
}

// ErrContextClosed reports that an in-flight wait was aborted because its
// context was torn down.
func ErrContextClosed(contextID uint64) error {
	return status.Errorf(codes.Canceled,
		"Context id %d was closed while the request was in flight", contextID)
}

// ErrStaleViewID reports an UpdateContext whose view id does not follow the
// current one.
func ErrStaleViewID(contextID, got, want uint64) error {
	return status.Errorf(codes.InvalidArgument,
		"Context id %d: expected context_view_id %d, got %d", contextID, want, got)
}

// ErrUnknownFunction reports a call to a function name absent from the
// context library.
func ErrUnknownFunction(name string) error {
	return status.Errorf(codes.NotFound, "Function %q is not registered in this context", name)
}

// ErrUnknownOpID reports a wait on an op id that was never enqueued.
func ErrUnknownOpID(opID int64) error {
	return status.Errorf(codes.InvalidArgument, "Op ID %d was never enqueued on this context", opID)
}

// ErrUnknownOp reports an operation name no kernel implements.
func ErrUnknownOp(name string) error {
	return status.Errorf(codes.Unimplemented, "Op type %q is not supported by this worker", name)
}

// DependencyError marks an operation that never ran because one of its
// inputs failed. Unwrap exposes the producing operation's error.
type DependencyError struct {
	Ref   RemoteTensorRef
	Cause error
}

// Error implements the error interface.
func (e *DependencyError) Error() string {
	return fmt.Sprintf("input %d:%d is poisoned by an upstream failure: %v", e.Ref.OpID, e.Ref.OutputIndex, e.Cause)
}

// Unwrap returns the upstream failure.
func (e *DependencyError) Unwrap() error { return e.Cause }

// NewDependencyError wraps an upstream failure for a dependent operation.
func NewDependencyError(ref RemoteTensorRef, cause error) error {
	return &DependencyError{Ref: ref, Cause: cause}
}

// IsDependencyError reports whether err is (or wraps) a DependencyError.
func IsDependencyError(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}

// StatusCode extracts the gRPC code from an error, defaulting to Unknown for
// plain errors and OK for nil.
func StatusCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var de *DependencyError
	if errors.As(err, &de) {
		return StatusCode(de.Cause)
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Unknown
}
