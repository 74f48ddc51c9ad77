package rnnt

import "errors"

// Failure taxonomy. Everything here is detected synchronously before or
// while binding buffers and aborts the whole invocation; no partial
// lattices are ever returned. Numeric degeneracies (NaN/Inf in the logits)
// are deliberately not classified as errors and flow through to the output.
var (
	// ErrShape covers inconsistent or out-of-range dimensions and lengths,
	// including target label ids that would index outside the vocabulary.
	ErrShape = errors.New("rnnt: inconsistent or out-of-range dimensions")

	// ErrDeviceMismatch is returned when inputs reside in a memory space
	// this build does not execute in.
	ErrDeviceMismatch = errors.New("rnnt: input resides on an unsupported device")

	// ErrUnsupportedDtype is returned when an input buffer's numeric type
	// has no kernel instantiation.
	ErrUnsupportedDtype = errors.New("rnnt: unsupported numeric type")

	// ErrWorkspaceShort is returned when caller-supplied scratch buffers are
	// smaller than the sizes the allocator computed.
	ErrWorkspaceShort = errors.New("rnnt: supplied workspace buffer too small")

	// ErrWorkspaceOverflow signals a sub-region request past the bound
	// capacity. Unreachable when sizes come from RequiredIntElements and
	// RequiredFloatElements; hitting it is a programming error, not a
	// recoverable condition.
	ErrWorkspaceOverflow = errors.New("rnnt: workspace sub-region request exceeds capacity")
)
