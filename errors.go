package fastqueue

import "errors"

// Common errors returned by queue and array operations.
var (
	// ErrIndexOutOfRange indicates a record id outside [tail, head).
	ErrIndexOutOfRange = errors.New("fastqueue: index out of range")

	// ErrPayloadTooLarge indicates a payload larger than the data page size.
	// A record never straddles two data pages, so the page size is the hard
	// upper bound on payload length.
	ErrPayloadTooLarge = errors.New("fastqueue: payload exceeds data page size")

	// ErrInvalidPageSize indicates a data page size that is not a power of
	// two or is below the minimum.
	ErrInvalidPageSize = errors.New("fastqueue: invalid data page size")

	// ErrFutureCancelled is returned by Result on a cancelled future.
	ErrFutureCancelled = errors.New("fastqueue: future cancelled")
)
