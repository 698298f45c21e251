package bridge

import "errors"

var (
	// ErrInvalidArgument is returned when a caller violates the read contract.
	ErrInvalidArgument = errors.New("bridge: invalid argument")
	// ErrNotReady is transient: a read is already outstanding, or upstream
	// has no data for the requested range yet.
	ErrNotReady = errors.New("bridge: not ready")
	// ErrOutOfRange is returned for positions beyond the known length.
	ErrOutOfRange = errors.New("bridge: position out of range")
	// ErrSourceUnavailable is returned when no upstream is connected.
	ErrSourceUnavailable = errors.New("bridge: source unavailable")
	// ErrReadFailure is the terminal status of a failed read. Once a read
	// fails the bridge refuses new reads until Reset.
	ErrReadFailure = errors.New("bridge: read failure")
	// ErrReloadRequired signals that the stream changed shape and the reader
	// on top of the bridge has to be recreated.
	ErrReloadRequired = errors.New("bridge: reload required")
	// ErrEndOfRange is returned by an Upstream when the pull starts past the
	// end of the data.
	ErrEndOfRange = errors.New("bridge: end of range")
	// ErrFlushing is the status of a read cancelled by SetFlushing.
	ErrFlushing = errors.New("bridge: flushing")
)
