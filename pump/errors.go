package pump

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyActive   = errors.New("pump: already active")
	ErrNotActive       = errors.New("pump: not active")
	ErrSeekUnavailable = errors.New("pump: seek unavailable")
	ErrNoStreams       = errors.New("pump: no stream could be bound to a sink")
)

// StreamError is the fatal notification of a pump. At most one is emitted
// per failure episode, after which the worker stops.
type StreamError struct {
	PumpID string
	Op     string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("pump %s: %s: %v", e.PumpID, e.Op, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}
