package bridge

import (
	"fmt"
	"io"
)

// AsyncStream is the read side of a Bridge as seen by reader components.
type AsyncStream interface {
	BeginRead(buf []byte, onComplete func()) error
	EndRead() (int, error)
	Position() uint64
	SetCurrentPosition(pos uint64) error
	Length() (uint64, bool)
}

// SyncReader turns an AsyncStream into a blocking io.ReadSeeker. A blocked
// Read returns once the stream completes the read, which includes being
// cancelled through SetFlushing or Abort on the bridge.
type SyncReader struct {
	stream AsyncStream
	done   chan struct{}
}

func NewSyncReader(stream AsyncStream) *SyncReader {
	return &SyncReader{stream: stream, done: make(chan struct{}, 1)}
}

func (r *SyncReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.stream.BeginRead(p, func() { r.done <- struct{}{} }); err != nil {
		return 0, err
	}
	<-r.done
	return r.stream.EndRead()
}

func (r *SyncReader) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(r.stream.Position())
	case io.SeekEnd:
		length, ok := r.stream.Length()
		if !ok {
			return 0, fmt.Errorf("%w: seek from unknown end", ErrInvalidArgument)
		}
		base = int64(length)
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalidArgument, whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("%w: negative position", ErrInvalidArgument)
	}
	if err := r.stream.SetCurrentPosition(uint64(pos)); err != nil {
		return 0, err
	}
	return int64(r.stream.Position()), nil
}
