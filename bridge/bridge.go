// Package bridge exposes asynchronous, callback-completed reads over an
// upstream that only supports synchronous range pulls.
//
// A Bridge has no goroutines of its own. Reads run on the goroutine that
// calls BeginRead and, when upstream was not ready, resume on whichever
// goroutine calls NotifyRangeReady or NotifySegmentReady.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// UnknownLength is the length of a fragmented source before it ended.
const UnknownLength uint64 = math.MaxUint64

type Params struct {
	// Upstream to pull from. A nil upstream makes every read fail with
	// ErrSourceUnavailable.
	Upstream Upstream
	// Length of the source in bytes. UnknownLength selects fragmented mode,
	// where data arrives in separately sized segments.
	Length uint64
	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// request is the suspended continuation of a read: resuming it means
// running readData again, never calling an arbitrary stored function.
type request struct {
	buf       []byte
	want      int
	got       int
	done      func()
	completed bool
	err       error
}

// Bridge adapts an Upstream to a BeginRead/EndRead contract. At most one
// read is outstanding at a time.
type Bridge struct {
	upstream      Upstream
	initialLength uint64
	fragmented    bool
	log           zerolog.Logger

	mu              sync.Mutex
	position        uint64
	length          uint64
	segmentPosition uint64
	segmentLength   uint64
	req             *request
	waiting         bool
	kicked          bool
	failed          error
	flushing        bool
	eos             bool
	eosReceived     bool
	reload          bool
}

// New creates a bridge over params.Upstream.
func New(params Params) *Bridge {
	logger := log.With().Str("component", "bridge").Logger()
	if params.Logger != nil {
		logger = params.Logger.With().Str("component", "bridge").Logger()
	}
	b := &Bridge{
		upstream:      params.Upstream,
		initialLength: params.Length,
		fragmented:    params.Length == UnknownLength,
		log:           logger,
	}
	b.resetLocked()
	return b
}

func (b *Bridge) resetLocked() {
	b.position = 0
	b.length = b.initialLength
	b.segmentPosition = 0
	b.segmentLength = UnknownLength
	b.waiting = false
	b.kicked = false
	b.failed = nil
	b.flushing = false
	b.eos = false
	b.eosReceived = false
	b.reload = false
}

// BeginRead starts a read into buf. onComplete is called exactly once when
// the read reaches a terminal state, possibly before BeginRead returns and
// possibly on another goroutine. The caller then collects the result with
// EndRead.
func (b *Bridge) BeginRead(buf []byte, onComplete func()) error {
	if len(buf) == 0 || onComplete == nil {
		return ErrInvalidArgument
	}

	b.mu.Lock()
	switch {
	case b.upstream == nil:
		b.mu.Unlock()
		return ErrSourceUnavailable
	case b.req != nil:
		b.mu.Unlock()
		return ErrNotReady
	case b.failed != nil:
		err := b.failed
		b.mu.Unlock()
		return err
	case b.flushing:
		b.mu.Unlock()
		return ErrFlushing
	}
	b.req = &request{buf: buf, want: len(buf), done: onComplete}
	b.kicked = false
	b.log.Trace().
		Int("size", len(buf)).
		Uint64("position", b.position).
		Uint64("segment_position", b.segmentPosition).
		Msg("begin read")
	b.mu.Unlock()

	b.readData()
	return nil
}

// EndRead returns the number of bytes copied by the completed read and its
// status. The status is nil on success, io.EOF when the stream ended before
// any byte was copied, and ErrReadFailure or ErrFlushing otherwise.
func (b *Bridge) EndRead() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req := b.req
	if req == nil {
		return 0, ErrInvalidArgument
	}
	if !req.completed {
		return 0, ErrNotReady
	}
	b.req = nil
	b.waiting = false

	if req.err == nil && req.got == 0 && b.eos {
		return 0, io.EOF
	}
	b.log.Trace().Int("read", req.got).Err(req.err).Msg("end read")
	return req.got, req.err
}

// readData runs the read loop for the outstanding request until it is
// satisfied, fails, or has to wait for upstream.
func (b *Bridge) readData() {
	for {
		b.mu.Lock()
		req := b.req
		if req == nil || req.completed {
			b.mu.Unlock()
			return
		}

		if b.fragmented && (b.segmentLength == UnknownLength || b.segmentPosition >= b.segmentLength) {
			b.mu.Unlock()
			size, ok := b.upstream.QueryLength()
			b.mu.Lock()
			if req.completed {
				b.mu.Unlock()
				return
			}
			if !ok || size == 0 {
				if b.waitLocked(req) {
					return
				}
				continue
			}
			b.segmentLength = size
			b.segmentPosition = 0
		} else if !b.fragmented && b.position < b.length {
			// Pulling across the end yields end-of-range instead of a short
			// read, so never ask for more than what is left. Position already
			// includes what this request got from earlier pulls.
			if rest := b.length - b.position; uint64(req.want-req.got) > rest {
				req.want = req.got + int(rest)
			}
		}

		if req.got >= req.want {
			b.finishLocked(req, fmt.Errorf("%w: request already satisfied", ErrReadFailure))
			return
		}
		size := req.want - req.got

		var offset uint64
		switch {
		case b.fragmented:
			offset = b.segmentPosition
			if rest := b.segmentLength - b.segmentPosition; uint64(size) > rest {
				size = int(rest)
			}
		case b.length != UnknownLength:
			offset = b.position
		default:
			b.finishLocked(req, fmt.Errorf("%w: no offset for unknown length", ErrReadFailure))
			return
		}
		b.mu.Unlock()

		chunk, err := b.upstream.Pull(offset, size)

		b.mu.Lock()
		if req.completed {
			b.mu.Unlock()
			return
		}
		switch {
		case errors.Is(err, ErrNotReady):
			if b.waitLocked(req) {
				return
			}
			continue
		case errors.Is(err, ErrEndOfRange):
			b.eos = true
			b.finishLocked(req, nil)
			return
		case err != nil:
			b.log.Warn().Err(err).Uint64("offset", offset).Int("size", size).Msg("pull failed")
			b.finishLocked(req, fmt.Errorf("%w: %v", ErrReadFailure, err))
			return
		}

		if len(chunk.Data) == 0 && !chunk.Header {
			if b.waitLocked(req) {
				return
			}
			continue
		}
		if err := b.pushLocked(req, chunk); err != nil {
			b.finishLocked(req, err)
			return
		}
		if req.got == req.want || b.eos {
			b.finishLocked(req, nil)
			return
		}
		b.mu.Unlock()
	}
}

// pushLocked copies chunk into the request buffer.
func (b *Bridge) pushLocked(req *request, chunk Chunk) error {
	if b.eosReceived {
		b.eos = true
	}

	// A header chunk means the content behind the stream changed. Drop it
	// and end the stream here so the reader drains and gets recreated;
	// upstream replays the chunk without the flag afterwards.
	if chunk.Header && b.fragmented {
		b.reload = true
		b.eos = true
		b.length = b.position
		b.log.Debug().Uint64("position", b.position).Msg("stream changed shape, reload requested")
		return nil
	}

	n := len(chunk.Data)
	if req.got >= req.want || req.want-req.got < n {
		return fmt.Errorf("%w: chunk of %d bytes exceeds request", ErrReadFailure, n)
	}
	copy(req.buf[req.got:], chunk.Data)
	req.got += n
	b.position += uint64(n)
	b.segmentPosition += uint64(n)
	return nil
}

// finishLocked completes req with err, releases the lock and runs the
// completion callback.
func (b *Bridge) finishLocked(req *request, err error) {
	req.completed = true
	req.err = err
	if err != nil && !errors.Is(err, ErrFlushing) {
		b.failed = err
	}
	done := req.done
	b.mu.Unlock()
	done()
}

// waitLocked handles upstream having nothing for req right now and releases
// the lock. It returns false when the caller should retry at once.
func (b *Bridge) waitLocked(req *request) bool {
	if b.eosReceived {
		b.eos = true
		b.finishLocked(req, nil)
		return true
	}
	suspended := b.suspendLocked()
	b.mu.Unlock()
	return suspended
}

// suspendLocked parks the outstanding read until the next notification. It
// returns false when a notification already arrived while the read was
// pulling, in which case the caller retries right away.
func (b *Bridge) suspendLocked() bool {
	if b.kicked {
		b.kicked = false
		return false
	}
	if b.fragmented {
		b.segmentLength = UnknownLength
		b.segmentPosition = 0
	}
	b.waiting = true
	b.log.Trace().Uint64("position", b.position).Msg("waiting for data")
	return true
}

// cancelLocked completes an outstanding request, if any, with err and
// returns its callback. The caller runs it after unlocking.
func (b *Bridge) cancelLocked(err error) func() {
	b.waiting = false
	req := b.req
	if req == nil || req.completed {
		return nil
	}
	req.completed = true
	req.err = err
	return req.done
}

// NotifyRangeReady resumes a read stalled on upstream. It is a no-op when no
// read is waiting.
func (b *Bridge) NotifyRangeReady() {
	b.mu.Lock()
	waiting := b.waiting
	b.waiting = false
	if !waiting && b.req != nil && !b.req.completed {
		b.kicked = true
	}
	b.mu.Unlock()

	if waiting {
		b.readData()
	}
}

// NotifySegmentReady records the size of the segment upstream switched to
// and resumes a stalled read.
func (b *Bridge) NotifySegmentReady(size uint64) {
	b.mu.Lock()
	b.segmentLength = size
	b.segmentPosition = 0
	b.mu.Unlock()

	b.NotifyRangeReady()
}

// ResetSegment forgets the current segment, forcing a query for the next read.
func (b *Bridge) ResetSegment() {
	b.mu.Lock()
	b.segmentLength = UnknownLength
	b.segmentPosition = 0
	b.mu.Unlock()
}

// SignalEndOfStream records that upstream will not deliver more data. A
// read waiting for data completes with what it has.
func (b *Bridge) SignalEndOfStream() {
	b.mu.Lock()
	b.eosReceived = true
	if !b.waiting {
		b.mu.Unlock()
		return
	}
	b.eos = true
	done := b.cancelLocked(nil)
	b.mu.Unlock()
	if done != nil {
		done()
	}
}

// ClearEndOfStream drops both the observed and the signalled end of stream.
func (b *Bridge) ClearEndOfStream() {
	b.mu.Lock()
	b.eos = false
	b.eosReceived = false
	b.mu.Unlock()
}

// IsEndOfStream reports whether the end was observed or the position reached
// the known length.
func (b *Bridge) IsEndOfStream() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eos || (b.length != UnknownLength && b.position >= b.length)
}

// ReloadRequested reports whether upstream delivered a header chunk in
// fragmented mode.
func (b *Bridge) ReloadRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reload
}

// IsSeekSupported reports whether positions can be set locally. Fragmented
// sources are repositioned upstream.
func (b *Bridge) IsSeekSupported() bool {
	return !b.fragmented
}

// Fragmented reports whether the bridge runs in fragmented mode.
func (b *Bridge) Fragmented() bool {
	return b.fragmented
}

// Length returns the total length. In fragmented mode it is unknown until
// the end of stream was observed.
func (b *Bridge) Length() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fragmented {
		if !b.eos {
			return 0, false
		}
		return b.position, true
	}
	if b.length == UnknownLength {
		return 0, false
	}
	return b.length, true
}

// Position returns the current logical read offset.
func (b *Bridge) Position() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

// SetCurrentPosition moves the read offset. In fragmented mode only a move
// to 0 has an effect: readers probe the stream from the start several times
// while initialising and each probe must start on a clean segment boundary.
func (b *Bridge) SetCurrentPosition(pos uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.length != UnknownLength && pos > b.length {
		return fmt.Errorf("%w: %d > %d", ErrOutOfRange, pos, b.length)
	}
	switch {
	case b.fragmented && pos == 0:
		b.position = 0
		b.segmentPosition = 0
	case b.fragmented:
		b.log.Debug().Uint64("position", pos).Msg("ignoring reposition in fragmented mode")
	default:
		b.position = pos
		if pos < b.length {
			b.eos = false
		}
	}
	return nil
}

// Seek implements io.Seeker semantics on top of SetCurrentPosition.
func (b *Bridge) Seek(offset int64, whence int) (int64, error) {
	var base uint64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = b.Position()
	case io.SeekEnd:
		length, ok := b.Length()
		if !ok {
			return 0, fmt.Errorf("%w: seek from unknown end", ErrInvalidArgument)
		}
		base = length
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalidArgument, whence)
	}
	if offset < 0 && uint64(-offset) > base {
		return 0, fmt.Errorf("%w: negative position", ErrInvalidArgument)
	}
	pos := uint64(int64(base) + offset)
	if err := b.SetCurrentPosition(pos); err != nil {
		return 0, err
	}
	return int64(b.Position()), nil
}

// SetFlushing cancels the outstanding read with ErrFlushing and rejects new
// reads until called with false. Unlike Abort it does not poison the bridge.
func (b *Bridge) SetFlushing(flushing bool) {
	b.mu.Lock()
	b.flushing = flushing
	var done func()
	if flushing {
		done = b.cancelLocked(ErrFlushing)
	}
	b.mu.Unlock()
	if done != nil {
		done()
	}
}

// Abort force-completes the outstanding read with failure and refuses new
// reads until Reset.
func (b *Bridge) Abort() {
	b.mu.Lock()
	err := fmt.Errorf("%w: aborted", ErrReadFailure)
	b.failed = err
	done := b.cancelLocked(err)
	b.mu.Unlock()
	if done != nil {
		b.log.Debug().Msg("aborted pending read")
		done()
	}
}

// Reset restores the state the bridge was created with. It fails with
// ErrNotReady while a read is outstanding.
func (b *Bridge) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.req != nil {
		return ErrNotReady
	}
	b.resetLocked()
	return nil
}
