package source

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/will7200/demuxpump/bridge"
)

type SegmentsParams struct {
	// OnSegmentReady is called, without locks held, when an appended
	// segment became current: the first one, and any appended while a
	// length query found nothing to read.
	OnSegmentReady func(size uint64)
	// OnEndOfStream is called once Close was called.
	OnEndOfStream func()
	Logger        *zerolog.Logger
}

type segment struct {
	data     []byte
	header   bool
	consumed int
}

func (s *segment) exhausted() bool {
	return s.consumed >= len(s.data)
}

// Segments is a fragmented upstream fed by a producer, such as an HLS or
// fMP4 fragment downloader. QueryLength reports the size of the current
// segment until it was pulled completely, then moves to the next appended
// one. Pulls address bytes within the current segment.
//
// A segment appended with header set starts content with a new layout. Its
// first pull is flagged, which makes the bridge request a reload; the flag
// is dropped afterwards so the reloaded reader sees the plain data.
type Segments struct {
	params SegmentsParams
	log    zerolog.Logger

	mu       sync.Mutex
	queue    []*segment
	current  *segment
	appended int
	waiting  bool
	closed   bool
}

func NewSegments(params SegmentsParams) *Segments {
	logger := log.With().Str("source", "segments").Logger()
	if params.Logger != nil {
		logger = params.Logger.With().Str("source", "segments").Logger()
	}
	return &Segments{params: params, log: logger}
}

// Append queues a segment. Appending to a closed queue is ignored.
func (s *Segments) Append(data []byte, header bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Warn().Int("size", len(data)).Msg("append after close")
		return
	}
	// The first segment has nothing before it to change from.
	seg := &segment{data: data, header: header && s.appended > 0}
	s.appended++
	if s.current != nil && !s.waiting {
		s.queue = append(s.queue, seg)
		s.mu.Unlock()
		return
	}
	s.waiting = false
	s.current = seg
	s.mu.Unlock()

	s.log.Debug().Int("size", len(data)).Bool("header", seg.header).Msg("segment ready")
	if s.params.OnSegmentReady != nil {
		s.params.OnSegmentReady(uint64(len(data)))
	}
}

// Close marks the end of the stream.
func (s *Segments) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.params.OnEndOfStream != nil {
		s.params.OnEndOfStream()
	}
	return nil
}

func (s *Segments) QueryLength() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && !s.current.exhausted() {
		return uint64(len(s.current.data)), true
	}
	if len(s.queue) == 0 {
		s.waiting = !s.closed
		return 0, false
	}
	s.current = s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return uint64(len(s.current.data)), true
}

func (s *Segments) Pull(offset uint64, size int) (bridge.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := s.current
	if seg == nil || offset >= uint64(len(seg.data)) {
		if s.closed && len(s.queue) == 0 {
			return bridge.Chunk{}, bridge.ErrEndOfRange
		}
		return bridge.Chunk{}, bridge.ErrNotReady
	}
	if seg.header && offset == 0 {
		seg.header = false
		return bridge.Chunk{Header: true}, nil
	}

	end := offset + uint64(size)
	if end > uint64(len(seg.data)) {
		end = uint64(len(seg.data))
	}
	if int(end) > seg.consumed {
		seg.consumed = int(end)
	}
	return bridge.Chunk{Data: seg.data[offset:end]}, nil
}
