package pump

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/will7200/demuxpump/bridge"
	"github.com/will7200/demuxpump/source"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

const waitFor = 5 * time.Second

type readStep struct {
	res ReadResult
	err error
}

// scriptedReader hands out whatever the test feeds it. Flush makes a
// blocked ReadSample return a stale sample, which must never reach a sink.
type scriptedReader struct {
	mu        sync.Mutex
	streams   []StreamInfo
	selected  map[int]bool
	positions []time.Duration
	flush     chan struct{}
	closed    bool
	steps     chan readStep
}

func newScriptedReader(streams ...StreamInfo) *scriptedReader {
	return &scriptedReader{
		streams:  streams,
		selected: make(map[int]bool),
		flush:    make(chan struct{}),
		steps:    make(chan readStep),
	}
}

func (r *scriptedReader) ReadSample(bool) (ReadResult, error) {
	r.mu.Lock()
	flush := r.flush
	r.mu.Unlock()
	select {
	case step := <-r.steps:
		return step.res, step.err
	case <-flush:
		return ReadResult{StreamIndex: 0, Sample: &Sample{Data: []byte("stale")}}, nil
	}
}

func (r *scriptedReader) Streams() []StreamInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StreamInfo(nil), r.streams...)
}

func (r *scriptedReader) setStreams(streams ...StreamInfo) {
	r.mu.Lock()
	r.streams = streams
	r.mu.Unlock()
}

func (r *scriptedReader) SelectStream(index int, selected bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selected[index] = selected
	return nil
}

func (r *scriptedReader) SetPosition(pos time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, pos)
	r.flush = make(chan struct{})
	return nil
}

func (r *scriptedReader) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.flush:
	default:
		close(r.flush)
	}
	return nil
}

func (r *scriptedReader) Duration() (time.Duration, bool) {
	return 10 * time.Second, true
}

func (r *scriptedReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *scriptedReader) feed(t *testing.T, step readStep) {
	select {
	case r.steps <- step:
	case <-time.After(waitFor):
		t.Fatal("worker never asked for a sample")
	}
}

func sample(index int, ts time.Duration) readStep {
	return readStep{res: ReadResult{
		StreamIndex: index,
		Sample:      &Sample{Data: []byte(fmt.Sprintf("%d@%s", index, ts)), Timestamp: ts},
	}}
}

type event struct {
	kind string
	caps Caps
	seg  Segment
	buf  Buffer
}

type recordingSink struct {
	mu     sync.Mutex
	events []event
	err    error
}

func (s *recordingSink) add(e event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) SetCaps(caps Caps) error  { return s.add(event{kind: "caps", caps: caps}) }
func (s *recordingSink) Segment(seg Segment) error { return s.add(event{kind: "segment", seg: seg}) }
func (s *recordingSink) Push(buf Buffer) error     { return s.add(event{kind: "buffer", buf: buf}) }
func (s *recordingSink) FlushStart() error         { return s.add(event{kind: "flush-start"}) }
func (s *recordingSink) FlushStop() error          { return s.add(event{kind: "flush-stop"}) }
func (s *recordingSink) EndOfStream() error        { return s.add(event{kind: "eos"}) }

func (s *recordingSink) snapshot() []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event(nil), s.events...)
}

func (s *recordingSink) kinds() []string {
	var kinds []string
	for _, e := range s.snapshot() {
		kinds = append(kinds, e.kind)
	}
	return kinds
}

func (s *recordingSink) count(kind string) int {
	n := 0
	for _, e := range s.snapshot() {
		if e.kind == kind {
			n++
		}
	}
	return n
}

var (
	videoStream = StreamInfo{Index: 0, Caps: Caps{Kind: KindVideo, Codec: "H264", ClockRate: 90000, Width: 640, Height: 360}}
	audioStream = StreamInfo{Index: 1, Caps: Caps{Kind: KindAudio, Codec: "OPUS", ClockRate: 48000, Channels: 2}}
)

func newTestPump(t *testing.T, reader *scriptedReader, sinks map[MediaKind]Sink) *Pump {
	data := make([]byte, 64)
	p := NewPump(Params{
		Upstream: source.NewFile(bytes.NewReader(data), int64(len(data))),
		Open: func(*bridge.Bridge) (Reader, error) {
			return reader, nil
		},
		Sinks: sinks,
	})
	t.Cleanup(func() {
		_ = p.Deactivate()
	})
	return p
}

func TestPumpDeliversSegmentFirst(t *testing.T) {
	reader := newScriptedReader(videoStream, audioStream)
	video, audio := &recordingSink{}, &recordingSink{}
	p := newTestPump(t, reader, map[MediaKind]Sink{KindVideo: video, KindAudio: audio})

	require.NoError(t, p.Activate())
	assert.ErrorIs(t, p.Activate(), ErrAlreadyActive)

	reader.feed(t, sample(0, 0))
	reader.feed(t, sample(1, 0))
	reader.feed(t, sample(0, 40*time.Millisecond))
	reader.feed(t, readStep{res: ReadResult{EndOfStream: true}})

	assert.Eventually(t, func() bool { return p.State() == EndOfStream }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"caps", "segment", "buffer", "buffer", "eos"}, video.kinds())
	assert.Equal(t, []string{"caps", "segment", "buffer", "eos"}, audio.kinds())

	seg := video.snapshot()[1].seg
	assert.Equal(t, 1.0, seg.Rate)
	assert.Equal(t, time.Duration(0), seg.Start)
	assert.Equal(t, 10*time.Second, seg.Stop)
	assert.Equal(t, 40*time.Millisecond, video.snapshot()[3].buf.PTS)

	d, ok := p.Duration()
	assert.True(t, ok)
	assert.Equal(t, 10*time.Second, d)
}

func TestPumpBindsFirstStreamPerKind(t *testing.T) {
	second := StreamInfo{Index: 1, Caps: videoStream.Caps}
	reader := newScriptedReader(videoStream, second, StreamInfo{Index: 2, Caps: audioStream.Caps})
	video := &recordingSink{}
	p := newTestPump(t, reader, map[MediaKind]Sink{KindVideo: video})

	require.NoError(t, p.Activate())
	reader.feed(t, sample(1, 0))
	reader.feed(t, sample(2, 0))
	reader.feed(t, sample(0, 0))

	assert.Eventually(t, func() bool { return video.count("buffer") == 1 }, waitFor, 10*time.Millisecond)
	reader.mu.Lock()
	assert.Equal(t, map[int]bool{0: true, 1: false, 2: false}, reader.selected)
	reader.mu.Unlock()
	assert.Equal(t, "0@0s", string(video.snapshot()[2].buf.Data))
}

func TestPumpFatalErrorReportedOnce(t *testing.T) {
	reader := newScriptedReader(videoStream)
	video := &recordingSink{}
	p := newTestPump(t, reader, map[MediaKind]Sink{KindVideo: video})

	require.NoError(t, p.Activate())
	reader.feed(t, readStep{err: bridge.ErrReadFailure})

	select {
	case serr := <-p.Errors():
		assert.ErrorIs(t, serr, bridge.ErrReadFailure)
		assert.Equal(t, "read", serr.Op)
		assert.Equal(t, p.ID(), serr.PumpID)
		assert.True(t, IsStreamError(fmt.Errorf("wrapped: %w", serr)))
	case <-time.After(waitFor):
		t.Fatal("no stream error")
	}
	assert.Eventually(t, func() bool { return p.State() == Error }, waitFor, 10*time.Millisecond)

	select {
	case serr := <-p.Errors():
		t.Fatalf("second stream error: %v", serr)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, video.count("buffer"))
	assert.ErrorIs(t, p.Seek(0, 1, SeekFlush), ErrSeekUnavailable)
}

func TestPumpStreamErrorFlag(t *testing.T) {
	reader := newScriptedReader(videoStream)
	p := newTestPump(t, reader, map[MediaKind]Sink{KindVideo: &recordingSink{}})

	require.NoError(t, p.Activate())
	reader.feed(t, readStep{res: ReadResult{StreamIndex: 0, StreamError: true}})

	select {
	case serr := <-p.Errors():
		assert.Contains(t, serr.Error(), "stream 0")
	case <-time.After(waitFor):
		t.Fatal("no stream error")
	}
}

func TestPumpOpenFailure(t *testing.T) {
	p := NewPump(Params{
		Upstream: source.NewFile(bytes.NewReader(nil), 0),
		Open: func(*bridge.Bridge) (Reader, error) {
			return nil, errors.New("no moov atom")
		},
		Sinks: map[MediaKind]Sink{KindVideo: &recordingSink{}},
	})
	require.NoError(t, p.Activate())

	select {
	case serr := <-p.Errors():
		assert.Equal(t, "open", serr.Op)
	case <-time.After(waitFor):
		t.Fatal("no stream error")
	}
	assert.Eventually(t, func() bool { return p.State() == Error }, waitFor, 10*time.Millisecond)
	assert.NoError(t, p.Deactivate())
	assert.Equal(t, Idle, p.State())
}

func TestPumpNoStreams(t *testing.T) {
	reader := newScriptedReader(audioStream)
	p := newTestPump(t, reader, map[MediaKind]Sink{KindVideo: &recordingSink{}})
	require.NoError(t, p.Activate())

	select {
	case serr := <-p.Errors():
		assert.ErrorIs(t, serr, ErrNoStreams)
	case <-time.After(waitFor):
		t.Fatal("no stream error")
	}
}

func TestPumpSeekFencing(t *testing.T) {
	reader := newScriptedReader(videoStream)
	video := &recordingSink{}
	p := newTestPump(t, reader, map[MediaKind]Sink{KindVideo: video})

	require.NoError(t, p.Activate())
	reader.feed(t, sample(0, 0))
	assert.Eventually(t, func() bool { return video.count("buffer") == 1 }, waitFor, 10*time.Millisecond)

	// Give the worker time to block in the next read.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Seek(2*time.Second, 1, SeekFlush))
	assert.Equal(t, Running, p.State())

	reader.feed(t, sample(0, 2*time.Second))
	reader.feed(t, sample(0, 2*time.Second+40*time.Millisecond))
	assert.Eventually(t, func() bool { return video.count("buffer") == 3 }, waitFor, 10*time.Millisecond)

	assert.Equal(t, []string{
		"caps", "segment", "buffer",
		"flush-start", "flush-stop",
		"segment", "buffer", "buffer",
	}, video.kinds())

	events := video.snapshot()
	for _, e := range events {
		assert.NotEqual(t, "stale", string(e.buf.Data))
	}
	assert.Equal(t, 2*time.Second, events[5].seg.Start)
	assert.Equal(t, 2*time.Second, events[5].seg.Time)
	assert.True(t, events[6].buf.Discont)
	assert.False(t, events[7].buf.Discont)

	reader.mu.Lock()
	assert.Equal(t, []time.Duration{2 * time.Second}, reader.positions)
	reader.mu.Unlock()
}

func TestPumpSeekAfterEndOfStream(t *testing.T) {
	reader := newScriptedReader(videoStream)
	video := &recordingSink{}
	p := newTestPump(t, reader, map[MediaKind]Sink{KindVideo: video})

	require.NoError(t, p.Activate())
	reader.feed(t, sample(0, 0))
	reader.feed(t, readStep{res: ReadResult{EndOfStream: true}})
	assert.Eventually(t, func() bool { return p.State() == EndOfStream }, waitFor, 10*time.Millisecond)

	require.NoError(t, p.Seek(0, 1, 0))
	reader.feed(t, sample(0, 0))
	assert.Eventually(t, func() bool { return video.count("buffer") == 2 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"caps", "segment", "buffer", "eos", "segment", "buffer"}, video.kinds())
}

// stallingSink blocks its first Push until released, then fails it.
type stallingSink struct {
	recordingSink
	entered chan struct{}
	release chan struct{}
}

func (s *stallingSink) Push(buf Buffer) error {
	close(s.entered)
	<-s.release
	_ = s.add(event{kind: "buffer", buf: buf})
	return errors.New("sink broke")
}

func TestPumpSeekDuringFatalPush(t *testing.T) {
	reader := newScriptedReader(videoStream)
	video := &stallingSink{entered: make(chan struct{}), release: make(chan struct{})}
	p := newTestPump(t, reader, map[MediaKind]Sink{KindVideo: video})

	require.NoError(t, p.Activate())
	reader.feed(t, sample(0, 0))
	select {
	case <-video.entered:
	case <-time.After(waitFor):
		t.Fatal("sample never pushed")
	}

	seekErr := make(chan error, 1)
	go func() { seekErr <- p.Seek(time.Second, 1, SeekFlush) }()
	// let the seek wait on the stream while the push is stuck
	time.Sleep(20 * time.Millisecond)
	close(video.release)

	select {
	case serr := <-p.Errors():
		assert.Equal(t, "push", serr.Op)
	case <-time.After(waitFor):
		t.Fatal("no stream error")
	}
	select {
	case err := <-seekErr:
		assert.ErrorIs(t, err, ErrSeekUnavailable)
	case <-time.After(waitFor):
		t.Fatal("seek never returned")
	}
	assert.Equal(t, Error, p.State())
	assert.Zero(t, video.count("flush-start"))

	reader.mu.Lock()
	assert.Empty(t, reader.positions)
	reader.mu.Unlock()
}

func TestPumpFormatChange(t *testing.T) {
	reader := newScriptedReader(videoStream)
	video := &recordingSink{}
	p := newTestPump(t, reader, map[MediaKind]Sink{KindVideo: video})

	require.NoError(t, p.Activate())
	reader.feed(t, sample(0, 0))

	resized := videoStream
	resized.Caps.Width, resized.Caps.Height = 1280, 720
	reader.setStreams(resized)
	step := sample(0, 40*time.Millisecond)
	step.res.FormatChanged = true
	reader.feed(t, step)

	assert.Eventually(t, func() bool { return video.count("buffer") == 2 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"caps", "segment", "buffer", "caps", "buffer"}, video.kinds())
	assert.Equal(t, 1280, video.snapshot()[3].caps.Width)
}

func TestPumpFragmentedUpstreamSegment(t *testing.T) {
	reader := newScriptedReader(videoStream)
	video := &recordingSink{}
	p := NewPump(Params{
		Upstream:   source.NewSegments(source.SegmentsParams{}),
		Open:       func(*bridge.Bridge) (Reader, error) { return reader, nil },
		Sinks:      map[MediaKind]Sink{KindVideo: video},
		Fragmented: true,
	})
	t.Cleanup(func() { _ = p.Deactivate() })

	upstream := Segment{Rate: 1, Start: 5 * time.Second, Stop: -1, Time: 5 * time.Second, Duration: -1}
	p.HandleUpstreamSegment(upstream)
	require.NoError(t, p.Activate())
	reader.feed(t, sample(0, 5*time.Second))

	assert.Eventually(t, func() bool { return video.count("buffer") == 1 }, waitFor, 10*time.Millisecond)
	events := video.snapshot()
	assert.Equal(t, []string{"caps", "segment", "buffer"}, video.kinds())
	assert.True(t, events[0].caps.Fragmented)
	assert.Equal(t, upstream, events[1].seg)
	assert.True(t, events[2].buf.Discont)
}

func TestPumpDeactivate(t *testing.T) {
	reader := newScriptedReader(videoStream)
	p := newTestPump(t, reader, map[MediaKind]Sink{KindVideo: &recordingSink{}})

	assert.ErrorIs(t, p.Seek(0, 1, SeekFlush), ErrSeekUnavailable)
	require.NoError(t, p.Activate())
	reader.feed(t, sample(0, 0))

	done := make(chan error, 1)
	go func() { done <- p.Deactivate() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("deactivate blocked")
	}
	assert.Equal(t, Idle, p.State())
	reader.mu.Lock()
	assert.True(t, reader.closed)
	reader.mu.Unlock()
	assert.NoError(t, p.Deactivate())
}
