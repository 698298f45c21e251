// Package pump drives a Reader over a bridge on a dedicated worker and
// delivers its samples to per-kind sinks, coordinating seeks, flushes,
// reloads and end of stream with the control side.
package pump

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/will7200/demuxpump/bridge"
)

type Params struct {
	Upstream bridge.Upstream
	Open     OpenFunc
	Sinks    map[MediaKind]Sink
	// Fragmented forces fragmented mode even when upstream knows its length.
	Fragmented bool
	// Live defers the worker until upstream announced its first segment.
	Live bool
	// UpstreamSeek forwards a seek to a source that cannot be repositioned
	// locally.
	UpstreamSeek func(pos time.Duration, rate float64) error
	// RequestNextSegment asks upstream for the segment replacing the one
	// that triggered a reload.
	RequestNextSegment func()
	Logger             *zerolog.Logger
}

// binding ties a stream index to the sink of its kind.
type binding struct {
	sink Sink
	caps Caps
}

type Pump struct {
	params Params
	id     string
	log    zerolog.Logger
	state  stateCell
	// drain is set once upstream signalled its end.
	drain atomic.Bool
	errs  chan *StreamError

	// controlMu serializes Activate, Deactivate and Seek.
	controlMu sync.Mutex

	// streamMu is held by the worker while it touches the reader, except
	// around blocking reads and reader creation.
	streamMu    sync.Mutex
	reader      Reader
	selected    map[int]Caps
	bindings    map[int]*binding
	sendSegment bool
	rate        float64
	position    time.Duration

	mu              sync.Mutex
	bridge          *bridge.Bridge
	workerDone      chan struct{}
	deferred        bool
	duration        time.Duration
	durationKnown   bool
	upstreamSegment *Segment
	forceDiscont    bool
}

func NewPump(params Params) *Pump {
	id := uuid.New().String()
	logger := log.With().Str("pump", id).Logger()
	if params.Logger != nil {
		logger = params.Logger.With().Str("pump", id).Logger()
	}
	return &Pump{
		params: params,
		id:     id,
		log:    logger,
		errs:   make(chan *StreamError, 1),
		rate:   1,
	}
}

func (p *Pump) ID() string {
	return p.id
}

func (p *Pump) State() State {
	return p.state.Load()
}

// Errors delivers fatal stream errors. The channel is never closed.
func (p *Pump) Errors() <-chan *StreamError {
	return p.errs
}

// Duration returns the duration reported by the reader once it is open.
func (p *Pump) Duration() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration, p.durationKnown
}

// Activate creates the bridge and starts the worker, or arms it to start on
// the first segment in live mode.
func (p *Pump) Activate() error {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()

	if p.params.Open == nil {
		return fmt.Errorf("pump: no reader")
	}
	if !p.state.CompareAndSwap(Idle, Running) {
		return ErrAlreadyActive
	}

	length := bridge.UnknownLength
	if p.params.Upstream != nil && !p.params.Fragmented {
		if l, ok := p.params.Upstream.QueryLength(); ok {
			length = l
		}
	}
	b := bridge.New(bridge.Params{Upstream: p.params.Upstream, Length: length, Logger: &p.log})

	p.streamMu.Lock()
	p.drain.Store(false)
	p.sendSegment = !b.Fragmented()
	p.rate = 1
	p.position = 0
	p.streamMu.Unlock()

	p.mu.Lock()
	p.bridge = b
	p.deferred = p.params.Live
	if !p.deferred {
		p.startWorkerLocked()
	}
	p.mu.Unlock()

	p.log.Info().
		Bool("fragmented", b.Fragmented()).
		Bool("live", p.params.Live).
		Msg("activated")
	return nil
}

// Deactivate stops the worker, force-completing any read it is blocked on,
// and releases the reader.
func (p *Pump) Deactivate() error {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()

	if p.state.Swap(Idle) == Idle {
		return nil
	}

	p.streamMu.Lock()
	p.mu.Lock()
	b := p.bridge
	p.deferred = false
	p.mu.Unlock()
	if b != nil {
		b.Abort()
	}
	var err error
	if p.reader != nil {
		err = p.reader.Flush()
	}
	p.streamMu.Unlock()

	p.waitWorker()

	p.streamMu.Lock()
	if p.reader != nil {
		err = multierr.Append(err, p.reader.Close())
		p.reader = nil
	}
	p.selected = nil
	p.bindings = nil
	p.streamMu.Unlock()

	p.mu.Lock()
	p.bridge = nil
	p.upstreamSegment = nil
	p.forceDiscont = false
	p.durationKnown = false
	p.mu.Unlock()

	p.log.Info().Err(err).Msg("deactivated")
	return err
}

// Seek repositions the stream. With SeekFlush the sinks see FlushStart and
// FlushStop around the operation. The next delivered buffer is preceded by
// exactly one segment.
func (p *Pump) Seek(pos time.Duration, rate float64, flags SeekFlag) error {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()

	if rate == 0 {
		return fmt.Errorf("%w: rate 0", ErrSeekUnavailable)
	}
	switch p.state.Load() {
	case Idle, Error:
		return ErrSeekUnavailable
	}
	b := p.currentBridge()
	if b == nil {
		return ErrSeekUnavailable
	}
	p.streamMu.Lock()
	opened := p.reader != nil
	p.streamMu.Unlock()
	if !opened {
		// Still waiting for the first segment or probing the stream.
		return ErrSeekUnavailable
	}

	// A fatal error reported while waiting for the stream lock wins.
	if !p.state.CompareAndSwap(Running, Flushing) && !p.state.CompareAndSwap(EndOfStream, Flushing) {
		return ErrSeekUnavailable
	}
	p.drain.Store(false)
	b.ClearEndOfStream()

	p.streamMu.Lock()
	var err error
	if flags&SeekFlush != 0 {
		err = multierr.Append(err, p.eachSink(Sink.FlushStart))
	}
	reader := p.reader
	if reader != nil {
		err = multierr.Append(err, reader.Flush())
	}
	p.streamMu.Unlock()

	p.waitWorker()

	p.streamMu.Lock()
	if reader = p.reader; reader != nil {
		if b.IsSeekSupported() {
			p.rate = rate
			p.position = pos
			p.sendSegment = true
			err = multierr.Append(err, reader.SetPosition(pos))
		} else {
			b.ResetSegment()
			if p.params.UpstreamSeek != nil {
				err = multierr.Append(err, p.params.UpstreamSeek(pos, rate))
			}
			err = multierr.Append(err, reader.SetPosition(0))
		}
	}
	if flags&SeekFlush != 0 {
		err = multierr.Append(err, p.eachSink(Sink.FlushStop))
	}
	p.streamMu.Unlock()

	p.mu.Lock()
	p.forceDiscont = true
	p.mu.Unlock()

	if !p.state.CompareAndSwap(Flushing, Running) {
		return multierr.Append(err, ErrNotActive)
	}
	p.mu.Lock()
	p.startWorkerLocked()
	p.mu.Unlock()

	p.log.Debug().Dur("position", pos).Float64("rate", rate).Err(err).Msg("seek")
	return err
}

// HandleRangeReady resumes a read stalled on upstream.
func (p *Pump) HandleRangeReady() {
	if b := p.currentBridge(); b != nil {
		b.NotifyRangeReady()
	}
}

// HandleSegmentReady announces the size of the segment upstream switched
// to. In live mode the first call starts the worker.
func (p *Pump) HandleSegmentReady(size uint64) {
	p.mu.Lock()
	b := p.bridge
	start := p.deferred && p.state.Load() == Running
	if start {
		p.deferred = false
	}
	p.mu.Unlock()
	if b == nil {
		return
	}

	b.NotifySegmentReady(size)
	if start {
		p.log.Debug().Uint64("size", size).Msg("first segment ready, starting worker")
		p.mu.Lock()
		p.startWorkerLocked()
		p.mu.Unlock()
	}
}

// HandleUpstreamSegment takes a new base segment from upstream. It clears a
// previous end of stream and is delivered ahead of the next buffer, which
// is marked discontinuous.
func (p *Pump) HandleUpstreamSegment(seg Segment) {
	p.drain.Store(false)
	p.mu.Lock()
	b := p.bridge
	p.upstreamSegment = &seg
	p.forceDiscont = true
	p.mu.Unlock()
	if b != nil {
		b.ClearEndOfStream()
	}
}

// HandleUpstreamEOS switches the reader to drain mode and completes reads
// waiting for data that will not arrive.
func (p *Pump) HandleUpstreamEOS() {
	p.drain.Store(true)
	if b := p.currentBridge(); b != nil {
		b.SignalEndOfStream()
	}
}

// HandleUpstreamFlush acknowledges an upstream flush. Pull mode never
// flushes upstream, so there is nothing to undo.
func (p *Pump) HandleUpstreamFlush(start bool) {
	p.log.Debug().Bool("start", start).Msg("upstream flush")
}

func (p *Pump) currentBridge() *bridge.Bridge {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bridge
}

func (p *Pump) startWorkerLocked() {
	done := make(chan struct{})
	p.workerDone = done
	go func() {
		defer close(done)
		for p.iterate() {
		}
		p.log.Debug().Str("state", p.state.Load().String()).Msg("worker paused")
	}()
}

func (p *Pump) waitWorker() {
	p.mu.Lock()
	done := p.workerDone
	p.workerDone = nil
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// iterate runs one pass of the worker loop and reports whether the worker
// should keep going.
func (p *Pump) iterate() bool {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	if p.reader == nil && !p.openReader() {
		return false
	}
	if p.state.Load() != Running {
		return false
	}

	reader := p.reader
	drain := p.drain.Load()
	p.streamMu.Unlock()
	res, err := reader.ReadSample(drain)
	p.streamMu.Lock()

	next := p.handleRead(res, err, drain)
	return p.state.Reconcile(next) == Running
}

// openReader creates and configures the reader. Called with streamMu held;
// the lock is released while the reader probes the stream.
func (p *Pump) openReader() bool {
	b := p.currentBridge()
	if b == nil {
		return false
	}

	p.streamMu.Unlock()
	reader, err := p.params.Open(b)
	p.streamMu.Lock()

	if err != nil {
		if p.state.Load() != Running {
			p.log.Debug().Err(err).Msg("reader open interrupted")
			return false
		}
		p.state.Reconcile(p.fatal("open", err))
		return false
	}
	if p.state.Load() != Running {
		_ = reader.Close()
		return false
	}

	p.reader = reader
	if err := p.configure(reader, b); err != nil {
		p.state.Reconcile(p.fatal("configure", err))
		return false
	}
	return true
}

// configure selects the first stream of every kind that has a sink and
// announces its caps.
func (p *Pump) configure(reader Reader, b *bridge.Bridge) error {
	p.selected = make(map[int]Caps)
	p.bindings = make(map[int]*binding)
	kinds := make(map[MediaKind]bool)

	var err error
	for _, stream := range reader.Streams() {
		caps := stream.Caps
		_, hasSink := p.params.Sinks[caps.Kind]
		if !hasSink || kinds[caps.Kind] {
			err = multierr.Append(err, reader.SelectStream(stream.Index, false))
			continue
		}
		kinds[caps.Kind] = true
		if caps.Kind == KindVideo && !b.IsSeekSupported() {
			caps.Fragmented = true
		}
		p.selected[stream.Index] = caps
		err = multierr.Append(err, reader.SelectStream(stream.Index, true))
		err = multierr.Append(err, p.params.Sinks[caps.Kind].SetCaps(caps))
		p.log.Debug().Int("stream", stream.Index).Str("caps", caps.String()).Msg("stream selected")
	}
	if err != nil {
		return err
	}
	if len(p.selected) == 0 {
		return ErrNoStreams
	}

	d, ok := reader.Duration()
	p.mu.Lock()
	p.duration, p.durationKnown = d, ok
	p.mu.Unlock()
	return nil
}

// handleRead acts on the outcome of ReadSample and returns the resulting
// state. Called with streamMu held.
func (p *Pump) handleRead(res ReadResult, err error, drain bool) State {
	if state := p.state.Load(); state != Running {
		// A flush or shutdown interrupted the read; whatever it returned
		// is stale.
		if err != nil {
			p.log.Debug().Err(err).Str("state", state.String()).Msg("read interrupted")
		}
		return state
	}
	if err != nil {
		return p.fatal("read", err)
	}
	if res.StreamError {
		return p.fatal("read", fmt.Errorf("stream %d reported an error", res.StreamIndex))
	}

	if res.Sample != nil {
		if err := p.deliver(res); err != nil {
			return p.fatal("push", err)
		}
	}
	if res.EndOfStream || (res.Sample == nil && drain) {
		return p.endOfStream()
	}
	return Running
}

func (p *Pump) endOfStream() State {
	b := p.currentBridge()
	if b != nil && b.ReloadRequested() {
		if err := p.reload(b); err != nil {
			return p.fatal("reload", err)
		}
		return Running
	}

	p.log.Info().Msg("end of stream")
	if err := p.eachSink(Sink.EndOfStream); err != nil {
		p.log.Warn().Err(err).Msg("end of stream not delivered")
	}
	return EndOfStream
}

// reload drops the reader so the next iteration recreates it over the same
// bridge.
func (p *Pump) reload(b *bridge.Bridge) error {
	p.log.Info().Uint64("position", b.Position()).Msg("stream changed shape, reloading reader")
	err := p.reader.Close()
	p.reader = nil
	p.selected = nil
	p.bindings = nil
	if resetErr := b.Reset(); resetErr != nil {
		return multierr.Append(err, resetErr)
	}
	if p.drain.Load() {
		b.SignalEndOfStream()
	}
	if p.params.RequestNextSegment != nil {
		p.params.RequestNextSegment()
	}
	if err != nil {
		p.log.Warn().Err(err).Msg("closing reader before reload")
	}
	return nil
}

// deliver forwards a sample to the sink bound to its stream, preceded by a
// pending segment.
func (p *Pump) deliver(res ReadResult) error {
	bound, ok := p.bindings[res.StreamIndex]
	if !ok {
		caps, selected := p.selected[res.StreamIndex]
		if !selected {
			p.log.Trace().Int("stream", res.StreamIndex).Msg("dropping sample of unselected stream")
			return nil
		}
		bound = &binding{sink: p.params.Sinks[caps.Kind], caps: caps}
		p.bindings[res.StreamIndex] = bound
	}

	if res.FormatChanged {
		for _, stream := range p.reader.Streams() {
			if stream.Index != res.StreamIndex {
				continue
			}
			bound.caps = stream.Caps
			if bound.caps.Kind == KindVideo && p.selected[res.StreamIndex].Fragmented {
				bound.caps.Fragmented = true
			}
			if err := bound.sink.SetCaps(bound.caps); err != nil {
				return err
			}
		}
	}

	if err := p.sendPendingSegment(); err != nil {
		return err
	}

	sample := res.Sample
	p.mu.Lock()
	discont := sample.Discontinuity || p.forceDiscont
	p.forceDiscont = false
	p.mu.Unlock()

	return bound.sink.Push(Buffer{
		Data:     sample.Data,
		PTS:      sample.Timestamp,
		Duration: sample.Duration,
		Discont:  discont,
	})
}

// sendPendingSegment emits the segment built after activation or a seek,
// or else a segment received from upstream.
func (p *Pump) sendPendingSegment() error {
	var seg *Segment
	p.mu.Lock()
	switch {
	case p.sendSegment:
		p.sendSegment = false
		p.upstreamSegment = nil
		s := Segment{
			Rate:     p.rate,
			Start:    p.position,
			Stop:     -1,
			Time:     p.position,
			Position: p.position,
			Duration: -1,
		}
		if p.durationKnown {
			s.Stop = p.duration
			s.Duration = p.duration
		}
		seg = &s
	case p.upstreamSegment != nil:
		seg = p.upstreamSegment
		p.upstreamSegment = nil
	}
	p.mu.Unlock()

	if seg == nil {
		return nil
	}
	p.log.Debug().Dur("start", seg.Start).Float64("rate", seg.Rate).Msg("new segment")
	return p.eachSink(func(s Sink) error { return s.Segment(*seg) })
}

// eachSink calls fn on the sink of every selected stream.
func (p *Pump) eachSink(fn func(Sink) error) error {
	var err error
	for _, caps := range p.selected {
		if sink, ok := p.params.Sinks[caps.Kind]; ok {
			err = multierr.Append(err, fn(sink))
		}
	}
	return err
}

// fatal reports err once and returns the Error state.
func (p *Pump) fatal(op string, err error) State {
	serr := &StreamError{PumpID: p.id, Op: op, Err: err}
	p.log.Error().Err(err).Str("op", op).Msg("stream error")
	select {
	case p.errs <- serr:
	default:
		p.log.Warn().Err(err).Msg("previous stream error not collected, dropping")
	}
	return Error
}

// IsStreamError reports whether err carries a StreamError.
func IsStreamError(err error) bool {
	var serr *StreamError
	return errors.As(err, &serr)
}
