package rtpdump

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/will7200/demuxpump/bridge"
	"github.com/will7200/demuxpump/pump"
)

// Stream is what a Reader needs from the bridge it is opened over.
type Stream interface {
	bridge.AsyncStream
	SetFlushing(flushing bool)
}

// Reader implements pump.Reader. Every RTP packet becomes one sample.
type Reader struct {
	stream Stream
	in     *bridge.SyncReader
	log    zerolog.Logger

	header     header
	dataOffset uint64
	needHeader bool
	byPT       map[uint8]int
	selected   []bool
	origin     []uint32
	hasOrigin  []bool
	skipUntil  time.Duration
	discont    bool
}

// Open reads the header from the start of s.
func Open(s Stream) (*Reader, error) {
	r := &Reader{
		stream: s,
		in:     bridge.NewSyncReader(s),
		log:    log.With().Str("reader", "rtpdump").Logger(),
	}
	if err := s.SetCurrentPosition(0); err != nil {
		return nil, err
	}
	if err := r.readHeader(); err != nil {
		return nil, err
	}
	r.selected = make([]bool, len(r.header.streams))
	for i := range r.selected {
		r.selected[i] = true
	}
	r.origin = make([]uint32, len(r.header.streams))
	r.hasOrigin = make([]bool, len(r.header.streams))
	return r, nil
}

// OpenBridge is a pump.OpenFunc.
func OpenBridge(b *bridge.Bridge) (pump.Reader, error) {
	r, err := Open(b)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) readHeader() error {
	h, size, err := readHeader(r.in)
	if err != nil {
		return fmt.Errorf("rtpdump: reading header: %w", err)
	}
	if r.byPT != nil && len(h.streams) != len(r.header.streams) {
		return fmt.Errorf("rtpdump: stream count changed from %d to %d", len(r.header.streams), len(h.streams))
	}
	r.header = h
	r.dataOffset = size
	r.byPT = make(map[uint8]int, len(h.streams))
	for i, s := range h.streams {
		r.byPT[s.PayloadType] = i
	}
	r.needHeader = false
	r.log.Debug().Int("streams", len(h.streams)).Dur("duration", h.duration).Msg("header read")
	return nil
}

func (r *Reader) Streams() []pump.StreamInfo {
	infos := make([]pump.StreamInfo, len(r.header.streams))
	for i, s := range r.header.streams {
		infos[i] = pump.StreamInfo{Index: i, Caps: s.Caps}
	}
	return infos
}

func (r *Reader) SelectStream(index int, selected bool) error {
	if index < 0 || index >= len(r.selected) {
		return fmt.Errorf("rtpdump: no stream %d", index)
	}
	r.selected[index] = selected
	return nil
}

func (r *Reader) Duration() (time.Duration, bool) {
	return r.header.duration, r.header.duration > 0
}

// ReadSample returns the next packet of a selected stream. Truncated data
// and the end of the stream both end the stream.
func (r *Reader) ReadSample(bool) (pump.ReadResult, error) {
	if r.needHeader {
		if err := r.readHeader(); err != nil {
			return r.end(err)
		}
	}

	var length [2]byte
	for {
		if _, err := io.ReadFull(r.in, length[:]); err != nil {
			return r.end(err)
		}
		frame := make([]byte, binary.BigEndian.Uint16(length[:]))
		if _, err := io.ReadFull(r.in, frame); err != nil {
			return r.end(err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(frame); err != nil {
			return pump.ReadResult{}, fmt.Errorf("rtpdump: %w", err)
		}
		index, ok := r.byPT[pkt.PayloadType]
		if !ok {
			r.log.Trace().Uint8("payload_type", pkt.PayloadType).Msg("skipping unknown payload type")
			continue
		}
		ts := r.timestamp(index, pkt.Timestamp)
		if !r.selected[index] || ts < r.skipUntil {
			continue
		}

		sample := &pump.Sample{
			Data:          pkt.Payload,
			Timestamp:     ts,
			Discontinuity: r.discont,
		}
		r.discont = false
		return pump.ReadResult{StreamIndex: index, Sample: sample}, nil
	}
}

func (r *Reader) end(err error) (pump.ReadResult, error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return pump.ReadResult{EndOfStream: true}, nil
	}
	return pump.ReadResult{}, err
}

// timestamp converts an RTP timestamp to the time since the first packet of
// the stream.
func (r *Reader) timestamp(index int, ts uint32) time.Duration {
	if !r.hasOrigin[index] {
		r.origin[index] = ts
		r.hasOrigin[index] = true
	}
	clock := r.header.streams[index].Caps.ClockRate
	if clock == 0 {
		return pump.NoTimestamp
	}
	return time.Duration(ts-r.origin[index]) * time.Second / time.Duration(clock)
}

// SetPosition rewinds the stream. Position 0 restarts at the header, which
// is read again on the next ReadSample; any other position restarts at the
// first packet and drops samples before pos.
func (r *Reader) SetPosition(pos time.Duration) error {
	r.stream.SetFlushing(false)
	r.discont = true
	if pos <= 0 {
		r.skipUntil = 0
		r.needHeader = true
		return r.stream.SetCurrentPosition(0)
	}
	r.skipUntil = pos
	return r.stream.SetCurrentPosition(r.dataOffset)
}

// Flush cancels a blocked ReadSample. Reads fail until the next SetPosition.
func (r *Reader) Flush() error {
	r.stream.SetFlushing(true)
	return nil
}

func (r *Reader) Close() error {
	return nil
}
