package pump

import (
	"fmt"
	"time"
)

type MediaKind int

const (
	KindUnknown MediaKind = iota
	KindAudio
	KindVideo
)

func (k MediaKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Caps describes the format of a stream as announced to a sink.
type Caps struct {
	Kind      MediaKind
	Codec     string
	ClockRate uint32
	Channels  int
	Width     int
	Height    int
	// Fragmented is set on video caps of sources that cannot seek.
	Fragmented bool
	CodecData  []byte
}

func (c Caps) String() string {
	switch c.Kind {
	case KindVideo:
		return fmt.Sprintf("video/%s %dx%d@%d fragmented=%t", c.Codec, c.Width, c.Height, c.ClockRate, c.Fragmented)
	case KindAudio:
		return fmt.Sprintf("audio/%s %dch@%d", c.Codec, c.Channels, c.ClockRate)
	default:
		return c.Codec
	}
}

type StreamInfo struct {
	Index int
	Caps  Caps
}

// NoTimestamp marks an unknown sample time.
const NoTimestamp time.Duration = -1

type Sample struct {
	Data          []byte
	Timestamp     time.Duration
	Duration      time.Duration
	Discontinuity bool
}

// ReadResult is the outcome of a single Reader.ReadSample call. Sample is
// nil when the call only carried flags.
type ReadResult struct {
	StreamIndex   int
	Sample        *Sample
	EndOfStream   bool
	StreamError   bool
	FormatChanged bool
}

// Segment tells a sink how to interpret the timestamps that follow. Stop
// and Duration are -1 when unknown.
type Segment struct {
	Rate     float64
	Start    time.Duration
	Stop     time.Duration
	Time     time.Duration
	Position time.Duration
	Duration time.Duration
}

type Buffer struct {
	Data     []byte
	PTS      time.Duration
	Duration time.Duration
	Discont  bool
}

type SeekFlag int

const (
	// SeekFlush brackets the seek with FlushStart and FlushStop on every sink.
	SeekFlush SeekFlag = 1 << iota
)
