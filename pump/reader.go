package pump

import (
	"time"

	"github.com/will7200/demuxpump/bridge"
)

// Reader produces samples from a container read through a bridge.
type Reader interface {
	// ReadSample blocks until the next sample or flag is available. drain is
	// set once upstream signalled that no more data will arrive.
	ReadSample(drain bool) (ReadResult, error)
	Streams() []StreamInfo
	SelectStream(index int, selected bool) error
	// SetPosition repositions the reader. Position 0 on a fragmented source
	// means the start of the current segment.
	SetPosition(pos time.Duration) error
	// Flush unblocks a pending ReadSample.
	Flush() error
	Duration() (time.Duration, bool)
	Close() error
}

// OpenFunc creates a Reader on top of a bridge. It is called from the
// worker each time the reader has to be (re)created.
type OpenFunc func(b *bridge.Bridge) (Reader, error)

// Sink receives the output of one logical stream.
type Sink interface {
	SetCaps(caps Caps) error
	Segment(seg Segment) error
	Push(buf Buffer) error
	FlushStart() error
	FlushStop() error
	EndOfStream() error
}
