package rtpdump

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/pion/rtp"
)

type Writer struct {
	w     io.Writer
	known map[uint8]bool
}

// NewWriter writes the header for streams to w. duration is 0 when unknown.
func NewWriter(w io.Writer, duration time.Duration, streams []StreamDesc) (*Writer, error) {
	known := make(map[uint8]bool, len(streams))
	for _, s := range streams {
		if known[s.PayloadType] {
			return nil, fmt.Errorf("rtpdump: duplicate payload type %d", s.PayloadType)
		}
		known[s.PayloadType] = true
	}
	if _, err := writeHeader(w, header{duration: duration, streams: streams}); err != nil {
		return nil, err
	}
	return &Writer{w: w, known: known}, nil
}

func (w *Writer) WritePacket(pkt *rtp.Packet) error {
	if !w.known[pkt.PayloadType] {
		return fmt.Errorf("rtpdump: unknown payload type %d", pkt.PayloadType)
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if len(data) > 0xffff {
		return fmt.Errorf("rtpdump: packet of %d bytes", len(data))
	}
	frame := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(data)), uint16(len(data)))
	_, err = w.w.Write(append(frame, data...))
	return err
}
