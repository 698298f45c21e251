// Package rtpdump reads and writes a minimal container of RTP packets.
//
// A file starts with a header describing its streams, followed by RTP
// packets framed as in RFC 4571: a big-endian uint16 length, then the
// packet. Each stream is identified by its RTP payload type.
//
//	magic    "RTPD"
//	version  uint8 (1)
//	count    uint8
//	duration uint64, nanoseconds, 0 when unknown
//	count times:
//	  payload type uint8, kind uint8, clock rate uint32,
//	  channels uint8, width uint16, height uint16,
//	  codec length uint8, codec
package rtpdump

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/will7200/demuxpump/pump"
)

const (
	magic   = "RTPD"
	version = 1
)

var (
	ErrBadMagic   = errors.New("rtpdump: not an rtpdump stream")
	ErrBadVersion = errors.New("rtpdump: unsupported version")
)

// StreamDesc describes one stream of a file.
type StreamDesc struct {
	PayloadType uint8
	Caps        pump.Caps
}

type header struct {
	duration time.Duration
	streams  []StreamDesc
}

type fixedStream struct {
	PayloadType uint8
	Kind        uint8
	ClockRate   uint32
	Channels    uint8
	Width       uint16
	Height      uint16
	CodecLength uint8
}

func writeHeader(w io.Writer, h header) (int, error) {
	if len(h.streams) > 255 {
		return 0, fmt.Errorf("rtpdump: %d streams", len(h.streams))
	}
	buf := make([]byte, 0, 16+len(h.streams)*16)
	buf = append(buf, magic...)
	buf = append(buf, version, uint8(len(h.streams)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.duration))
	for _, s := range h.streams {
		if len(s.Caps.Codec) > 255 {
			return 0, fmt.Errorf("rtpdump: codec name %q too long", s.Caps.Codec)
		}
		buf = append(buf, s.PayloadType, uint8(s.Caps.Kind))
		buf = binary.BigEndian.AppendUint32(buf, s.Caps.ClockRate)
		buf = append(buf, uint8(s.Caps.Channels))
		buf = binary.BigEndian.AppendUint16(buf, uint16(s.Caps.Width))
		buf = binary.BigEndian.AppendUint16(buf, uint16(s.Caps.Height))
		buf = append(buf, uint8(len(s.Caps.Codec)))
		buf = append(buf, s.Caps.Codec...)
	}
	return w.Write(buf)
}

// readHeader parses a header and returns it with its size in bytes.
func readHeader(r io.Reader) (header, uint64, error) {
	var prefix [14]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return header{}, 0, err
	}
	if string(prefix[:4]) != magic {
		return header{}, 0, ErrBadMagic
	}
	if prefix[4] != version {
		return header{}, 0, fmt.Errorf("%w: %d", ErrBadVersion, prefix[4])
	}
	h := header{duration: time.Duration(binary.BigEndian.Uint64(prefix[6:]))}
	size := uint64(len(prefix))

	for i := 0; i < int(prefix[5]); i++ {
		var fixed fixedStream
		if err := binary.Read(r, binary.BigEndian, &fixed); err != nil {
			return header{}, 0, err
		}
		codec := make([]byte, fixed.CodecLength)
		if _, err := io.ReadFull(r, codec); err != nil {
			return header{}, 0, err
		}
		size += uint64(binary.Size(fixed)) + uint64(len(codec))
		h.streams = append(h.streams, StreamDesc{
			PayloadType: fixed.PayloadType,
			Caps: pump.Caps{
				Kind:      pump.MediaKind(fixed.Kind),
				Codec:     string(codec),
				ClockRate: fixed.ClockRate,
				Channels:  int(fixed.Channels),
				Width:     int(fixed.Width),
				Height:    int(fixed.Height),
			},
		})
	}
	return h, size, nil
}

// HasHeader reports whether data starts a new rtpdump stream, which is how
// a segment carrying a new stream layout is recognized.
func HasHeader(data []byte) bool {
	return len(data) >= len(magic) && string(data[:len(magic)]) == magic
}
