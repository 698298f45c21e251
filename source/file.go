// Package source implements bridge upstreams backed by local data.
package source

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/will7200/demuxpump/bridge"
)

// File is a random access upstream. Pulls that would cross the end of the
// data are refused with bridge.ErrEndOfRange instead of returning a short
// read, so callers have to clamp their requests.
type File struct {
	r      io.ReaderAt
	size   uint64
	closer io.Closer
	log    zerolog.Logger
}

func NewFile(r io.ReaderAt, size int64) *File {
	return &File{
		r:    r,
		size: uint64(size),
		log:  log.With().Str("source", "file").Logger(),
	}
}

// OpenFile opens path for pulling. Close releases it.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	file := NewFile(f, info.Size())
	file.closer = f
	file.log = log.With().Str("source", path).Logger()
	return file, nil
}

func (f *File) Pull(offset uint64, size int) (bridge.Chunk, error) {
	if size <= 0 {
		return bridge.Chunk{}, fmt.Errorf("pull of %d bytes", size)
	}
	if offset >= f.size || offset+uint64(size) > f.size {
		return bridge.Chunk{}, bridge.ErrEndOfRange
	}
	buf := make([]byte, size)
	n, err := f.r.ReadAt(buf, int64(offset))
	if err != nil && !(err == io.EOF && n == size) {
		f.log.Error().Err(err).Uint64("offset", offset).Int("size", size).Msg("read failed")
		return bridge.Chunk{}, err
	}
	return bridge.Chunk{Data: buf[:n]}, nil
}

func (f *File) QueryLength() (uint64, bool) {
	return f.size, true
}

func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
