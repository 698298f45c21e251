package main

import (
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/will7200/demuxpump/pump"
)

// logSink writes what a pump delivers for one media kind to the log.
type logSink struct {
	kind    pump.MediaKind
	buffers atomic.Int64
	bytes   atomic.Int64
	log     zerolog.Logger
}

func newLogSink(kind pump.MediaKind) *logSink {
	return &logSink{
		kind: kind,
		log:  log.With().Str("sink", kind.String()).Logger(),
	}
}

func (s *logSink) SetCaps(caps pump.Caps) error {
	s.log.Info().Str("caps", caps.String()).Msg("caps")
	return nil
}

func (s *logSink) Segment(seg pump.Segment) error {
	s.log.Info().
		Float64("rate", seg.Rate).
		Dur("start", seg.Start).
		Dur("stop", seg.Stop).
		Dur("position", seg.Position).
		Msg("segment")
	return nil
}

func (s *logSink) Push(buf pump.Buffer) error {
	n := s.buffers.Add(1)
	s.bytes.Add(int64(len(buf.Data)))
	s.log.Debug().
		Int64("n", n).
		Dur("pts", buf.PTS).
		Int("size", len(buf.Data)).
		Bool("discont", buf.Discont).
		Msg("buffer")
	return nil
}

func (s *logSink) FlushStart() error {
	s.log.Debug().Msg("flush start")
	return nil
}

func (s *logSink) FlushStop() error {
	s.log.Debug().Msg("flush stop")
	return nil
}

func (s *logSink) EndOfStream() error {
	s.log.Info().
		Int64("buffers", s.buffers.Load()).
		Int64("bytes", s.bytes.Load()).
		Msg("end of stream")
	return nil
}
