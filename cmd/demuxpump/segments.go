package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/will7200/demuxpump/rtpdump"
	"github.com/will7200/demuxpump/source"
)

const (
	segmentExt = ".rtpd"
	// endMarker in the segment directory closes the stream once every
	// segment before it was appended.
	endMarker = "EOS"
)

// segmentWatcher appends the segment files of a directory to a Segments
// queue in name order, the way a fragment downloader would.
type segmentWatcher struct {
	dir      string
	interval time.Duration
	segments *source.Segments
	seen     map[string]bool
	log      zerolog.Logger
}

func newSegmentWatcher(dir string, interval time.Duration, segments *source.Segments) *segmentWatcher {
	return &segmentWatcher{
		dir:      dir,
		interval: interval,
		segments: segments,
		seen:     make(map[string]bool),
		log:      log.With().Str("segments", dir).Logger(),
	}
}

// Run scans until the end marker shows up or ctx is done. The queue is
// closed either way.
func (w *segmentWatcher) Run(ctx context.Context) error {
	defer w.segments.Close()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		done, err := w.scan()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// scan appends the new segments and reports whether the end marker exists.
func (w *segmentWatcher) scan() (bool, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return false, err
	}
	end := false
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if name == endMarker {
			end = true
			continue
		}
		if w.seen[name] || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(w.dir, name))
		if err != nil {
			return false, err
		}
		w.seen[name] = true
		header := rtpdump.HasHeader(data)
		w.log.Debug().Str("file", name).Int("size", len(data)).Bool("header", header).Msg("append")
		w.segments.Append(data, header)
	}
	return end, nil
}
