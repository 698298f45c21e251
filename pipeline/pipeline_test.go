package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gst/go-gst/gst"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize GStreamer
	gst.Init(nil)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// newTestFile writes data to a uniquely named file in a temp directory.
func newTestFile(t *testing.T, data []byte) string {
	path := filepath.Join(t.TempDir(), uuid.New().String()[:10]+".bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
