package pipeline

import (
	"bytes"
	"io"
	"testing"

	"github.com/go-gst/go-gst/gst"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/will7200/demuxpump/bridge"
)

func TestFlowError(tt *testing.T) {
	tests := []struct {
		name string
		ret  gst.FlowReturn
		want error
	}{
		{"ok", gst.FlowOK, nil},
		{"flushing", gst.FlowFlushing, bridge.ErrNotReady},
		{"eos", gst.FlowEOS, bridge.ErrEndOfRange},
	}
	for _, test := range tests {
		tt.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, flowError(test.ret))
		})
	}

	err := flowError(gst.FlowError)
	assert.Error(tt, err)
	assert.NotErrorIs(tt, err, bridge.ErrNotReady)
}

func TestPullSourceThroughBridge(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 1024)
	source, err := OpenPullSource(PullSourceParams{Location: newTestFile(t, data)})
	if err != nil {
		t.Skipf("pull mode unavailable: %v", err)
	}
	defer source.Close()

	length, ok := source.QueryLength()
	require.True(t, ok)
	assert.Equal(t, uint64(len(data)), length)

	chunk, err := source.Pull(16, 16)
	require.NoError(t, err)
	assert.Equal(t, data[16:32], chunk.Data)

	// filesrc ignores the request, pulling keeps working
	source.RequestNextSegment()
	chunk, err = source.Pull(0, 16)
	require.NoError(t, err)
	assert.Equal(t, data[:16], chunk.Data)

	b := bridge.New(bridge.Params{Upstream: source, Length: length})
	require.NoError(t, b.SetCurrentPosition(uint64(len(data)-100)))
	rest, err := io.ReadAll(bridge.NewSyncReader(b))
	require.NoError(t, err)
	assert.Equal(t, data[len(data)-100:], rest)
	assert.True(t, b.IsEndOfStream())
}

func TestRequestNextSegmentBeforeBuild(t *testing.T) {
	source := NewPullSource(PullSourceParams{Location: "unused"})
	assert.NotPanics(t, source.RequestNextSegment)
}
