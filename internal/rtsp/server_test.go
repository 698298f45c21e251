package rtsp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/will7200/demuxpump/pump"
)

func TestPublisher(t *testing.T) {
	server := NewPublisher(PublisherParams{})
	assert.NotNil(t, server)
	assert.False(t, server.HasStream())
	assert.Nil(t, server.StreamDescription())
}

func TestFormatFor(tt *testing.T) {
	tests := []struct {
		codec string
		want  string
		err   error
	}{
		{"H264", "H264", nil},
		{"h265", "H265", nil},
		{"OPUS", "Opus", nil},
		{"MJPEG", "", ErrUnsupportedCodec},
	}
	for _, test := range tests {
		tt.Run(test.codec, func(t *testing.T) {
			forma, _, err := formatFor(pump.Caps{Codec: test.codec, Channels: 2})
			if test.err != nil {
				assert.ErrorIs(t, err, test.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.want, forma.Codec())
		})
	}
}

func TestPublisherSinks(t *testing.T) {
	server := NewPublisher(PublisherParams{RTSPAddress: "localhost:18554"})
	require.NoError(t, server.Start())
	defer server.Close()

	video := server.Sink(pump.KindVideo)
	audio := server.Sink(pump.KindAudio)

	assert.ErrorIs(t, video.Push(pump.Buffer{Data: []byte{0x65}}), ErrNoCaps)
	assert.ErrorIs(t, video.SetCaps(pump.Caps{Kind: pump.KindVideo, Codec: "VP9"}), ErrUnsupportedCodec)

	require.NoError(t, video.SetCaps(pump.Caps{Kind: pump.KindVideo, Codec: "H264"}))
	require.NoError(t, audio.SetCaps(pump.Caps{Kind: pump.KindAudio, Codec: "OPUS", Channels: 2}))
	require.NoError(t, video.Segment(pump.Segment{Rate: 1, Stop: -1, Duration: -1}))
	require.NoError(t, video.Push(pump.Buffer{Data: []byte{0x65, 0x01}, PTS: 40 * time.Millisecond}))
	require.NoError(t, audio.Push(pump.Buffer{Data: []byte{0xfc}, PTS: pump.NoTimestamp}))

	assert.True(t, server.HasStream())
	desc := server.StreamDescription()
	require.NotNil(t, desc)
	require.Len(t, desc.Medias, 2)
	assert.Equal(t, "H264", desc.Medias[0].Formats[0].Codec())
	assert.Equal(t, "Opus", desc.Medias[1].Formats[0].Codec())

	// new caps drop the stream until the next buffer
	require.NoError(t, video.SetCaps(pump.Caps{Kind: pump.KindVideo, Codec: "H265"}))
	assert.False(t, server.HasStream())
	require.NoError(t, video.Push(pump.Buffer{Data: []byte{0x26}, PTS: 80 * time.Millisecond}))
	assert.Equal(t, "H265", server.StreamDescription().Medias[0].Formats[0].Codec())

	// larger than the server's packet size
	err := video.Push(pump.Buffer{Data: make([]byte, 4096), PTS: 120 * time.Millisecond})
	assert.Error(t, err)

	assert.NoError(t, video.FlushStart())
	assert.NoError(t, video.FlushStop())
	assert.NoError(t, video.EndOfStream())
}
