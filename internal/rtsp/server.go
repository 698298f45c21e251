package rtsp

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/will7200/demuxpump/pump"
)

var (
	ErrUnsupportedCodec = errors.New("rtsp: unsupported codec")
	ErrNoCaps           = errors.New("rtsp: buffer before caps")
)

// track is the RTP state of one published media.
type track struct {
	kind   pump.MediaKind
	media  *description.Media
	format format.Format
	seq    uint16
	ssrc   uint32
	base   uint32
	last   uint32
}

// Publisher serves the output of a pump to RTSP readers. It holds one
// stream whose medias follow the caps announced through its sinks.
type Publisher struct {
	*gortsplib.Server
	mutex  sync.Mutex
	stream *gortsplib.ServerStream
	tracks map[pump.MediaKind]*track
	params PublisherParams
	logger zerolog.Logger
}

func (sh *Publisher) OnRequest(conn *gortsplib.ServerConn, request *base.Request) {
	sh.logger.Debug().Str("request", request.String()).Msg("Recieved Request")
}

func (sh *Publisher) OnResponse(conn *gortsplib.ServerConn, response *base.Response) {
	sh.logger.Debug().Str("response", response.String()).Msg("response request")
}

// OnConnOpen called when a connection is opened.
func (sh *Publisher) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	sh.logger.Debug().Msg("conn opened")
}

// OnConnClose called when a connection is closed.
func (sh *Publisher) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	sh.logger.Debug().Msgf("conn closed (%v)", ctx.Error)
}

// OnSessionOpen called when a session is opened.
func (sh *Publisher) OnSessionOpen(ctx *gortsplib.ServerHandlerOnSessionOpenCtx) {
	sh.logger.Debug().Msg("session opened")
}

// OnSessionClose called when a session is closed.
func (sh *Publisher) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	sh.logger.Debug().Msg("session closed")
}

// OnDescribe called when receiving a DESCRIBE request.
func (sh *Publisher) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	// nothing was pushed yet
	if sh.stream == nil {
		return &base.Response{
			StatusCode: base.StatusNotFound,
		}, nil, nil
	}

	return &base.Response{
		StatusCode: base.StatusOK,
	}, sh.stream, nil
}

// OnSetup called when receiving a SETUP request.
func (sh *Publisher) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	if sh.stream == nil {
		return &base.Response{
			StatusCode: base.StatusNotFound,
		}, nil, nil
	}

	return &base.Response{
		StatusCode: base.StatusOK,
	}, sh.stream, nil
}

// OnPlay called when receiving a PLAY request.
func (sh *Publisher) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	return &base.Response{
		StatusCode: base.StatusOK,
	}, nil
}

func (sh *Publisher) HasStream() bool {
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	return sh.stream != nil
}

// StreamDescription returns the description of the current stream, nil
// when nothing was pushed since the last caps change.
func (sh *Publisher) StreamDescription() *description.Session {
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	if sh.stream == nil {
		return nil
	}
	return sh.stream.Description()
}

// Sink returns the pump sink publishing media of kind.
func (sh *Publisher) Sink(kind pump.MediaKind) pump.Sink {
	return &sink{publisher: sh, kind: kind}
}

// Close stops serving and disconnects readers.
func (sh *Publisher) Close() {
	sh.mutex.Lock()
	sh.closeStream()
	sh.mutex.Unlock()
	sh.Server.Close()
}

func (sh *Publisher) closeStream() {
	if sh.stream != nil {
		sh.stream.Close()
		sh.stream = nil
	}
}

func (sh *Publisher) setCaps(kind pump.MediaKind, caps pump.Caps) error {
	forma, mediaType, err := formatFor(caps)
	if err != nil {
		return err
	}

	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	// readers have to describe again to see the new medias
	sh.closeStream()
	sh.tracks[kind] = &track{
		kind: kind,
		media: &description.Media{
			Type:    mediaType,
			Formats: []format.Format{forma},
		},
		format: forma,
		seq:    uint16(rand.Uint32()),
		ssrc:   rand.Uint32(),
		base:   rand.Uint32(),
	}
	sh.logger.Info().Str("kind", kind.String()).Str("codec", forma.Codec()).Msg("caps changed")
	return nil
}

func (sh *Publisher) push(kind pump.MediaKind, buf pump.Buffer) error {
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	t, ok := sh.tracks[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCaps, kind)
	}
	if sh.stream == nil {
		sh.stream = gortsplib.NewServerStream(sh.Server, sh.description())
	}

	ts := t.last
	if buf.PTS != pump.NoTimestamp {
		ticks := int64(buf.PTS) * int64(t.format.ClockRate()) / int64(time.Second)
		ts = t.base + uint32(ticks)
	}
	t.last = ts

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    t.format.PayloadType(),
			SequenceNumber: t.seq,
			Timestamp:      ts,
			SSRC:           t.ssrc,
		},
		Payload: buf.Data,
	}
	t.seq++

	if err := sh.stream.WritePacketRTP(t.media, pkt); err != nil {
		return fmt.Errorf("rtsp: writing %s packet: %w", kind, err)
	}
	return nil
}

// description lists the medias of all tracks, video first.
func (sh *Publisher) description() *description.Session {
	kinds := make([]int, 0, len(sh.tracks))
	for kind := range sh.tracks {
		kinds = append(kinds, int(kind))
	}
	sort.Sort(sort.Reverse(sort.IntSlice(kinds)))

	desc := &description.Session{}
	for _, kind := range kinds {
		desc.Medias = append(desc.Medias, sh.tracks[pump.MediaKind(kind)].media)
	}
	return desc
}

func formatFor(caps pump.Caps) (format.Format, description.MediaType, error) {
	switch strings.ToUpper(caps.Codec) {
	case "H264":
		return &format.H264{PayloadTyp: 96, PacketizationMode: 1}, description.MediaTypeVideo, nil
	case "H265":
		return &format.H265{PayloadTyp: 97}, description.MediaTypeVideo, nil
	case "OPUS":
		return &format.Opus{PayloadTyp: 111, IsStereo: caps.Channels == 2}, description.MediaTypeAudio, nil
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, caps.Codec)
	}
}

type sink struct {
	publisher *Publisher
	kind      pump.MediaKind
}

func (s *sink) SetCaps(caps pump.Caps) error {
	return s.publisher.setCaps(s.kind, caps)
}

func (s *sink) Segment(seg pump.Segment) error {
	s.publisher.logger.Debug().
		Str("kind", s.kind.String()).
		Dur("start", seg.Start).
		Float64("rate", seg.Rate).
		Msg("segment")
	return nil
}

func (s *sink) Push(buf pump.Buffer) error {
	return s.publisher.push(s.kind, buf)
}

func (s *sink) FlushStart() error {
	s.publisher.logger.Debug().Str("kind", s.kind.String()).Msg("flush start")
	return nil
}

func (s *sink) FlushStop() error {
	s.publisher.logger.Debug().Str("kind", s.kind.String()).Msg("flush stop")
	return nil
}

func (s *sink) EndOfStream() error {
	s.publisher.logger.Info().Str("kind", s.kind.String()).Msg("end of stream")
	return nil
}

type PublisherParams struct {
	// the RTSP address of the server, to accept connections and send
	// packets with the TCP transport.
	RTSPAddress string
}

func NewPublisher(params PublisherParams) *Publisher {
	h := &Publisher{
		params: params,
		tracks: make(map[pump.MediaKind]*track),
		logger: log.With().Str("rtsp", params.RTSPAddress).Logger(),
	}
	h.Server = &gortsplib.Server{
		Handler:     h,
		RTSPAddress: params.RTSPAddress,
	}
	return h
}
