package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-gst/go-gst/gst"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/will7200/demuxpump/bridge"
)

var _ PartialPipeline = (*PullSource)(nil)
var _ bridge.Upstream = (*PullSource)(nil)

// ErrPullUnsupported is returned when the source element cannot operate in
// pull mode.
var ErrPullUnsupported = errors.New("pipeline: source does not support pull mode")

// NextSegmentEvent names the custom upstream event sent after a reload.
const NextSegmentEvent = "demuxpump-next-segment"

type PullSourceElements struct {
	src *Element
}

type PullSourceParams struct {
	// Location handed to the source element.
	Location string
	// Factory of the source element, filesrc when empty.
	Factory string
}

// PullSource exposes a gstreamer source element as a bridge upstream. The
// element's src pad is linked to a floating sink pad that is activated in
// pull mode, so every Pull maps onto a gst_pad_pull_range.
type PullSource struct {
	// elements
	Elements PullSourceElements
	// parameters
	params PullSourceParams

	pipeline *Pipeline
	pad      *gst.Pad
	mutex    sync.Mutex
	log      zerolog.Logger
}

func NewPullSource(params PullSourceParams) *PullSource {
	factory := params.Factory
	if factory == "" {
		factory = "filesrc"
	}
	return &PullSource{
		Elements: PullSourceElements{
			src: &Element{
				Factory: factory,
				Name:    "src",
				Properties: map[string]interface{}{
					"location": params.Location,
				},
			},
		},
		params: params,
		log:    log.With().Str("source", params.Location).Logger(),
	}
}

// OpenPullSource builds a pipeline around a new PullSource and activates it.
func OpenPullSource(params PullSourceParams) (*PullSource, error) {
	source := NewPullSource(params)
	pipeline := NewPipeline("pull-source")
	pipeline.AddPartialPipeline(source)
	if err := pipeline.Build(); err != nil {
		return nil, err
	}
	if err := source.Start(); err != nil {
		_ = pipeline.Close()
		return nil, err
	}
	return source, nil
}

func (s *PullSource) Prepare(pipeline *Pipeline) error {
	pipeline.AddElements(s.Elements.src)
	s.pipeline = pipeline
	return nil
}

func (s *PullSource) Build(pipeline *Pipeline) error {
	srcPad, err := s.Elements.src.SrcPad()
	if err != nil {
		return err
	}
	pad := gst.NewPad("bridge-sink", gst.PadDirectionSink)
	if ret := srcPad.Link(pad); ret != gst.PadLinkOK {
		return fmt.Errorf("linking %s to bridge: %v", s.Elements.src.Name, ret)
	}
	s.pad = pad
	return nil
}

// Start brings the source up and switches its pad to pull mode.
func (s *PullSource) Start() error {
	if s.pipeline == nil || s.pad == nil {
		return fmt.Errorf("pull source for %s not built", s.params.Location)
	}
	if err := s.pipeline.SetState(gst.StateReady); err != nil {
		return err
	}
	if !s.pad.ActivateMode(gst.PadModePull, true) {
		return ErrPullUnsupported
	}
	s.log.Debug().Msg("pull mode active")
	return nil
}

func (s *PullSource) Pull(offset uint64, size int) (bridge.Chunk, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ret, buffer := s.pad.PullRange(offset, uint(size), nil)
	if err := flowError(ret); err != nil {
		return bridge.Chunk{}, err
	}
	if buffer == nil {
		return bridge.Chunk{}, bridge.ErrNotReady
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := make([]byte, len(mapInfo.Bytes()))
	copy(data, mapInfo.Bytes())
	buffer.Unmap()

	return bridge.Chunk{
		Data:   data,
		Header: buffer.HasFlags(gst.BufferFlagHeader),
	}, nil
}

func (s *PullSource) QueryLength() (uint64, bool) {
	ok, length := s.pad.PeerQueryDuration(gst.FormatBytes)
	if !ok || length < 0 {
		return 0, false
	}
	return uint64(length), true
}

// RequestNextSegment asks the elements upstream of the pad for the segment
// following the one that changed the stream layout.
func (s *PullSource) RequestNextSegment() {
	if s.pad == nil {
		return
	}
	event := gst.NewCustomEvent(gst.EventTypeCustomUpstream, gst.NewStructure(NextSegmentEvent))
	if !s.pad.PushEvent(event) {
		s.log.Debug().Msg("next segment request not handled upstream")
	}
}

func (s *PullSource) Close() error {
	if s.pad != nil {
		s.pad.ActivateMode(gst.PadModePull, false)
	}
	if s.pipeline == nil {
		return nil
	}
	return s.pipeline.Close()
}

// flowError maps a pull result onto the bridge upstream contract.
func flowError(ret gst.FlowReturn) error {
	switch ret {
	case gst.FlowOK:
		return nil
	case gst.FlowFlushing:
		return bridge.ErrNotReady
	case gst.FlowEOS:
		return bridge.ErrEndOfRange
	default:
		return fmt.Errorf("pull range: %v", ret)
	}
}
