package pipeline

import (
	"github.com/go-gst/go-gst/gst"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Pipeline wrapper around go-gst
type Pipeline struct {
	name     string
	elements []*Element
	partials []PartialPipeline
	pipeline *gst.Pipeline
	log      zerolog.Logger
}

func NewPipeline(name string) *Pipeline {
	return &Pipeline{
		name: name,
		log:  log.With().Str("pipeline", name).Logger(),
	}
}

func (p *Pipeline) AddElements(elements ...*Element) {
	p.elements = append(p.elements, elements...)
}

func (p *Pipeline) AddPartialPipeline(partial PartialPipeline) {
	p.partials = append(p.partials, partial)
}

// Build instantiates the gst pipeline with every element the partial
// pipelines asked for, then lets them wire themselves up.
func (p *Pipeline) Build() error {
	for _, partial := range p.partials {
		if err := partial.Prepare(p); err != nil {
			return err
		}
	}

	var err error
	p.pipeline, err = gst.NewPipeline(p.name)
	if err != nil {
		return err
	}
	for _, element := range p.elements {
		if err := element.Build(); err != nil {
			return err
		}
		if err := p.pipeline.Add(element.el); err != nil {
			return err
		}
	}

	for _, partial := range p.partials {
		if err := partial.Build(p); err != nil {
			return err
		}
	}
	p.log.Debug().Int("elements", len(p.elements)).Msg("built")
	return nil
}

func (p *Pipeline) SetState(state gst.State) error {
	p.log.Debug().Str("state", state.String()).Msg("changing state")
	return p.pipeline.SetState(state)
}

// Close stops the pipeline.
func (p *Pipeline) Close() error {
	if p.pipeline == nil {
		return nil
	}
	return p.pipeline.BlockSetState(gst.StateNull)
}
