package pipeline

import (
	"fmt"

	"github.com/go-gst/go-glib/glib"
	"github.com/go-gst/go-gst/gst"
)

// Element struct wraps a gst element
type Element struct {
	Factory    string
	Name       string
	Properties map[string]interface{}

	el *gst.Element
}

func (e *Element) Build() error {
	element, err := gst.NewElementWithName(e.Factory, e.Name)
	if err != nil {
		return err
	}
	for k, v := range e.Properties {
		t, err := element.GetPropertyType(k)
		if err != nil {
			return fmt.Errorf("unable got get %s: %w", k, err)
		}
		switch {
		case t.IsA(glib.TYPE_ENUM):
			value, err := glib.ValueInit(t)
			if err != nil {
				return err
			}
			value.SetEnum(v.(int))
			if err = element.SetPropertyValue(k, value); err != nil {
				return err
			}
		default:
			if err = element.Set(k, v); err != nil {
				return err
			}
		}
	}
	e.el = element
	return nil
}

func (e *Element) Link(other *Element) error {
	return e.el.Link(other.el)
}

// SrcPad returns the static "src" pad of a built element.
func (e *Element) SrcPad() (*gst.Pad, error) {
	if e.el == nil {
		return nil, fmt.Errorf("element %s not built", e.Name)
	}
	pad := e.el.GetStaticPad("src")
	if pad == nil {
		return nil, fmt.Errorf("element %s has no src pad", e.Name)
	}
	return pad, nil
}

func NewFileSrcElement(name string, file string) *Element {
	return &Element{
		Factory: "filesrc",
		Name:    name,
		Properties: map[string]interface{}{
			"location": file,
		},
	}
}
