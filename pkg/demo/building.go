// Package demo builds the sample building used by `tierd seed` and the
// end-to-end tests: one building, two floors, four rooms with hubs, and a
// mid server on the first floor.
package demo

import (
	"fmt"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
)

// Props is shorthand for a property literal
type Props map[string]any

// Builder provides a fluent interface for assembling a tree. The first
// error is kept and returned by Build.
type Builder struct {
	g     bigraph.Bigraph
	stack []int
	err   error
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{g: bigraph.Bigraph{Nodes: []bigraph.Node{}}}
}

func (b *Builder) parent() int {
	if len(b.stack) == 0 {
		return bigraph.NoParent
	}
	return b.stack[len(b.stack)-1]
}

// Leaf adds a node under the current parent
func (b *Builder) Leaf(control string, id int, name string, props Props) *Builder {
	if b.err != nil {
		return b
	}
	n := bigraph.Node{
		ID:         id,
		Control:    control,
		Parent:     b.parent(),
		Name:       name,
		Type:       control,
		Properties: make(map[string]bigraph.Value, len(props)),
	}
	for k, raw := range props {
		v, err := toValue(raw)
		if err != nil {
			b.err = fmt.Errorf("node %d property %s: %w", id, k, err)
			return b
		}
		n.Properties[k] = v
	}
	b.g.Nodes = append(b.g.Nodes, n)
	return b
}

// Open adds a node and makes it the parent of following nodes
func (b *Builder) Open(control string, id int, name string, props Props) *Builder {
	b.Leaf(control, id, name, props)
	if b.err == nil {
		b.stack = append(b.stack, id)
	}
	return b
}

// Close returns to the previous parent
func (b *Builder) Close() *Builder {
	if len(b.stack) > 0 {
		b.stack = b.stack[:len(b.stack)-1]
	}
	return b
}

// Build validates and returns the tree
func (b *Builder) Build() (bigraph.Bigraph, error) {
	if b.err != nil {
		return bigraph.Bigraph{}, b.err
	}
	if err := b.g.Validate(); err != nil {
		return bigraph.Bigraph{}, err
	}
	return b.g.Clone(), nil
}

func toValue(raw any) (bigraph.Value, error) {
	switch v := raw.(type) {
	case bool:
		return bigraph.BoolValue(v), nil
	case int:
		return bigraph.IntValue(int64(v)), nil
	case int64:
		return bigraph.IntValue(v), nil
	case float64:
		return bigraph.FloatValue(v), nil
	case string:
		return bigraph.StringValue(v), nil
	case bigraph.Color:
		return bigraph.ColorValue(v.R, v.G, v.B), nil
	case bigraph.Value:
		return v, nil
	default:
		return bigraph.Value{}, fmt.Errorf("unsupported literal %T", raw)
	}
}

// Building returns the demo building. It panics only if the literal
// below is malformed.
func Building() bigraph.Bigraph {
	g, err := NewBuilder().
		Open("Building", 1, "HQ", nil).
		Open("Floor", 10, "floor_1", nil).
		Leaf("MidServer", 9001, "mid_floor_1", Props{"mid_id": "mid_floor_1"}).
		Open("Room", 100, "ExecutiveConference", Props{"name": "ExecutiveConference", "hub_id": "exec"}).
		Leaf("Hub", 9110, "hub_exec", Props{"hub_id": "exec"}).
		Leaf("Light", 101, "light_exec_1", Props{"brightness": 0, "mode": "normal"}).
		Leaf("Display", 102, "display_exec_main", Props{"on": false, "mode": "meeting_info"}).
		Leaf("PIR", 103, "pir_exec_1", Props{"motion_detected": false}).
		Leaf("TranscriptionUnit", 104, "transcribe_exec", Props{"active": false, "recording": false}).
		Leaf("AudioSystem", 107, "audio_exec", Props{"on": false, "volume": 50, "mode": "conference"}).
		Close().
		Open("Room", 200, "TeamRoom_A", Props{"name": "TeamRoom_A", "hub_id": "alpha"}).
		Leaf("Light", 201, "light_alpha_1", Props{"brightness": 100}).
		Leaf("Display", 202, "display_alpha", Props{"on": true, "content_url": ""}).
		Leaf("PIR", 203, "pir_alpha", Props{"motion_detected": false}).
		Leaf("TranscriptionUnit", 204, "transcribe_alpha", Props{"active": false}).
		Close().
		Open("Room", 300, "TeamRoom_B", Props{"name": "TeamRoom_B", "hub_id": "beta"}).
		Leaf("Light", 301, "light_beta_1", Props{"brightness": 0}).
		Leaf("Display", 302, "display_beta", Props{"on": false}).
		Leaf("PIR", 303, "pir_beta", Props{"motion_detected": false}).
		Leaf("TranscriptionUnit", 304, "transcribe_beta", Props{"active": false}).
		Close().
		Close().
		Open("Floor", 20, "floor_2", nil).
		Open("Room", 400, "OpenOffice", Props{"name": "OpenOffice", "hub_id": "open"}).
		Leaf("Light", 401, "light_open_1", Props{"brightness": 80}).
		Leaf("Light", 402, "light_open_2", Props{"brightness": 80}).
		Leaf("PIR", 403, "pir_open", Props{"motion_detected": true}).
		Build()
	if err != nil {
		panic("demo building: " + err.Error())
	}
	return g
}
