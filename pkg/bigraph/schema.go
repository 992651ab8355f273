package bigraph

import (
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"
)

// PropertySpec constrains one property of a control
type PropertySpec struct {
	Type    string   `yaml:"type"`
	Range   []int64  `yaml:"range,omitempty"`
	Allowed []string `yaml:"allowed,omitempty"`
}

// ControlSpec lists the properties a control may carry
type ControlSpec struct {
	Properties map[string]PropertySpec `yaml:"properties"`
}

// Schema maps controls to their property specs. Check is a pure function
// of (control, properties); it never looks at the storage format.
type Schema struct {
	Controls map[string]ControlSpec `yaml:"controls"`
}

// reservedProps may appear on any control
var reservedProps = map[string]ValueType{
	PropUID:             TypeString,
	PropName:            TypeString,
	PropRevTS:           TypeInt,
	PropRevBy:           TypeString,
	PropHubID:           TypeString,
	PropMidID:           TypeString,
	PropManagesSelector: TypeString,
	PropRegionSelector:  TypeString,
}

func intRange(lo, hi int64) []int64 { return []int64{lo, hi} }

// DefaultSchema describes the controls of the demo building
func DefaultSchema() *Schema {
	return &Schema{Controls: map[string]ControlSpec{
		"Building":  {},
		"Floor":     {},
		"Room":      {},
		"Hub":       {},
		"MidServer": {},
		"Person":    {Properties: map[string]PropertySpec{"role": {Type: "string"}}},
		"Light": {Properties: map[string]PropertySpec{
			"brightness": {Type: "int", Range: intRange(0, 100)},
			"mode":       {Type: "string", Allowed: []string{"normal", "dim", "presentation", "off"}},
			"color":      {Type: "color"},
			"on":         {Type: "bool"},
		}},
		"Display": {Properties: map[string]PropertySpec{
			"on":          {Type: "bool"},
			"mode":        {Type: "string", Allowed: []string{"meeting_info", "presentation", "idle", "off"}},
			"content_url": {Type: "string"},
		}},
		"PIR": {Properties: map[string]PropertySpec{
			"motion_detected": {Type: "bool"},
		}},
		"TranscriptionUnit": {Properties: map[string]PropertySpec{
			"active":    {Type: "bool"},
			"recording": {Type: "bool"},
		}},
		"AudioSystem": {Properties: map[string]PropertySpec{
			"on":     {Type: "bool"},
			"volume": {Type: "int", Range: intRange(0, 100)},
			"mode":   {Type: "string", Allowed: []string{"conference", "presentation", "music", "off"}},
		}},
		"Thermostat": {Properties: map[string]PropertySpec{
			"setpoint": {Type: "float"},
			"on":       {Type: "bool"},
		}},
	}}
}

// LoadSchema reads a YAML schema document
func LoadSchema(r io.Reader) (*Schema, error) {
	var s Schema
	if err := yaml.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	for control, cs := range s.Controls {
		for key, ps := range cs.Properties {
			if _, err := ParseValueType(ps.Type); err != nil {
				return nil, fmt.Errorf("schema %s.%s: %w", control, key, err)
			}
			if ps.Range != nil && len(ps.Range) != 2 {
				return nil, fmt.Errorf("schema %s.%s: range needs two bounds", control, key)
			}
		}
	}
	return &s, nil
}

// Check validates a property map against the spec for control
func (s *Schema) Check(control string, props map[string]Value) error {
	cs, ok := s.Controls[control]
	if !ok {
		return NewError("CheckSchema").Context(control).Cause(ErrUnknownControl).Err()
	}
	for key, v := range props {
		if want, reserved := reservedProps[key]; reserved {
			if !kindMatches(want, v) && !(key == PropRevTS && v.Type == TypeString) {
				return NewError("CheckSchema").Field(key).Context(control).Cause(ErrPropertyKind).Err()
			}
			continue
		}
		ps, ok := cs.Properties[key]
		if !ok {
			return NewError("CheckSchema").Field(key).Context(control).Cause(ErrUnknownProperty).Err()
		}
		if err := checkSpec(control, key, ps, v); err != nil {
			return err
		}
	}
	return nil
}

func checkSpec(control, key string, ps PropertySpec, v Value) error {
	want, err := ParseValueType(ps.Type)
	if err != nil {
		return NewError("CheckSchema").Field(key).Context(control).Cause(err).Err()
	}
	if !kindMatches(want, v) {
		return NewError("CheckSchema").Field(key).
			Context(fmt.Sprintf("%s wants %s, got %s", control, want, v.Type)).Cause(ErrPropertyKind).Err()
	}
	if want == TypeInt && len(ps.Range) == 2 {
		i, _ := v.AsInt()
		if i < ps.Range[0] || i > ps.Range[1] {
			return NewError("CheckSchema").Field(key).
				Context(fmt.Sprintf("%d outside [%d, %d]", i, ps.Range[0], ps.Range[1])).Cause(ErrOutOfRange).Err()
		}
	}
	if want == TypeString && len(ps.Allowed) > 0 {
		str, _ := v.AsString()
		if !slices.Contains(ps.Allowed, str) {
			return NewError("CheckSchema").Field(key).
				Context(fmt.Sprintf("%q not in %v", str, ps.Allowed)).Cause(ErrNotAllowed).Err()
		}
	}
	return nil
}

// kindMatches accepts ints where floats are expected
func kindMatches(want ValueType, v Value) bool {
	if want == TypeFloat && v.Type == TypeInt {
		return true
	}
	return want == v.Type
}

// CheckGraph validates every node of g
func (s *Schema) CheckGraph(g Bigraph) error {
	for _, n := range g.Nodes {
		if err := s.Check(n.Control, n.Properties); err != nil {
			return fmt.Errorf("node %d: %w", n.ID, err)
		}
	}
	return nil
}

// Sanitize clamps out-of-range ints into their declared range and widens
// ints declared as floats. It returns the adjusted map and a note per
// change; properties it cannot repair are left for Check to reject.
func (s *Schema) Sanitize(control string, props map[string]Value) (map[string]Value, []string) {
	out := make(map[string]Value, len(props))
	var notes []string
	cs := s.Controls[control]
	for key, v := range props {
		out[key] = v
		ps, ok := cs.Properties[key]
		if !ok {
			continue
		}
		want, err := ParseValueType(ps.Type)
		if err != nil {
			continue
		}
		switch {
		case want == TypeInt && v.Type == TypeInt && len(ps.Range) == 2:
			i, _ := v.AsInt()
			clamped := min(max(i, ps.Range[0]), ps.Range[1])
			if clamped != i {
				out[key] = IntValue(clamped)
				notes = append(notes, fmt.Sprintf("clamped %s.%s: %d -> %d (range %v)", control, key, i, clamped, ps.Range))
			}
		case want == TypeFloat && v.Type == TypeInt:
			f, _ := v.AsFloat()
			out[key] = FloatValue(f)
		}
	}
	return out, notes
}
