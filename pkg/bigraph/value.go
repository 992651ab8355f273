package bigraph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueType represents the kind of a property value
type ValueType uint8

const (
	TypeBool ValueType = iota
	TypeInt
	TypeFloat
	TypeString
	TypeColor
)

// String returns the schema name of the value type
func (t ValueType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeColor:
		return "color"
	default:
		return "unknown"
	}
}

// ParseValueType converts a schema type name to a ValueType
func ParseValueType(s string) (ValueType, error) {
	switch s {
	case "bool":
		return TypeBool, nil
	case "int":
		return TypeInt, nil
	case "float":
		return TypeFloat, nil
	case "string", "str":
		return TypeString, nil
	case "color":
		return TypeColor, nil
	default:
		return 0, fmt.Errorf("unknown value type %q", s)
	}
}

// Color is an RGB triple
type Color struct {
	R, G, B uint8
}

// Value is a typed property value. Exactly one payload is meaningful,
// selected by Type.
type Value struct {
	Type ValueType
	b    bool
	i    int64
	f    float64
	s    string
	c    Color
}

// Helper functions to create typed values
func BoolValue(b bool) Value {
	return Value{Type: TypeBool, b: b}
}

func IntValue(i int64) Value {
	return Value{Type: TypeInt, i: i}
}

func FloatValue(f float64) Value {
	return Value{Type: TypeFloat, f: f}
}

func StringValue(s string) Value {
	return Value{Type: TypeString, s: s}
}

func ColorValue(r, g, b uint8) Value {
	return Value{Type: TypeColor, c: Color{R: r, G: g, B: b}}
}

// Decode methods
func (v Value) AsBool() (bool, error) {
	if v.Type != TypeBool {
		return false, fmt.Errorf("value is not a bool")
	}
	return v.b, nil
}

func (v Value) AsInt() (int64, error) {
	if v.Type != TypeInt {
		return 0, fmt.Errorf("value is not an int")
	}
	return v.i, nil
}

// AsFloat returns the value as a float. Ints widen.
func (v Value) AsFloat() (float64, error) {
	switch v.Type {
	case TypeFloat:
		return v.f, nil
	case TypeInt:
		return float64(v.i), nil
	default:
		return 0, fmt.Errorf("value is not a float")
	}
}

func (v Value) AsString() (string, error) {
	if v.Type != TypeString {
		return "", fmt.Errorf("value is not a string")
	}
	return v.s, nil
}

func (v Value) AsColor() (Color, error) {
	if v.Type != TypeColor {
		return Color{}, fmt.Errorf("value is not a color")
	}
	return v.c, nil
}

// Equal reports whether two values have the same type and payload
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeBool:
		return v.b == o.b
	case TypeInt:
		return v.i == o.i
	case TypeFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case TypeString:
		return v.s == o.s
	case TypeColor:
		return v.c == o.c
	default:
		return false
	}
}

// Interface returns the payload as a plain Go value
func (v Value) Interface() any {
	switch v.Type {
	case TypeBool:
		return v.b
	case TypeInt:
		return v.i
	case TypeFloat:
		return v.f
	case TypeString:
		return v.s
	case TypeColor:
		return []int{int(v.c.R), int(v.c.G), int(v.c.B)}
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.Type {
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeString:
		return v.s
	case TypeColor:
		return fmt.Sprintf("rgb(%d,%d,%d)", v.c.R, v.c.G, v.c.B)
	default:
		return "<invalid>"
	}
}

// MarshalJSON encodes the value as its natural JSON scalar; colors
// become [r,g,b].
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes a JSON scalar. Integral numbers become Int,
// other numbers Float. Colors are accepted as [r,g,b] or {"r","g","b"}.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("property value cannot be null")
	}

	switch data[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case '[':
		var rgb []int
		if err := json.Unmarshal(data, &rgb); err != nil {
			return fmt.Errorf("color must be 3 ints: %w", err)
		}
		if len(rgb) != 3 {
			return fmt.Errorf("color must be 3 ints, got %d", len(rgb))
		}
		c, err := colorFromInts(rgb[0], rgb[1], rgb[2])
		if err != nil {
			return err
		}
		*v = c
	case '{':
		var rgb struct {
			R *int `json:"r"`
			G *int `json:"g"`
			B *int `json:"b"`
		}
		if err := json.Unmarshal(data, &rgb); err != nil {
			return err
		}
		if rgb.R == nil || rgb.G == nil || rgb.B == nil {
			return fmt.Errorf("color object needs r, g and b")
		}
		c, err := colorFromInts(*rgb.R, *rgb.G, *rgb.B)
		if err != nil {
			return err
		}
		*v = c
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if i, err := n.Int64(); err == nil {
			*v = IntValue(i)
			return nil
		}
		f, err := n.Float64()
		if err != nil {
			return err
		}
		*v = FloatValue(f)
	}
	return nil
}

func colorFromInts(r, g, b int) (Value, error) {
	for _, c := range []int{r, g, b} {
		if c < 0 || c > 255 {
			return Value{}, fmt.Errorf("color component %d outside 0..255", c)
		}
	}
	return ColorValue(uint8(r), uint8(g), uint8(b)), nil
}

// valueWire is the CBOR shape of a Value
type valueWire struct {
	Type  ValueType `cbor:"1,keyasint"`
	Bool  bool      `cbor:"2,keyasint,omitempty"`
	Int   int64     `cbor:"3,keyasint,omitempty"`
	Float float64   `cbor:"4,keyasint,omitempty"`
	Str   string    `cbor:"5,keyasint,omitempty"`
	Color []byte    `cbor:"6,keyasint,omitempty"`
}

// MarshalCBOR implements cbor.Marshaler
func (v Value) MarshalCBOR() ([]byte, error) {
	w := valueWire{Type: v.Type}
	switch v.Type {
	case TypeBool:
		w.Bool = v.b
	case TypeInt:
		w.Int = v.i
	case TypeFloat:
		w.Float = v.f
	case TypeString:
		w.Str = v.s
	case TypeColor:
		w.Color = []byte{v.c.R, v.c.G, v.c.B}
	default:
		return nil, fmt.Errorf("cannot encode value of type %d", v.Type)
	}
	return encMode.Marshal(w)
}

// UnmarshalCBOR implements cbor.Unmarshaler
func (v *Value) UnmarshalCBOR(data []byte) error {
	var w valueWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case TypeBool:
		*v = BoolValue(w.Bool)
	case TypeInt:
		*v = IntValue(w.Int)
	case TypeFloat:
		*v = FloatValue(w.Float)
	case TypeString:
		*v = StringValue(w.Str)
	case TypeColor:
		if len(w.Color) != 3 {
			return fmt.Errorf("color payload has %d bytes", len(w.Color))
		}
		*v = ColorValue(w.Color[0], w.Color[1], w.Color[2])
	default:
		return fmt.Errorf("unknown value type %d", w.Type)
	}
	return nil
}
