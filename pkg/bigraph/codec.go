package bigraph

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses core deterministic encoding so equal graphs produce equal
// bytes on every tier.
var encMode cbor.EncMode

// decMode decodes any-typed values into map[string]any.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bigraph: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("bigraph: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeGraph serializes a graph snapshot
func EncodeGraph(g Bigraph) ([]byte, error) {
	data, err := encMode.Marshal(g)
	if err != nil {
		return nil, NewError("EncodeGraph").Cause(ErrEncodeFailed).Context(err.Error()).Err()
	}
	return data, nil
}

// DecodeGraph parses a graph snapshot. Nil node lists decode as empty.
func DecodeGraph(data []byte) (Bigraph, error) {
	var g Bigraph
	if err := decMode.Unmarshal(data, &g); err != nil {
		return Bigraph{}, NewError("DecodeGraph").Cause(ErrDecodeFailed).Context(err.Error()).Err()
	}
	if g.Nodes == nil {
		g.Nodes = []Node{}
	}
	for i := range g.Nodes {
		if g.Nodes[i].Properties == nil {
			g.Nodes[i].Properties = map[string]Value{}
		}
	}
	return g, nil
}

// EncodeRule serializes a rule
func EncodeRule(r Rule) ([]byte, error) {
	data, err := encMode.Marshal(r)
	if err != nil {
		return nil, NewError("EncodeRule").Rule(r.Name).Cause(ErrEncodeFailed).Context(err.Error()).Err()
	}
	return data, nil
}

// DecodeRule parses a rule
func DecodeRule(data []byte) (Rule, error) {
	var r Rule
	if err := decMode.Unmarshal(data, &r); err != nil {
		return Rule{}, NewError("DecodeRule").Cause(ErrDecodeFailed).Context(err.Error()).Err()
	}
	return r, nil
}
