package bigraph

import (
	"encoding/json"
	"errors"
	"os"
)

// ReadGraphFile reads a CBOR graph file, falling back to a JSON
// {"nodes": [...]} document. The result is validated.
func ReadGraphFile(path string) (Bigraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bigraph{}, err
	}
	return ParseGraph(data)
}

// ParseGraph decodes CBOR or JSON graph bytes
func ParseGraph(data []byte) (Bigraph, error) {
	g, cborErr := DecodeGraph(data)
	if cborErr != nil {
		var jg Bigraph
		if err := json.Unmarshal(data, &jg); err != nil {
			return Bigraph{}, NewError("ParseGraph").Cause(ErrDecodeFailed).
				Context("neither CBOR nor JSON: " + errors.Join(cborErr, err).Error()).Err()
		}
		if jg.Nodes == nil {
			jg.Nodes = []Node{}
		}
		g = jg
	}
	if err := g.Validate(); err != nil {
		return Bigraph{}, err
	}
	return g, nil
}
