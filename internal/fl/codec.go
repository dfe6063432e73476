package fl

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Encode serializes a ModelBlob deterministically: map keys are not
// guaranteed stable by encoding/json for map[string]T, so we marshal through
// an ordered intermediate to satisfy the Aggregator's determinism invariant
// (spec.md §8 property 4) whenever a blob's bytes themselves are hashed.
func (b *ModelBlob) Encode() ([]byte, error) {
	keys := make([]string, 0, len(b.Params))
	for k := range b.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := orderedBlob{
		ModelKind: b.ModelKind,
		StatsKeys: append([]string(nil), b.StatsKeys...),
	}
	sort.Strings(ordered.StatsKeys)
	for _, k := range keys {
		ordered.Params = append(ordered.Params, namedVector{Name: k, Values: b.Params[k]})
	}
	if b.Shapes != nil {
		shapeKeys := make([]string, 0, len(b.Shapes))
		for k := range b.Shapes {
			shapeKeys = append(shapeKeys, k)
		}
		sort.Strings(shapeKeys)
		for _, k := range shapeKeys {
			ordered.Shapes = append(ordered.Shapes, namedShape{Name: k, Shape: b.Shapes[k]})
		}
	}

	return json.Marshal(ordered)
}

// DecodeBlob parses bytes produced by Encode back into a ModelBlob.
func DecodeBlob(data []byte) (*ModelBlob, error) {
	var ordered orderedBlob
	if err := json.Unmarshal(data, &ordered); err != nil {
		return nil, fmt.Errorf("decode model blob: %w", err)
	}

	b := &ModelBlob{
		ModelKind: ordered.ModelKind,
		StatsKeys: ordered.StatsKeys,
		Params:    make(map[string][]float64, len(ordered.Params)),
	}
	for _, nv := range ordered.Params {
		b.Params[nv.Name] = nv.Values
	}
	if len(ordered.Shapes) > 0 {
		b.Shapes = make(map[string]TensorShape, len(ordered.Shapes))
		for _, ns := range ordered.Shapes {
			b.Shapes[ns.Name] = ns.Shape
		}
	}
	return b, nil
}

// ParamKeySet returns the sorted set of parameter keys, used for schema
// agreement checks across client uploads.
func (b *ModelBlob) ParamKeySet() []string {
	keys := make([]string, 0, len(b.Params))
	for k := range b.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type namedVector struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

type namedShape struct {
	Name  string      `json:"name"`
	Shape TensorShape `json:"shape"`
}

type orderedBlob struct {
	ModelKind string       `json:"modelKind"`
	Params    []namedVector `json:"params"`
	Shapes    []namedShape  `json:"shapes,omitempty"`
	StatsKeys []string     `json:"statsKeys,omitempty"`
}
