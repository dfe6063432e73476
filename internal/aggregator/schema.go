package aggregator

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/medhive/flcoordinator/internal/errs"
	"github.com/medhive/flcoordinator/internal/fl"
)

// keySetSchema builds a JSON schema requiring exactly the given parameter
// keys to be present, each mapped to a numeric array. Blobs are checked
// against the first client's key set before aggregation so a client with a
// dropped or renamed layer fails loudly instead of silently skewing the
// average.
func keySetSchema(keys []string) (*gojsonschema.Schema, error) {
	properties := make(map[string]any, len(keys))
	for _, k := range keys {
		properties[k] = map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "number"},
		}
	}

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             keys,
		"additionalProperties": false,
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
}

// ValidateSchema confirms candidate's parameter map matches the shape
// implied by reference's key set, returning errs.SchemaMismatch on any
// disagreement (spec.md §4.4 item 4, §8 Scenario E).
func ValidateSchema(reference, candidate *fl.ModelBlob) error {
	const op = "Aggregator.ValidateSchema"

	schema, err := keySetSchema(reference.ParamKeySet())
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	raw, err := json.Marshal(candidate.Params)
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	if !result.Valid() {
		return errs.E(op, errs.SchemaMismatch, fmt.Errorf("candidate blob does not match reference parameter schema: %v", result.Errors()))
	}
	return nil
}
