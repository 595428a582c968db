package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const metadataSchemaURL = "hcr://schemas/metadata.json"

const metadataSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["input_shape", "output_shape", "format", "model_file"],
  "properties": {
    "input_shape":  {"type": "array", "minItems": 2, "items": {"type": "integer"}},
    "output_shape": {"type": "array", "minItems": 1, "items": {"type": "integer", "minimum": -1}},
    "classes":      {"type": "array", "items": {"type": "string", "minLength": 1}},
    "image_size":   {"type": "integer", "minimum": 0},
    "format":       {"enum": ["onnx", "layers"]},
    "model_file":   {"type": "string", "minLength": 1},
    "input_name":   {"type": "string"},
    "output_name":  {"type": "string"},
    "ink_polarity": {"enum": ["dark_on_light", "light_on_dark"]},
    "output":       {"enum": ["logits", "probabilities"]}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func manifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(metadataSchemaURL, strings.NewReader(metadataSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(metadataSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ParseMetadata validates raw manifest JSON against the manifest schema and
// decodes it.
func ParseMetadata(data []byte) (Metadata, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata: %w", err)
	}

	schema, err := manifestSchema()
	if err != nil {
		return Metadata{}, err
	}
	if err := schema.Validate(instance); err != nil {
		return Metadata{}, fmt.Errorf("invalid metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata: %w", err)
	}
	return meta, nil
}
