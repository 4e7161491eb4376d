package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/keboola/osiris-sub003/internal/core"
)

// metaSchema is the fixed schema every component specification must satisfy
// before it is accepted into the registry.
const metaSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "version", "modes", "config_schema"],
  "properties": {
    "name": {"type": "string", "pattern": "^[a-z0-9_.-]+$"},
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+"},
    "modes": {
      "type": "array",
      "minItems": 1,
      "items": {"enum": ["read", "extract", "write", "transform", "discover"]}
    },
    "capabilities": {"type": "object", "additionalProperties": {"type": "boolean"}},
    "config_schema": {"type": "object"},
    "secrets": {"type": "array", "items": {"type": "string"}},
    "redaction": {
      "type": "object",
      "properties": {
        "strategy": {"enum": ["mask", "drop", "hash"]},
        "mask": {"type": "string"},
        "extra_paths": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["family"],
      "properties": {
        "family": {"type": "string"},
        "required": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "examples": {"type": "array", "items": {"type": "object"}},
    "hints": {"type": "object", "additionalProperties": {"type": "string"}}
  },
  "additionalProperties": false
}`

var (
	metaOnce     sync.Once
	metaCompiled *jsonschema.Schema
	metaErr      error
)

func compiledMetaSchema() (*jsonschema.Schema, error) {
	metaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(metaSchema))
		if err != nil {
			metaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("inline://component.meta.schema.json", doc); err != nil {
			metaErr = err
			return
		}
		metaCompiled, metaErr = c.Compile("inline://component.meta.schema.json")
	})
	return metaCompiled, metaErr
}

func validateMetaSchema(doc map[string]any) error {
	schema, err := compiledMetaSchema()
	if err != nil {
		return fmt.Errorf("compile meta-schema: %w", err)
	}
	inst, err := toInstance(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrRegBadSpec, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", core.ErrRegBadSpec, err)
	}
	return nil
}

func decodeSpec(doc map[string]any) (*ComponentSpec, error) {
	var spec ComponentSpec
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "yaml",
		Result:  &spec,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrRegBadSpec, err)
	}
	return &spec, nil
}
