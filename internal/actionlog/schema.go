package actionlog

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://thrivesync.local/schemas/"

var builtinPayloadSchemas = map[string]string{
	KindHabitToggle: `{
		"type": "object",
		"required": ["habitId"],
		"properties": {
			"habitId": {"type": "string", "minLength": 1},
			"completed": {"type": "boolean"},
			"completedAt": {"type": "string"}
		}
	}`,
	KindProfileUpdate: `{
		"type": "object",
		"minProperties": 1,
		"properties": {
			"full_name": {"type": ["string", "null"]},
			"avatar_url": {"type": ["string", "null"]},
			"bio": {"type": ["string", "null"]}
		}
	}`,
	KindSettingsUpdate: `{
		"type": "object",
		"minProperties": 1
	}`,
}

// PayloadValidator checks payloads of known action kinds against their
// JSON Schema. Kinds without a schema pass unchecked.
type PayloadValidator struct {
	schemas map[string]*jsonschema.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	return NewPayloadValidatorWithSchemas(builtinPayloadSchemas)
}

func NewPayloadValidatorWithSchemas(sources map[string]string) (*PayloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	v := &PayloadValidator{schemas: map[string]*jsonschema.Schema{}}
	for kind, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", kind, err)
		}
		schemaURL := schemaBaseURL + kind + ".json"
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", kind, err)
		}
		schema, err := compiler.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", kind, err)
		}
		v.schemas[kind] = schema
	}
	return v, nil
}

func (v *PayloadValidator) Validate(kind string, payload []byte) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	return nil
}
