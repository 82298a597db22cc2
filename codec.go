package starling

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// SchemaValidator validates a decoded JSON payload against an
// application-supplied schema. It is deliberately a narrow interface —
// MessageCodec treats validation as a pure function from bytes to
// accept/reject, per the specification's "external collaborator" framing
// of the schema validator.
type SchemaValidator interface {
	// Validate returns a non-nil error if payload does not conform.
	Validate(payload json.RawMessage) error
}

// noopValidator accepts every payload. It is the default when no
// SchemaValidator is configured on the client.
type noopValidator struct{}

func (noopValidator) Validate(json.RawMessage) error { return nil }

// JSONSchemaValidator is the concrete default SchemaValidator, compiling
// a single JSON Schema document once and validating every payload against
// it.
type JSONSchemaValidator struct {
	schema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles schemaDoc (a JSON Schema document) and
// returns a validator backed by it.
func NewJSONSchemaValidator(schemaDoc []byte) (*JSONSchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("starling: compile schema: %w", err)
	}
	return &JSONSchemaValidator{schema: schema}, nil
}

// Validate implements SchemaValidator.
func (v *JSONSchemaValidator) Validate(payload json.RawMessage) error {
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("starling: payload is not valid JSON: %w", err)
	}
	result := v.schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}
