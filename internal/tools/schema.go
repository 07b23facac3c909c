package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks tool inputs against a JSON-Schema. Schemas that fail to
// compile degrade to an accept-everything validator rather than blocking the
// tool: remote servers ship schemas with constructs we do not care to
// enforce.
type Validator struct {
	schema *jsonschema.Schema
}

// CompileSchema builds a validator for the given schema document. Empty or
// uncompilable schemas yield an accept-all validator.
func CompileSchema(raw json.RawMessage) *Validator {
	if len(raw) == 0 {
		return &Validator{}
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("input.json", strings.NewReader(string(raw))); err != nil {
		return &Validator{}
	}
	schema, err := compiler.Compile("input.json")
	if err != nil {
		return &Validator{}
	}
	return &Validator{schema: schema}
}

// Validate checks one input document. A nil input validates as an empty
// object.
func (v *Validator) Validate(input json.RawMessage) error {
	if v.schema == nil {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("tool input is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("tool input rejected by schema: %w", err)
	}
	return nil
}
