package contract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// candidateSchemaDoc is the allow-list cross-check for a pre-stamp
// candidate (event_type/time_bucket/zone_id/confidence only).
// additionalProperties false at both the top level and inside time_bucket
// independently reproduces the enforcer's own extra-field rule in a
// declarative form, so the hand-written validator and the schema can never
// silently drift apart without a test catching it (see enforcer_test.go).
const candidateSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["event_type", "time_bucket", "zone_id", "confidence"],
  "properties": {
    "event_type": {"type": "string", "minLength": 1},
    "time_bucket": {
      "type": "object",
      "additionalProperties": false,
      "required": ["start_epoch_s", "size_s"],
      "properties": {
        "start_epoch_s": {"type": "integer", "minimum": 0},
        "size_s": {"type": "integer", "minimum": 1}
      }
    },
    "zone_id": {"type": "string", "pattern": "^zone:[a-z0-9_-]{1,64}$"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

// schemaValidator wraps a compiled jsonschema.Schema so the rest of the
// package never touches the jsonschema API directly.
type schemaValidator struct {
	schema *jsonschema.Schema
}

// NewCandidateSchema compiles the built-in candidate allow-list schema.
func NewCandidateSchema() (*schemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("pwk://candidate-event.json", bytes.NewReader([]byte(candidateSchemaDoc))); err != nil {
		return nil, fmt.Errorf("contract: add schema resource: %w", err)
	}
	sch, err := compiler.Compile("pwk://candidate-event.json")
	if err != nil {
		return nil, fmt.Errorf("contract: compile schema: %w", err)
	}
	return &schemaValidator{schema: sch}, nil
}

// Validate decodes raw as generic JSON and checks it against the schema.
func (v *schemaValidator) Validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("contract: decode candidate for schema check: %w", err)
	}
	return v.schema.Validate(doc)
}
