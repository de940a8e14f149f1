package token

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaDocs holds the JSON Schema source for each payload kind. Declared
// as Go values (not files) so validation never touches the filesystem.
var schemaDocs = map[string]string{
	KindJob: `{
		"type": "object",
		"required": ["name", "max_attempts"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"max_attempts": {"type": "integer", "minimum": 1}
		}
	}`,
	KindEvent: `{
		"type": "object",
		"required": ["creator"],
		"properties": {"creator": {"type": "string", "minLength": 1}}
	}`,
	KindSchedule: `{
		"type": "object",
		"required": ["workflow", "recurrence_seconds"],
		"properties": {
			"workflow": {"type": "string", "minLength": 1},
			"recurrence_seconds": {"type": "integer", "minimum": 1}
		}
	}`,
	KindSignal: `{
		"type": "object",
		"required": ["action"],
		"properties": {
			"action": {"type": "string", "enum": ["DRAIN", "ABORT", "ARCHIVE", "EXIT"]}
		}
	}`,
}

var compiledSchemas = map[string]*jsonschema.Schema{}

func init() {
	for kind, src := range schemaDocs {
		var doc any
		if err := json.Unmarshal([]byte(src), &doc); err != nil {
			panic(fmt.Sprintf("token: invalid built-in schema for %q: %v", kind, err))
		}
		c := jsonschema.NewCompiler()
		res := "pinwheel://payload/" + kind
		if err := c.AddResource(res, doc); err != nil {
			panic(fmt.Sprintf("token: add schema resource %q: %v", kind, err))
		}
		schema, err := c.Compile(res)
		if err != nil {
			panic(fmt.Sprintf("token: compile schema %q: %v", kind, err))
		}
		compiledSchemas[kind] = schema
	}
}

// ValidateData validates the raw payload bytes against the JSON Schema
// declared for kind, surfacing malformed token data as a caller-visible
// error before it is ever accepted into the trie (transaction layer's
// INPUT_ERROR path, §4.3).
func ValidateData(kind string, data []byte) error {
	schema, ok := compiledSchemas[kind]
	if !ok {
		return fmt.Errorf("token: unknown payload kind %q", kind)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("token: payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("token: payload failed schema validation: %w", err)
	}
	return nil
}

// Validate validates p's own encoded form against its kind's schema.
func Validate(p Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("token: marshal payload: %w", err)
	}
	return ValidateData(p.Kind(), raw)
}
