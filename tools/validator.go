package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"
)

// schemaCacheSize bounds the compiled-schema cache. Schemas are keyed by
// their raw text; hot reloads that rewrite schemas age old entries out.
const schemaCacheSize = 256

// ValidationError reports a schema validation failure.
type ValidationError struct {
	Type    string `json:"type"` // "args_invalid" | "input_invalid"
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation error (%s): %s", e.Subject, e.Type, e.Detail)
}

// Validator compiles and caches JSON Schemas and validates documents against
// them. It is safe for concurrent use.
type Validator struct {
	cache *lru.Cache[string, *gojsonschema.Schema]
}

// NewValidator creates a validator with a bounded compile cache.
func NewValidator() *Validator {
	cache, err := lru.New[string, *gojsonschema.Schema](schemaCacheSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	return &Validator{cache: cache}
}

// ValidateArgs validates tool-call arguments against the tool's input schema.
func (v *Validator) ValidateArgs(name string, schema, args json.RawMessage) error {
	return v.validate("args_invalid", name, schema, args)
}

// ValidateInput validates resume input against a pause's input schema.
func (v *Validator) ValidateInput(subject string, schema, input json.RawMessage) error {
	return v.validate("input_invalid", subject, schema, input)
}

func (v *Validator) validate(kind, subject string, schema, doc json.RawMessage) error {
	if emptySchema(schema) {
		return nil
	}

	compiled, err := v.getSchema(string(schema))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", subject, err)
	}

	if len(doc) == 0 {
		doc = []byte("null")
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validation error for %s: %w", subject, err)
	}
	if !result.Valid() {
		details := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			details[i] = desc.String()
		}
		return &ValidationError{
			Type:    kind,
			Subject: subject,
			Detail:  fmt.Sprintf("validation failed: %v", details),
		}
	}
	return nil
}

// CheckSchema compiles schema, reporting whether it is usable.
func (v *Validator) CheckSchema(schema json.RawMessage) error {
	if emptySchema(schema) {
		return nil
	}
	_, err := v.getSchema(string(schema))
	return err
}

func (v *Validator) getSchema(schemaJSON string) (*gojsonschema.Schema, error) {
	if schema, ok := v.cache.Get(schemaJSON); ok {
		return schema, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, err
	}
	v.cache.Add(schemaJSON, schema)
	return schema, nil
}

// emptySchema reports whether schema is absent or the accept-anything
// document (empty object or JSON null).
func emptySchema(schema json.RawMessage) bool {
	trimmed := bytes.TrimSpace(schema)
	if len(trimmed) == 0 {
		return true
	}
	s := string(trimmed)
	return s == "null" || s == "{}" || s == "true"
}
