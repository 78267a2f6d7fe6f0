package approval

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jkaninda/gatekeeper/internal/domain"
)

const recordSchemaURL = "https://gatekeeper.local/schemas/approval-request.schema.json"

// recordSchema covers the fields the core relies on. Parameters stay opaque
// apart from amount-like keys, which must be positive when present.
const recordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "action_type", "tool_ref", "target", "risk_level", "status", "created_at", "expires_at"],
  "properties": {
    "id":          {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"},
    "action_type": {"type": "string", "minLength": 1},
    "tool_ref":    {"type": "string", "minLength": 1},
    "target":      {"type": "string", "minLength": 1},
    "domain":      {"type": "string"},
    "risk_level":  {"enum": ["low", "medium", "high"]},
    "status":      {"enum": ["pending", "approved", "rejected", "expired", "executing", "done", "failed"]},
    "decided_by":  {"enum": ["human", "auto", "system"]},
    "created_at":  {"type": "string", "format": "date-time"},
    "expires_at":  {"type": "string", "format": "date-time"},
    "parameters": {
      "type": "object",
      "properties": {
        "amount":   {"type": "number", "exclusiveMinimum": 0},
        "quantity": {"type": "number", "exclusiveMinimum": 0},
        "total":    {"type": "number", "exclusiveMinimum": 0},
        "price":    {"type": "number", "exclusiveMinimum": 0}
      }
    }
  }
}`

// Validator checks records against the ingestion schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the record schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(recordSchemaURL, strings.NewReader(recordSchema)); err != nil {
		return nil, fmt.Errorf("record schema load failed: %w", err)
	}
	compiled, err := c.Compile(recordSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("record schema compile failed: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// MustValidator is NewValidator for callers that treat a schema error as a
// programming bug.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate returns a VALIDATION_FAILED error describing the first problem.
func (v *Validator) Validate(r *Request) error {
	if r == nil {
		return domain.Errorf(domain.CodeValidationFailed, "empty record")
	}
	if r.DecodeError != nil {
		return domain.Wrap(domain.CodeValidationFailed, r.DecodeError)
	}
	doc, err := asDocument(r)
	if err != nil {
		return domain.Wrap(domain.CodeValidationFailed, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return domain.Errorf(domain.CodeValidationFailed, "%s", schemaMessage(err))
	}
	if r.CreatedAt.IsZero() {
		return domain.Errorf(domain.CodeValidationFailed, "created_at is required")
	}
	if !r.ExpiresAt.After(r.CreatedAt) {
		return domain.Errorf(domain.CodeValidationFailed, "expires_at must be after created_at")
	}
	return nil
}

// asDocument converts r to the generic JSON shape the schema validator expects.
func asDocument(r *Request) (any, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return doc, nil
}

// schemaMessage flattens a validation error to its most specific cause.
func schemaMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
