// Copyright 2025 James Ross
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// FieldError is one path/message pair surfaced to callers of add() when a
// job's payload fails validation (§7 ValidationError).
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of safeParse: either the value is accepted, or a
// non-empty list of field errors explains why it was not.
type Result struct {
	OK     bool
	Errors []FieldError
}

// Validator is the contract §4.6/§6 requires of a job type's input and
// output schema: safeParse(value) -> {ok,value} | {ok:false,errors}.
type Validator interface {
	SafeParse(value json.RawMessage) Result
}

// JSONSchema validates payloads against a JSON Schema document using
// gojsonschema, the validator the teacher pulls in for its payload
// studio (internal/json-payload-studio).
type JSONSchema struct {
	loader gojsonschema.JSONLoader
	raw    json.RawMessage
}

// New compiles a JSON Schema document (as raw JSON bytes) into a
// Validator. A nil or empty document is treated as "accept anything" —
// useful for job types that carry opaque, unvalidated payloads.
func New(document json.RawMessage) (*JSONSchema, error) {
	if len(document) == 0 {
		return &JSONSchema{}, nil
	}
	loader := gojsonschema.NewBytesLoader(document)
	// Compile eagerly so a malformed schema fails at registration time,
	// not on the first job submission.
	if _, err := gojsonschema.NewSchema(loader); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &JSONSchema{loader: loader, raw: document}, nil
}

// SafeParse implements Validator.
func (s *JSONSchema) SafeParse(value json.RawMessage) Result {
	if s == nil || s.loader == nil {
		return Result{OK: true}
	}
	documentLoader := gojsonschema.NewBytesLoader(value)
	result, err := gojsonschema.Validate(s.loader, documentLoader)
	if err != nil {
		return Result{OK: false, Errors: []FieldError{{Message: fmt.Sprintf("schema validation error: %v", err)}}}
	}
	if result.Valid() {
		return Result{OK: true}
	}
	errs := make([]FieldError, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, FieldError{Path: e.Field(), Message: e.Description()})
	}
	return Result{OK: false, Errors: errs}
}
