// Package jsonschema validates JSON documents against JSON Schema
// definitions, wrapping the santhosh-tekuri compiler behind a small
// string-in, errors-out surface.
package jsonschema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationErrors collects the individual violations of one validation run.
type ValidationErrors []error

func (ve ValidationErrors) Error() string {
	parts := make([]string, len(ve))
	for i, err := range ve {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

func compile(schemaStr string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaStr)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

// Validate reports whether jsonStr satisfies schemaStr. The error return is
// reserved for broken input: an unparseable schema or document.
func Validate(jsonStr, schemaStr string) (bool, error) {
	schema, err := compile(schemaStr)
	if err != nil {
		return false, err
	}
	var doc interface{}
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return false, fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(doc) == nil, nil
}

// ValidateWithErrors is Validate plus the flattened list of violations.
func ValidateWithErrors(jsonStr, schemaStr string) (bool, ValidationErrors) {
	schema, err := compile(schemaStr)
	if err != nil {
		return false, ValidationErrors{err}
	}
	var doc interface{}
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return false, ValidationErrors{fmt.Errorf("invalid JSON: %w", err)}
	}
	err = schema.Validate(doc)
	if err == nil {
		return true, nil
	}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		return false, flatten(verr)
	}
	return false, ValidationErrors{err}
}

func flatten(err *jsonschema.ValidationError) ValidationErrors {
	var errs ValidationErrors
	if err.Message != "" {
		errs = append(errs, fmt.Errorf("validation error at %s: %s", err.InstanceLocation, err.Message))
	}
	for _, cause := range err.Causes {
		errs = append(errs, flatten(cause)...)
	}
	return errs
}
