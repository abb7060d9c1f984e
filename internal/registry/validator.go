package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// SchemaValidator validates check configuration against compiled JSON schemas.
// Schemas are added at registration and never change afterwards.
type SchemaValidator struct {
	compiler *jsonschema.Compiler
	schemas  map[string]*jsonschema.Schema
}

// NewSchemaValidator creates a new schema validator.
func NewSchemaValidator() *SchemaValidator {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	return &SchemaValidator{
		compiler: compiler,
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Add compiles schema under name.
func (v *SchemaValidator) Add(name, schema string) error {
	if strings.TrimSpace(schema) == "" {
		return fmt.Errorf("configurable check has no schema")
	}

	url := fmt.Sprintf("mem://checks/%s/config.json", name)
	if err := v.compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("failed to add schema resource: %w", err)
	}

	compiled, err := v.compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	v.schemas[name] = compiled
	return nil
}

// Validate validates raw against the schema registered under name.
func (v *SchemaValidator) Validate(name string, raw json.RawMessage) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCheck, name)
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return ValidationErrors{{Field: "config", Message: "invalid JSON"}}
	}

	if err := schema.Validate(data); err != nil {
		return convertValidationError(err)
	}
	return nil
}

func convertValidationError(err error) error {
	validationErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return ValidationErrors{{Field: "unknown", Message: err.Error()}}
	}

	var errs ValidationErrors
	collectErrors(validationErr, &errs)

	if len(errs) == 0 {
		errs = append(errs, ValidationError{Field: "unknown", Message: err.Error()})
	}
	return errs
}

func collectErrors(err *jsonschema.ValidationError, errs *ValidationErrors) {
	if err.Message != "" && len(err.Causes) == 0 {
		field := err.InstanceLocation
		if field == "" {
			field = "/"
		}
		*errs = append(*errs, ValidationError{Field: field, Message: err.Message})
	}

	for _, cause := range err.Causes {
		collectErrors(cause, errs)
	}
}
