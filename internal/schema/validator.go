package schema

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// operationIDPattern bounds operation and link identifiers: UUIDs or any
// alphanumeric-with-hyphen token between 8 and 64 characters. Anything else
// is rejected before a document is built or a query filters on it.
var operationIDPattern = regexp.MustCompile(`^[a-zA-Z0-9\-]{8,64}$`)

// techniquePattern matches MITRE ATT&CK technique IDs (T1078, T1059.001).
var techniquePattern = regexp.MustCompile(`^T\d{4}(\.\d{3})?$`)

// tacticPattern matches tactic labels: alphanumeric plus whitespace only.
var tacticPattern = regexp.MustCompile(`^[a-zA-Z0-9\s]+$`)

// Validator validates operations at the system boundary.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator with the operation_id rule registered.
func NewValidator() *Validator {
	v := validator.New()

	v.RegisterValidation("operation_id", func(fl validator.FieldLevel) bool {
		return operationIDPattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v}
}

// Validate checks an operation against the boundary schema.
func (v *Validator) Validate(op *Operation) error {
	if op == nil {
		return fmt.Errorf("operation is nil")
	}
	if err := v.validate.Struct(op); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidOperationID reports whether an identifier matches the bounded
// alphanumeric-with-hyphen format.
func ValidOperationID(id string) bool {
	return operationIDPattern.MatchString(id)
}

// ValidTechniqueID reports whether a technique ID matches the ATT&CK format.
func ValidTechniqueID(id string) bool {
	return techniquePattern.MatchString(id)
}

// ValidTactic reports whether a tactic label is alphanumeric plus whitespace.
func ValidTactic(tactic string) bool {
	return tacticPattern.MatchString(tactic)
}
