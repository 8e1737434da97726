package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches any *NotFoundError via errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrValidation matches any *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrRuleConflict matches any *RuleConflictError via errors.Is.
	ErrRuleConflict = errors.New("rule conflict")
)

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
}

// NewValidationError creates a validation error for a field.
func NewValidationError(field, constraint string) *ValidationError {
	return &ValidationError{Field: field, Constraint: constraint}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Constraint)
}

// Is makes errors.Is(err, ErrValidation) succeed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError reports a lookup of an unknown entity, e.g. labeling an unknown event.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) succeed.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// RuleConflictError is reserved for rejecting duplicate or contradictory
// runtime rules. The registry does not raise it yet.
type RuleConflictError struct {
	Rule     ScoringRule
	Existing ScoringRule
}

func (e *RuleConflictError) Error() string {
	return fmt.Sprintf("rule %q conflicts with accepted rule %q", e.Rule.Description, e.Existing.Description)
}

// Is makes errors.Is(err, ErrRuleConflict) succeed.
func (e *RuleConflictError) Is(target error) bool {
	return target == ErrRuleConflict
}
