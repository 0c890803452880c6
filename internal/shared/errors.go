package shared

import (
	"fmt"
	"time"
)

// ValidationError reports malformed caller input. It is always the caller's
// fault and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError for the given field.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ForbiddenError reports an authorization denial. It carries the acting user
// and the unmet requirement so callers can audit-log the refusal.
type ForbiddenError struct {
	UserID      string
	Requirement string
	At          time.Time
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: user %s lacks %s", e.UserID, e.Requirement)
}

// NewForbidden builds a ForbiddenError stamped with the current time.
func NewForbidden(userID, requirement string) *ForbiddenError {
	return &ForbiddenError{UserID: userID, Requirement: requirement, At: time.Now().UTC()}
}

// NotFoundError reports a missing role, user, or business.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewNotFound builds a NotFoundError.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}
