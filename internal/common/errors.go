// Package common provides shared utilities and types used across the application.
package common

import (
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Storage errors.
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence failure")

	// Oracle errors.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// Report errors.
	ErrTemplateMissing = errors.New("spreadsheet template missing")

	// Transport errors.
	ErrUnauthorized = errors.New("unauthorized sender")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// UserError represents an error that should be shown to the operator.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new operator-facing error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}
