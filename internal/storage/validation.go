package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/agent-ledger/internal/model"
)

// Validation errors.
var (
	ErrNilContext         = errors.New("context cannot be nil")
	ErrEmptyString        = errors.New("string parameter cannot be empty")
	ErrInvalidMutation    = errors.New("invalid mutation")
	ErrStaleMutation      = errors.New("mutation refers to state that no longer exists")
	ErrSourceMismatch     = errors.New("mutation source does not match the message being applied")
	ErrInvalidClearTarget = errors.New("invalid clear target")
	ErrAmbiguousID        = errors.New("id prefix matches more than one item")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateMutation(m model.Mutation) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMutation, err)
	}
	return nil
}

func validateClearTarget(target model.ClearTarget) error {
	switch target {
	case model.ClearPending, model.ClearUnknown, model.ClearAll:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidClearTarget, target)
}
