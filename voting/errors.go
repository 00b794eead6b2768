package voting

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrItemNotFound is returned when no voting item exists for the identifier.
	ErrItemNotFound = errors.New("voting: item not found")
	// ErrItemTypeMismatch is returned when a caller addresses an item under the wrong type.
	ErrItemTypeMismatch = errors.New("voting: item type mismatch")
	// ErrInvalidConfig classifies every ConfigError.
	ErrInvalidConfig = errors.New("voting: invalid configuration")
	// ErrVotingClosed is returned by ballot writes against an item that is not open.
	ErrVotingClosed = errors.New("voting: item is not open for voting")
	// ErrItemStillOpen is returned when a closed-item operation targets an item still in voting.
	ErrItemStillOpen = errors.New("voting: item is still open")
	// ErrInvalidTransition is returned for backward or type-incompatible status changes.
	ErrInvalidTransition = errors.New("voting: invalid status transition")
)

// ConfigError reports thresholds or counts that make an item impossible to
// evaluate. It is never retried.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "voting: invalid configuration: " + e.Msg }

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is a configuration defect.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// StoreError wraps a failure of the vote store. The operation that produced
// it wrote nothing and may be retried.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("voting: %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, ErrItemNotFound) || errors.Is(err, ErrVotingClosed) ||
		errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsTransient reports whether err came from the store and the caller should retry.
func IsTransient(err error) bool {
	var se *StoreError
	if !errors.As(err, &se) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
