package errors

import (
	"context"
	"errors"
	"fmt"
)

// TimeoutError represents a timeout during a sync operation on a player.
type TimeoutError struct {
	Operation string
	PlayerID  string
	Err       error
}

// Error returns a human-readable error message.
func (e *TimeoutError) Error() string {
	if e.PlayerID != "" {
		return fmt.Sprintf("timeout: %s for player %s: %v", e.Operation, e.PlayerID, e.Err)
	}
	return fmt.Sprintf("timeout: %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation, playerID string, err error) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		PlayerID:  playerID,
		Err:       err,
	}
}

// IsTimeout reports whether err is a timeout error. It matches TimeoutError
// anywhere in the chain as well as a plain context.DeadlineExceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
