package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveSubscription is returned when cancelling or charging without
	// an active subscription.
	ErrNoActiveSubscription = errors.New("billing: no active subscription")
	// ErrUserNotFound is returned when the user directory has no such user.
	ErrUserNotFound = errors.New("billing: user not found")
	// ErrCardNotFound is returned when removing a card the user does not own
	// or charging a user with no active card.
	ErrCardNotFound = errors.New("billing: card not found")
)

// ValidationError reports a malformed request rejected before any network
// call. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "billing: invalid request: " + e.Reason
	}
	return fmt.Sprintf("billing: invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a storage failure while recording an outcome. The
// tick continues past it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("billing: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
