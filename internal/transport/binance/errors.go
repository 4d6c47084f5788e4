package binance

import (
	"errors"
	"fmt"
)

// AuthError means the venue rejected the credentials. It is never
// retried: the caller must surface it and leave no session behind.
type AuthError struct {
	Status int
	Code   int
	Msg    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("binance: auth rejected (http %d, code %d): %s", e.Status, e.Code, e.Msg)
}

// TransientError covers network failures, timeouts and 5xx responses.
// Safe to retry on the next opportunity.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("binance: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
