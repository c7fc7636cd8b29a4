// Package domain holds the error taxonomy shared by all walletcore services.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the lifecycle engine. Callers match with errors.Is;
// the HTTP layer maps them onto status codes.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrExpired                = errors.New("expired")
	ErrValidation             = errors.New("validation error")
)

// ExternalError wraps a failure from a remote collaborator (chain RPC,
// signing wallet, notification channel). Definitive failures move records to
// failed; transient ones leave status untouched and are retried.
type ExternalError struct {
	Op         string
	Definitive bool
	Err        error
}

func (e *ExternalError) Error() string {
	kind := "transient"
	if e.Definitive {
		kind = "definitive"
	}
	return fmt.Sprintf("%s: %s external failure: %v", e.Op, kind, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// Definitive reports whether err is an external failure that will never
// succeed on retry. Unknown errors are treated as transient: ambiguous
// network states must never be guessed as definitive outcomes.
func Definitive(err error) bool {
	var ext *ExternalError
	if errors.As(err, &ext) {
		return ext.Definitive
	}
	return false
}
