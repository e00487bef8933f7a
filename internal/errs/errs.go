// Package errs defines the kernel's closed error taxonomy.
//
// Every fallible core operation returns a *Error wrapping one of the Kind
// sentinels below, so callers can branch with errors.Is while still getting
// a human-readable message via Error().
package errs

import "fmt"

// Kind is one of the seven taxonomy entries below. It is itself a
// sentinel error so errors.Is(err, errs.ContractViolation) works directly.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	ContractViolation    Kind = "CONTRACT_VIOLATION"
	IntegrityFailure     Kind = "INTEGRITY_FAILURE"
	StorageFailure       Kind = "STORAGE_FAILURE"
	CryptoFailure        Kind = "CRYPTO_FAILURE"
	QuorumFailure        Kind = "QUORUM_FAILURE"
	AuthorizationFailure Kind = "AUTHORIZATION_FAILURE"
	ClockSkew            Kind = "CLOCK_SKEW"
)

// Error pairs a taxonomy Kind with a specific message and, optionally, the
// lower-level cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e != nil && e.Kind == k
	}
	return false
}

// New builds an *Error of the given kind with a formatted message.
func New(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind that also carries a lower-level
// cause, which Unwrap exposes.
func Wrap(k Kind, err error, format string, args ...any) error {
	if err == nil {
		return New(k, format, args...)
	}
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}
