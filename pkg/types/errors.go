package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry-policy and reporting purposes.
type ErrorKind string

const (
	// ErrAuthentication means credentials were invalid, expired, or missing.
	ErrAuthentication ErrorKind = "authentication"

	// ErrRateLimit means the remote asked us to slow down.
	ErrRateLimit ErrorKind = "rate_limit"

	// ErrNetwork covers connectivity, DNS, TLS, and socket failures.
	ErrNetwork ErrorKind = "network"

	// ErrTimeout means an operation exceeded its ceiling.
	ErrTimeout ErrorKind = "timeout"

	// ErrProtocol means the remote returned a non-success status or a
	// malformed body.
	ErrProtocol ErrorKind = "protocol"

	// ErrAccountExists means the target refused account creation because an
	// account with this DID already exists. Never retried.
	ErrAccountExists ErrorKind = "account_exists"

	// ErrValidation means input failed local rules.
	ErrValidation ErrorKind = "validation"

	// ErrUnknown is anything else.
	ErrUnknown ErrorKind = "unknown"
)

// Error is the tagged error variant used across the migration pipeline.
// Phase code and the job runtime branch on Kind rather than on error text.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string

	// Orphaned distinguishes an existing-but-deactivated account on the
	// target (operator cleanup possible) from an active one (migration
	// impossible). Only meaningful for ErrAccountExists.
	Orphaned bool

	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error wrapping err.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrUnknown.
func KindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return ErrUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsOrphanedAccount reports whether err is an account-exists error for a
// deactivated account.
func IsOrphanedAccount(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == ErrAccountExists && me.Orphaned
	}
	return false
}
