// Package zatdberr defines the typed error values the storage core
// returns at its public boundary (§7 of the storage specification).
// Errors are plain values, never panics or exceptions, so that every
// abort path can be handled by the caller without unwinding in-flight
// page writes.
package zatdberr

import "errors"

// Kind classifies a storage-core error for programmatic handling.
type Kind uint8

const (
	KindNone Kind = iota
	KindCorruptDatabase
	KindUnknownAttribute
	KindTypeMismatch
	KindUniqueValueConflict
	KindTempidOverflow
	KindDatomOverflow
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindCorruptDatabase:
		return "CorruptDatabase"
	case KindUnknownAttribute:
		return "UnknownAttribute"
	case KindTypeMismatch:
		return "TypeMismatch"
	case KindUniqueValueConflict:
		return "UniqueValueConflict"
	case KindTempidOverflow:
		return "TempidOverflow"
	case KindDatomOverflow:
		return "DatomOverflow"
	case KindIO:
		return "IO"
	default:
		return "None"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// errors.As without parsing message text.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// Wrap builds an *Error wrapping an underlying cause.
func Wrap(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Msg: msg, Err: err}
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

var (
	// ErrCorruptDatabase is returned by Open when neither meta slot
	// validates (magic, version, checksum).
	ErrCorruptDatabase = New(KindCorruptDatabase, "neither meta slot is valid")
)
