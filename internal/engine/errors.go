package engine

import (
	"errors"
	"fmt"
)

// Kind is the closed set of engine failure classes. The HTTP layer maps
// kinds 1:1 to status codes; nothing else about an error is load-bearing
// for callers.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindNotAuthorized     Kind = "not_authorized"
	KindInvalidTransition Kind = "invalid_transition"
	KindAlreadyClaimed    Kind = "already_claimed"
	KindVersionConflict   Kind = "version_conflict"
	KindAlreadyActive     Kind = "already_active"
	KindValidation        Kind = "validation"
	KindStorage           Kind = "storage"
)

// Error carries a Kind plus a human-readable message. All engine entry
// points return *Error or nil.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the engine error kind, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

func errf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// storage wraps a persistence failure; op names the failed operation.
func storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Msg: op, Err: err}
}
