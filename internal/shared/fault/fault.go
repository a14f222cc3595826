package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers must react to it.
type Kind string

const (
	KindChannel    Kind = "channel_error"
	KindTimeout    Kind = "message_timeout"
	KindClosed     Kind = "channel_closed"
	KindSecurity   Kind = "security_violation"
	KindPermission Kind = "permission_denied"
	KindConflict   Kind = "sync_conflict"
	KindNetwork    Kind = "network_failure"
	KindOverflow   Kind = "queue_overflow"
	KindValidation Kind = "validation"
	KindStale      Kind = "context_stale"
	KindRemote     Kind = "remote_error"
)

// Sentinels for errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrChannel    = &Error{Kind: KindChannel}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrClosed     = &Error{Kind: KindClosed}
	ErrSecurity   = &Error{Kind: KindSecurity}
	ErrPermission = &Error{Kind: KindPermission}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrNetwork    = &Error{Kind: KindNetwork}
	ErrOverflow   = &Error{Kind: KindOverflow}
	ErrValidation = &Error{Kind: KindValidation}
	ErrStale      = &Error{Kind: KindStale}
	ErrRemote     = &Error{Kind: KindRemote}
)

// Error is the error type returned across the bridge, access and sync layers.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// New creates an error of the given kind
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf creates an error with a formatted message
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Retryable reports whether the error is a transport failure worth retrying.
// Security, permission and validation errors are never retryable.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindNetwork, KindClosed:
		return true
	default:
		return false
	}
}
