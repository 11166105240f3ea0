// Package errs defines the error taxonomy shared by the graph cache, the sync
// queue and the entry pipeline.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindValidation     Kind = "validation"
	KindAuth           Kind = "auth"
	KindNetwork        Kind = "network"
	KindServer         Kind = "server"
	KindConflict       Kind = "conflict"
	KindCycle          Kind = "cycle_detected"
	KindQueueExhausted Kind = "queue_exhausted"
	KindNotFound       Kind = "not_found"
	KindInvariant      Kind = "invariant"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrValidation     = errors.New("validation error")
	ErrAuth           = errors.New("authentication error")
	ErrNetwork        = errors.New("network error")
	ErrServer         = errors.New("server error")
	ErrConflict       = errors.New("conflict")
	ErrCycle          = errors.New("cycle detected")
	ErrQueueExhausted = errors.New("queue exhausted")
	ErrNotFound       = errors.New("not found")
	ErrInvariant      = errors.New("invariant violated")
)

var sentinels = map[Kind]error{
	KindValidation:     ErrValidation,
	KindAuth:           ErrAuth,
	KindNetwork:        ErrNetwork,
	KindServer:         ErrServer,
	KindConflict:       ErrConflict,
	KindCycle:          ErrCycle,
	KindQueueExhausted: ErrQueueExhausted,
	KindNotFound:       ErrNotFound,
	KindInvariant:      ErrInvariant,
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Validation is shorthand for a validation error.
func Validation(op, format string, args ...any) error {
	return Errorf(KindValidation, op, format, args...)
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Deadline and transport-level context errors count as network failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindUnknown
}

// Retryable reports whether err is transient and worth another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServer:
		return true
	}
	return false
}
