// Package apperr classifies failures so each caller can decide whether to
// show, retry or swallow them.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the class of a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindForbidden
	KindConflict
	// KindTransient marks network or service failures that may succeed on retry.
	KindTransient
	// KindIntegrity marks a broken reference, e.g. a post without an owner.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.message(), e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.message())
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.message(), e.Err)
	default:
		return e.message()
	}
}

func (e *Error) message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Public returns the message that is safe to show an end user.
func (e *Error) Public() string {
	if e.Kind == KindInternal {
		return "internal error"
	}
	return e.message()
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Validation(msg string) *Error { return newError(KindValidation, msg) }
func Auth(msg string) *Error       { return newError(KindAuth, msg) }
func NotFound(msg string) *Error   { return newError(KindNotFound, msg) }
func Forbidden(msg string) *Error  { return newError(KindForbidden, msg) }
func Conflict(msg string) *Error   { return newError(KindConflict, msg) }
func Integrity(msg string) *Error  { return newError(KindIntegrity, msg) }

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Msg: "service temporarily unavailable", Err: err}
}

// Wrap classifies err for op. Already classified errors keep their kind;
// context deadlines become transient.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Op == "" {
			cp := *ae
			cp.Op = op
			return &cp
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, err)
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindInternal when unclassified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the caller may offer a retry.
func IsRetryable(err error) bool {
	return Is(err, KindTransient)
}
