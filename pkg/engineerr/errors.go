// Package engineerr defines the closed set of error kinds surfaced at the
// engine's public boundary. Every fallible operation in this module returns
// one of these, wrapped with enough context (errors.Is/As-compatible) for a
// caller to branch on kind without parsing strings.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of semantic error categories the engine produces.
type Kind string

const (
	KindNotFound              Kind = "not_found"
	KindAlreadyExists         Kind = "already_exists"
	KindCorrupt               Kind = "corrupt"
	KindIO                    Kind = "io"
	KindBusy                  Kind = "busy"
	KindBackpressureExhausted Kind = "backpressure_exhausted"
	KindQuotaDenied           Kind = "quota_denied"
	KindInvalidArgument       Kind = "invalid_argument"
	KindJoinFailed            Kind = "join_failed"
	KindStopped               Kind = "stopped"
)

// Sentinel causes for errors.Is comparisons where no extra context is needed.
var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrCorrupt               = errors.New("corrupt data")
	ErrIO                    = errors.New("io error")
	ErrBusy                  = errors.New("busy")
	ErrBackpressureExhausted = errors.New("backpressure exhausted")
	ErrQuotaDenied           = errors.New("quota denied")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrJoinFailed            = errors.New("join failed")
	ErrStopped               = errors.New("stopped")
)

var kindCause = map[Kind]error{
	KindNotFound:              ErrNotFound,
	KindAlreadyExists:         ErrAlreadyExists,
	KindCorrupt:               ErrCorrupt,
	KindIO:                    ErrIO,
	KindBusy:                  ErrBusy,
	KindBackpressureExhausted: ErrBackpressureExhausted,
	KindQuotaDenied:           ErrQuotaDenied,
	KindInvalidArgument:       ErrInvalidArgument,
	KindJoinFailed:            ErrJoinFailed,
	KindStopped:               ErrStopped,
}

// Error is a structured, chainable error carrying the operation, entity, and
// underlying cause. Mirrors the teacher's StorageError/ErrorBuilder shape.
type Error struct {
	Kind    Kind
	Op      string
	Entity  string
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Entity != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Entity, e.Detail, e.causeOrKind())
	case e.Entity != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.causeOrKind())
	case e.Detail != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Detail, e.causeOrKind())
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.causeOrKind())
	}
}

func (e *Error) causeOrKind() error {
	if e.Cause != nil {
		return e.Cause
	}
	return kindCause[e.Kind]
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return kindCause[e.Kind]
}

// Is matches both the sentinel for this Kind and any wrapped cause.
func (e *Error) Is(target error) bool {
	if sentinel, ok := kindCause[e.Kind]; ok && errors.Is(sentinel, target) {
		return true
	}
	return errors.Is(e.Cause, target)
}

// New builds an *Error for the given kind/op, optionally wrapping a cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// WithEntity sets the entity name (e.g. a table or window id) on the error.
func (e *Error) WithEntity(entity string) *Error {
	e.Entity = entity
	return e
}

// WithDetail attaches a free-form detail string (e.g. the bad argument).
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// NotFound builds a KindNotFound error for the named entity.
func NotFound(op, entity string) *Error {
	return New(KindNotFound, op, nil).WithEntity(entity)
}

// AlreadyExists builds a KindAlreadyExists error for the named entity.
func AlreadyExists(op, entity string) *Error {
	return New(KindAlreadyExists, op, nil).WithEntity(entity)
}

// Corrupt builds a KindCorrupt error describing what was found broken.
func Corrupt(op, detail string, cause error) *Error {
	return New(KindCorrupt, op, cause).WithDetail(detail)
}

// IO wraps an underlying OS/disk error.
func IO(op string, cause error) *Error {
	return New(KindIO, op, cause)
}

// Busy builds a KindBusy error (invariant would be violated by proceeding).
func Busy(op, detail string) *Error {
	return New(KindBusy, op, nil).WithDetail(detail)
}

// Backpressure builds a KindBackpressureExhausted error.
func Backpressure(op string) *Error {
	return New(KindBackpressureExhausted, op, nil)
}

// QuotaDenied builds a KindQuotaDenied error for threads or memory.
func QuotaDenied(op, resource string) *Error {
	return New(KindQuotaDenied, op, nil).WithDetail(resource)
}

// InvalidArgument builds a KindInvalidArgument error with a detail string.
func InvalidArgument(op, detail string) *Error {
	return New(KindInvalidArgument, op, nil).WithDetail(detail)
}

// JoinFailed wraps an error returned by the external join function.
func JoinFailed(op string, cause error) *Error {
	return New(KindJoinFailed, op, cause)
}

// Stopped builds a KindStopped error for operations on a stopped scheduler.
func Stopped(op string) *Error {
	return New(KindStopped, op, nil)
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
