// Package apperr defines the error kinds shared by the cache, index, routing
// and revalidation layers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindMalformedRule       Kind = "MALFORMED_RULE"
	KindOriginError         Kind = "ORIGIN_ERROR"
	KindInvalid             Kind = "INVALID"
)

// Error carries a Kind, the failing operation and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NotFound reports an expected miss (object or index entry absent).
func NotFound(op string, err error) error { return newError(KindNotFound, op, err) }

// Unavailable reports a transient store, index or queue failure.
func Unavailable(op string, err error) error { return newError(KindUpstreamUnavailable, op, err) }

// MalformedRule reports a configuration pattern that cannot be compiled.
func MalformedRule(op string, err error) error { return newError(KindMalformedRule, op, err) }

// Origin reports a failed request against the render origin.
func Origin(op string, err error) error { return newError(KindOriginError, op, err) }

// Invalid reports bad caller input.
func Invalid(op string, err error) error { return newError(KindInvalid, op, err) }

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
func IsMalformedRule(err error) bool { return KindOf(err) == KindMalformedRule }
func IsOrigin(err error) bool        { return KindOf(err) == KindOriginError }
func IsInvalid(err error) bool       { return KindOf(err) == KindInvalid }
