// Package rpcerr defines the failure taxonomy shared by the channel and the
// server. Every error a caller can observe from a call carries exactly one
// Kind, so retry logic can branch on the kind instead of parsing text.
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind classifies a call failure. The zero value KindNone means "no failure"
// and is what a successful response carries on the wire.
type Kind uint8

const (
	KindNone Kind = iota

	// TransportClosed: the connection is gone (socket error, forced close,
	// or a close that raced the call). Cancels every pending call uniformly.
	TransportClosed

	// AdmissionRejected: the channel is at its max-pending-requests limit.
	// Always fails fast; calls are never queued behind the limit.
	AdmissionRejected

	// Timeout: the per-call deadline or the server queue deadline elapsed.
	Timeout

	// IntegrityFailure: checksum mismatch on a received payload.
	IntegrityFailure

	// MalformedPayload: a payload that could not be decompressed or decoded.
	MalformedPayload

	// PayloadTooLarge: a response body over the configured maximum size.
	PayloadTooLarge

	// AppExpected: the handler returned an error through its declared
	// contract. The call failed; the connection is healthy.
	AppExpected

	// AppUnexpected: the handler panicked or failed outside its contract.
	AppUnexpected
)

var kindNames = map[Kind]string{
	KindNone:          "none",
	TransportClosed:   "transport-closed",
	AdmissionRejected: "admission-rejected",
	Timeout:           "timeout",
	IntegrityFailure:  "integrity-failure",
	MalformedPayload:  "malformed-payload",
	PayloadTooLarge:   "payload-too-large",
	AppExpected:       "application-exception",
	AppUnexpected:     "application-error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a defined kind. Used when a kind byte arrives
// off the wire.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Error is a call failure tagged with its Kind. It supports errors.Is against
// another *Error of the same kind, and errors.As / Unwrap for the cause.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Newf(kind Kind, format string, a ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, a...)}
}

// Wrap attaches a kind to an underlying cause. The cause stays reachable via
// errors.Unwrap.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{kind: kind, msg: cause.Error(), cause: cause}
}

func (e *Error) Error() string {
	return e.kind.String() + ": " + e.msg
}

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same kind, so callers can write
// errors.Is(err, rpcerr.New(rpcerr.Timeout, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind
}

// KindOf extracts the Kind from err, or KindNone if err is nil or carries no
// taxonomy tag.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindNone
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
