// Package clienterr defines the typed failures surfaced by the cache and session layer so callers
// can tell "network unavailable" apart from "sign in again" and "server problem, try later".
package clienterr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure.
type Kind string

const (
	// KindInvalidRequest marks malformed URLs or arguments. Never retried.
	KindInvalidRequest Kind = "invalid_request"
	// KindTransport marks connectivity failures.
	KindTransport Kind = "transport_failure"
	// KindTimeout marks requests that exceeded their deadline.
	KindTimeout Kind = "timeout"
	// KindAuthorizationExpired marks HTTP 401 responses.
	KindAuthorizationExpired Kind = "authorization_expired"
	// KindServer marks any other non-2xx response.
	KindServer Kind = "server_error"
	// KindDecoding marks response bodies that did not match the expected shape.
	KindDecoding Kind = "decoding_failure"
	// KindStorage marks disk or secure-store failures. Callers treat it as a cache miss.
	KindStorage Kind = "storage_failure"
	// KindUnknown is reported for errors that did not originate in this layer.
	KindUnknown Kind = "unknown"
)

// Error is the concrete error type returned by the client layer.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus classifies a non-2xx HTTP status.
func FromStatus(op string, status int, body []byte) *Error {
	kind := KindServer
	if status == 401 {
		kind = KindAuthorizationExpired
	}
	return &Error{Kind: kind, Op: op, StatusCode: status, Body: string(body)}
}

// FromTransport classifies an error returned by an HTTP round trip. Deadline expiry becomes
// KindTimeout so callers can distinguish "backend unreachable" from a slow backend.
func FromTransport(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Decoding wraps a body decode failure, keeping the raw body for diagnosis.
func Decoding(op string, body []byte, err error) *Error {
	return &Error{Kind: KindDecoding, Op: op, Body: string(body), Err: err}
}

// KindOf reports the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
