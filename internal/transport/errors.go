package transport

import (
	"fmt"
	"net/http"
)

// Code is the machine-readable classification of a transport failure.
type Code string

const (
	// CodeNetwork means the signaling request never completed a round
	// trip: timeout, abort, DNS/TLS/transport-level rejection.
	CodeNetwork Code = "network"
	// CodeConnectionFailed means the remote answered the handshake and
	// rejected it.
	CodeConnectionFailed Code = "connection_failed"
	// CodeStreamNotFound means the endpoint does not know the stream.
	CodeStreamNotFound Code = "stream_not_found"
	// CodeUnauthorized means the endpoint rejected the credentials.
	CodeUnauthorized Code = "unauthorized"
	// CodeUnknown covers everything else.
	CodeUnknown Code = "unknown"
)

// Error is the single error type surfaced by transport clients.
// Status and Body are populated for handshake rejections.
type Error struct {
	Code    Code
	Message string
	Status  int
	Body    string
	Cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// networkErr wraps a request that could not complete.
func networkErr(msg string, cause error) *Error {
	return &Error{Code: CodeNetwork, Message: msg, Cause: cause}
}

// rejectionErr classifies a non-2xx handshake response.
func rejectionErr(status int, body string) *Error {
	code := CodeConnectionFailed
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = CodeUnauthorized
	case http.StatusNotFound:
		code = CodeStreamNotFound
	}
	return &Error{
		Code:    code,
		Message: "signaling endpoint rejected the handshake",
		Status:  status,
		Body:    body,
	}
}

// unknownErr wraps a local failure with no better classification.
func unknownErr(msg string, cause error) *Error {
	return &Error{Code: CodeUnknown, Message: msg, Cause: cause}
}

// AsTransportError coerces err into *Error, wrapping foreign errors as
// unknown so observers always see the taxonomy.
func AsTransportError(err error) *Error {
	if err == nil {
		return nil
	}
	if te, ok := err.(*Error); ok {
		return te
	}
	return unknownErr(err.Error(), err)
}
