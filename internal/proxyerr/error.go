// Package proxyerr defines the error taxonomy shared by the dispatch engine
// and the HTTP surface. A single typed error carries enough information for
// callers to decide whether to retry, wait, or surface a status code.
package proxyerr

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies an error along the lines the dispatch engine's retry
// decision tree distinguishes.
type Kind string

const (
	AuthInvalid          Kind = "auth_invalid"
	RateLimited          Kind = "rate_limited"
	QuotaExhausted       Kind = "quota_exhausted"
	EmptyResponse        Kind = "empty_response"
	UpstreamServerError  Kind = "upstream_server_error"
	NetworkError         Kind = "network_error"
	NoAccountsAvailable  Kind = "no_accounts_available"
	MaxRetriesExceeded   Kind = "max_retries_exceeded"
	BadRequest           Kind = "bad_request"
	UpstreamDisconnect   Kind = "upstream_disconnect"
)

// Error is the typed error carried through the dispatch and HTTP layers.
type Error struct {
	Kind Kind
	// Message is the user-facing description.
	Message string
	// RetryAfter, when non-zero, is surfaced as a Retry-After header.
	RetryAfter time.Duration
	// HTTPStatus is the status the upstream returned, when applicable.
	HTTPStatus int
	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error of the given kind.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithRetryAfter attaches a retry-after duration and returns the receiver,
// for chaining at the call site.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithHTTPStatus attaches the observed upstream status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// clientStatus maps a Kind to the HTTP status this proxy returns to its own
// clients, per the propagation rules in the error handling design.
func (e *Error) clientStatus() int {
	switch e.Kind {
	case QuotaExhausted, NoAccountsAvailable, MaxRetriesExceeded, RateLimited:
		return 429
	case AuthInvalid:
		return 401
	case BadRequest:
		if e.HTTPStatus != 0 {
			return e.HTTPStatus
		}
		return 400
	case UpstreamServerError:
		return 502
	default:
		return 500
	}
}

// envelope is the Anthropic-shaped error body.
type envelope struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ClientResponse renders the status code and JSON body this proxy should
// send to its own caller for the given error.
func (e *Error) ClientResponse() (status int, body []byte) {
	env := envelope{Type: "error"}
	env.Error.Type = string(e.Kind)
	env.Error.Message = e.Message
	b, _ := json.Marshal(env)
	return e.clientStatus(), b
}

// Retryable reports whether the dispatch engine's attempt loop recovers from
// this kind locally rather than surfacing it to the client.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case AuthInvalid, RateLimited, UpstreamServerError, NetworkError, EmptyResponse:
		return true
	default:
		return false
	}
}
