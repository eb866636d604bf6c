package relay

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies why a relay request did not produce a reply.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindRateLimited
	KindBadInput
	KindUpstream
	KindEmptyReply
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindBadInput:
		return "bad_input"
	case KindUpstream:
		return "upstream_error"
	case KindEmptyReply:
		return "empty_reply"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps a kind to the status returned to callers.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBadInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is the single error type produced by Service.Handle.
//
// Message is what the caller sees. Detail and Err carry diagnostics that are
// logged but only echoed for upstream failures. RetryAfter is set for
// KindRateLimited. Upstream is the time spent in the completion call, zero
// when the call was never made.
type Error struct {
	Kind       Kind
	Message    string
	Detail     string
	Err        error
	RetryAfter time.Duration
	Upstream   time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return "relay error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, ErrRateLimited) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnauthorized = &Error{Kind: KindUnauthorized, Message: "Unauthorized."}
	ErrRateLimited  = &Error{Kind: KindRateLimited, Message: "Too many requests. Please slow down."}
	ErrBadInput     = &Error{Kind: KindBadInput, Message: "Missing systemPrompt or userText."}
	ErrEmptyReply   = &Error{Kind: KindEmptyReply, Message: "AI gave no response."}
)

func badInput(cause error) *Error {
	return &Error{Kind: KindBadInput, Message: ErrBadInput.Message, Err: cause}
}

func upstreamFailure(body string, cause error) *Error {
	return &Error{Kind: KindUpstream, Message: "AI backend error: " + body, Detail: body, Err: cause}
}

func emptyReply(raw string, cause error) *Error {
	return &Error{Kind: KindEmptyReply, Message: ErrEmptyReply.Message, Detail: raw, Err: cause}
}

// Internal wraps an unexpected failure. The message mirrors the cause text.
func Internal(cause error) *Error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: KindInternal, Message: "Server error: " + msg, Err: cause}
}

// AsError normalizes any error into a *Error, treating unknown errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rerr *Error
	if errors.As(err, &rerr) && rerr != nil {
		return rerr
	}
	return Internal(err)
}
