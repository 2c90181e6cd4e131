package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode categorizes provider failures for fallback decisions.
type ErrorCode string

const (
	ErrCodeRateLimit       ErrorCode = "RATE_LIMIT"
	ErrCodeTimeout         ErrorCode = "TIMEOUT"
	ErrCodeUnavailable     ErrorCode = "UNAVAILABLE"
	ErrCodeUpstream5xx     ErrorCode = "UPSTREAM_5XX"
	ErrCodeSafety          ErrorCode = "SAFETY"
	ErrCodeContextOverflow ErrorCode = "CONTEXT_OVERFLOW"
	ErrCodeAuth            ErrorCode = "AUTH"
	ErrCodeUnknown         ErrorCode = "UNKNOWN"
)

// Retriable reports whether a failure with this code may succeed on a
// different model or a later attempt.
func (c ErrorCode) Retriable() bool {
	switch c {
	case ErrCodeRateLimit, ErrCodeTimeout, ErrCodeUnavailable, ErrCodeUpstream5xx:
		return true
	default:
		return false
	}
}

// Error is the uniform failure type all providers return. The orchestrators
// never see provider-specific error shapes.
type Error struct {
	Provider string
	Code     ErrorCode
	Message  string
	Status   int // HTTP status, 0 if not applicable
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// Retriable reports whether an error is a retriable provider error.
func Retriable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code.Retriable()
	}
	return false
}

// CodeOf extracts the error code from err, or ErrCodeUnknown.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeUnknown
}

// ErrNotSupported is returned when a provider lacks a capability.
type ErrNotSupported struct {
	Provider  string
	Operation string
}

func (e *ErrNotSupported) Error() string {
	return e.Provider + " does not support " + e.Operation
}

// ErrProviderNotFound is returned by the factory for unknown provider names.
type ErrProviderNotFound struct {
	Name string
}

func (e *ErrProviderNotFound) Error() string {
	return "provider not found: " + e.Name
}

// classifyStatus maps an upstream HTTP status to an error code.
func classifyStatus(status int) ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrCodeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrCodeAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrCodeTimeout
	case status == http.StatusServiceUnavailable:
		return ErrCodeUnavailable
	case status >= 500:
		return ErrCodeUpstream5xx
	default:
		return ErrCodeUnknown
	}
}

// classifyBody refines a code using well-known phrases in the error body.
// Upstream APIs put the interesting detail in the message more often than
// in the status line.
func classifyBody(code ErrorCode, body string) ErrorCode {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "context length") ||
		strings.Contains(lower, "context window") ||
		strings.Contains(lower, "maximum context") ||
		strings.Contains(lower, "too many tokens"):
		return ErrCodeContextOverflow
	case strings.Contains(lower, "content_filter") ||
		strings.Contains(lower, "content policy") ||
		strings.Contains(lower, "safety"):
		return ErrCodeSafety
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit"):
		return ErrCodeRateLimit
	case strings.Contains(lower, "overloaded"):
		return ErrCodeUnavailable
	}
	return code
}

// wrapTransportError converts a net/http round-trip failure into an Error,
// distinguishing timeouts and cancellation.
func wrapTransportError(providerName string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: providerName, Code: ErrCodeTimeout, Message: err.Error()}
	}
	return &Error{Provider: providerName, Code: ErrCodeUnavailable, Message: err.Error()}
}

// httpError builds the Error for a non-2xx upstream response.
func httpError(providerName string, status int, body string) *Error {
	code := classifyBody(classifyStatus(status), body)
	msg := body
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &Error{Provider: providerName, Code: code, Message: msg, Status: status}
}
