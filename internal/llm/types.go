// Package llm provides text-generation service clients.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Params are the generation parameters passed on every request.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// ErrorKind classifies generation failures for retry decisions.
type ErrorKind int

const (
	// KindRateLimited means the provider throttled the request. Transient.
	KindRateLimited ErrorKind = iota

	// KindTimeout means the call exceeded its deadline. Transient.
	KindTimeout

	// KindInvalidRequest means the provider rejected the request itself
	// (bad model name, oversized prompt, auth failure). Never retried.
	KindInvalidRequest

	// KindServiceUnavailable covers provider-side failures (5xx,
	// connection refused). Transient.
	KindServiceUnavailable
)

// String returns the kind's wire/log name.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindInvalidRequest:
		return "invalid_request"
	case KindServiceUnavailable:
		return "service_unavailable"
	default:
		return "unknown"
	}
}

// GenerationError is the typed failure returned by all clients.
type GenerationError struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s generation %s: %s: %v", e.Provider, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s generation %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient. InvalidRequest is
// the only kind a retry cannot fix.
func (e *GenerationError) Retryable() bool {
	return e.Kind != KindInvalidRequest
}

// classifyStatus maps an HTTP status to an ErrorKind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 408 || status == 504:
		return KindTimeout
	case status >= 500:
		return KindServiceUnavailable
	default:
		return KindInvalidRequest
	}
}

// classifyTransport maps a transport-level error (request never got a
// response) to a GenerationError. Context deadlines and network timeouts
// become KindTimeout; everything else is treated as the service being
// unavailable.
func classifyTransport(provider string, err error) *GenerationError {
	kind := KindServiceUnavailable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &GenerationError{
		Kind:     kind,
		Provider: provider,
		Message:  "request failed",
		Err:      err,
	}
}
