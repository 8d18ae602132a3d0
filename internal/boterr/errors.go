package boterr

import (
	"errors"
	"fmt"
)

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrInvalidSignature = errors.New("invalid signature")
)

// GenerationError reports a model-call failure. Transient failures are
// retried by the pipeline; permanent ones fail the job.
type GenerationError struct {
	Transient bool
	Err       error
}

func (e *GenerationError) Error() string {
	if e.Transient {
		return fmt.Sprintf("generation failed (transient): %v", e.Err)
	}
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ContentPolicyError means the provider refused the request outright.
// Never retried.
type ContentPolicyError struct {
	Reason string
}

func (e *ContentPolicyError) Error() string {
	return fmt.Sprintf("content policy rejection: %s", e.Reason)
}

// DeliveryError reports an outbound send failure. Transient failures
// (timeouts, 429, 5xx) are retried; permanent ones close the conversation.
type DeliveryError struct {
	Transient  bool
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Transient {
		return fmt.Sprintf("delivery failed (transient, status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery failed (status %d): %v", e.StatusCode, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried by the caller's
// retry policy. Persistence errors and unknown errors default to
// transient so at-least-once delivery is preserved.
func IsTransient(err error) bool {
	var generation *GenerationError
	if errors.As(err, &generation) {
		return generation.Transient
	}
	var delivery *DeliveryError
	if errors.As(err, &delivery) {
		return delivery.Transient
	}
	var policy *ContentPolicyError
	if errors.As(err, &policy) {
		return false
	}
	return true
}
