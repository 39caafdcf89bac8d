// Package errdefs defines the error kinds shared across the orchestrator.
// Callers classify failures with errors.Is/errors.As rather than matching
// message text.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates a lookup by session name missed.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTaskNotFound indicates a lookup by task id missed.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTokenInvalid indicates a token is absent, expired, or revoked.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrTimeout indicates a bounded wait expired (broker RPC, SSH wait,
	// health check).
	ErrTimeout = errors.New("timed out")

	// ErrBackendUnavailable indicates the isolation backend cannot be
	// reached (daemon down, SDK misconfigured, host tool missing).
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrImageUnavailable indicates the session image is not present on the
	// host. Pulling is the operator's job.
	ErrImageUnavailable = errors.New("image not available")

	// ErrPortAllocationFailed indicates no free host port was found in the
	// configured range.
	ErrPortAllocationFailed = errors.New("port allocation failed")

	// ErrIntegrityViolation indicates durable state could not be decoded.
	ErrIntegrityViolation = errors.New("state integrity violation")
)

// ValidationError reports caller input the orchestrator refuses to act on.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// PolicyDeniedError reports a policy evaluator rejection with its reason.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return "policy denied: " + e.Reason
}

// PolicyDenied builds a PolicyDeniedError.
func PolicyDenied(reason string) error {
	return &PolicyDeniedError{Reason: reason}
}

// CosignVerificationError reports a failed signature verification. Stderr
// carries the tool output for the operator.
type CosignVerificationError struct {
	ImageRef string
	Stderr   string
}

func (e *CosignVerificationError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("cosign verification failed for %s", e.ImageRef)
	}
	return fmt.Sprintf("cosign verification failed for %s: %s", e.ImageRef, e.Stderr)
}

// IsNotFound reports whether err is a not-found failure for a session or
// task lookup.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrTaskNotFound)
}

// IsTimeout reports whether err is a bounded-wait expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsPolicyDenied reports whether err is a PolicyDeniedError.
func IsPolicyDenied(err error) bool {
	var pe *PolicyDeniedError
	return errors.As(err, &pe)
}
