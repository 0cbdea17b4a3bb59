package remote

import (
	"errors"
	"fmt"
)

// ErrDependencyNotReady indicates the server rejected an operation because a
// referenced entity has not been created remotely yet. Retried on the same
// budget as transport failures: the dependency's create may still be queued.
var ErrDependencyNotReady = errors.New("remote dependency not ready")

// ErrOffline indicates the credential source reports no usable network
// session. Dispatch runs are skipped without penalizing queue items.
var ErrOffline = errors.New("no usable network session")

// TransportError wraps connection failures, timeouts, and 5xx responses.
// Always retryable with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError indicates the server rejected the payload. Never retried.
type ValidationError struct {
	Status int
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("remote validation rejected payload (%d): %s", e.Status, e.Detail)
}

// AuthError indicates credentials are invalid or expired. The dispatch run
// pauses entirely and the condition is surfaced for re-authentication.
type AuthError struct {
	Status int
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("remote authentication failed (%d): %s", e.Status, e.Detail)
}

// IsRetryable reports whether the error should be retried with backoff.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) || errors.Is(err, ErrDependencyNotReady)
}
