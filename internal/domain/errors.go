package domain

import "errors"

var (
	// ErrNotFound is returned when a job cannot be found
	ErrNotFound = errors.New("job not found")

	// ErrInvalidPayload is returned when a payload fails chain-specific validation
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrUnsupportedChain is returned when no chain client is registered for a chain
	ErrUnsupportedChain = errors.New("unsupported chain")

	// ErrLeaseExpired is returned when a worker no longer owns the claim on a job
	ErrLeaseExpired = errors.New("job lease expired or claimed by another worker")

	// ErrNotCancelable is returned when a job is past the point where it can be canceled
	ErrNotCancelable = errors.New("job can no longer be canceled")

	// ErrInvalidTransition is returned when a transition is not allowed by the state machine
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// TransientError wraps failures that may succeed on a later attempt
// (network timeout, nonce conflict, rate limit)
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new transient error
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// FatalError wraps failures that will never succeed on retry
// (payload rejected, invalid signer, permanent chain rejection)
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal error: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError creates a new fatal error
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// IsTransient reports whether err is classified as transient
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal reports whether err must not be retried. Invalid payloads and
// unsupported chains are caller/configuration errors and count as fatal.
func IsFatal(err error) bool {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return true
	}
	return errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrUnsupportedChain)
}
