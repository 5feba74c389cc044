package search

import (
	"errors"
	"fmt"
)

// Sentinel errors for the job lifecycle. DeadlineExceeded is a policy
// decision, not a collaborator failure; items pending at that point are
// marked timed-out rather than failed.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobFinalized     = errors.New("job already finalized")
	ErrDeadlineExceeded = errors.New("request deadline exceeded")
	ErrDiscoveryFailed  = errors.New("discovery failed")
	ErrPoolCreation     = errors.New("pool creation failed")
	ErrDraining         = errors.New("service is draining")
)

// InputError marks malformed caller input. The API layer maps it to a 400
// and never retries it.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string {
	return e.Msg
}

// HTTPStatusError reports an upstream HTTP failure with its status code so
// per-item results can carry it.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.StatusCode, e.URL)
}

// NewInputError builds an InputError with the given message.
func NewInputError(msg string) *InputError {
	return &InputError{Msg: msg}
}

// IsInputError reports whether err is (or wraps) an InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}
