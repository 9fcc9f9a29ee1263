package provider

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound indicates the job doesn't exist in the backend
	ErrJobNotFound = errors.New("job not found in backend")

	// ErrUnauthorized indicates the backend rejected the bearer token
	ErrUnauthorized = errors.New("backend authentication failed")

	// ErrUnavailable indicates the backend is temporarily unavailable
	ErrUnavailable = errors.New("backend temporarily unavailable")

	// ErrPollTimeout indicates the poll ceiling was reached without a terminal status
	ErrPollTimeout = errors.New("poll ceiling exceeded")
)

// TransportError is a network or connection failure. Poll ticks swallow
// it; a submission surfaces it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BackendError is a non-2xx response, with the backend's detail message
// when one could be parsed. A 4xx on a status poll ends the job.
type BackendError struct {
	Code   int
	Detail string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Detail)
}

// Is lets callers match status classes with the sentinel errors
func (e *BackendError) Is(target error) bool {
	switch target {
	case ErrJobNotFound:
		return e.Code == 404
	case ErrUnauthorized:
		return e.Code == 401 || e.Code == 403
	case ErrUnavailable:
		return e.Code == 502 || e.Code == 503 || e.Code == 504
	}
	return false
}

// ProtocolError is a push frame that could not be decoded
type ProtocolError struct {
	Payload string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed push message: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that polling gave up on a job
type TimeoutError struct {
	Ticks    int
	Interval time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no terminal status after %d polls (%s)", e.Ticks, time.Duration(e.Ticks)*e.Interval)
}

func (e *TimeoutError) Unwrap() error {
	return ErrPollTimeout
}

// Message renders err as the human-readable line appended to a job's logs
func Message(err error) string {
	var backendErr *BackendError
	if errors.As(err, &backendErr) && backendErr.Detail != "" {
		return backendErr.Detail
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return "Timed out waiting for test results: " + timeoutErr.Error()
	}
	return err.Error()
}
