package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

var (
	// ErrCoding marks invalid or contradictory call arguments.
	ErrCoding = errors.New("coding error")

	// ErrNotImplemented marks an operation a transport does not implement.
	// Reaching it means capability matching let the call through.
	ErrNotImplemented = errors.New("not implemented")

	// ErrTimeout marks an attempt that ran past its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrNoTransport is matched by aggregate errors with nothing attempted.
	ErrNoTransport = errors.New("no transport available")
)

// CodingError reports a programmer mistake in the arguments of a call.
type CodingError struct {
	Msg string
}

func (e *CodingError) Error() string { return "coding error: " + e.Msg }

// Is matches ErrCoding.
func (e *CodingError) Is(target error) bool { return target == ErrCoding }

// Codingf builds a CodingError.
func Codingf(format string, args ...any) error {
	return &CodingError{Msg: fmt.Sprintf(format, args...)}
}

// CapabilityError reports an operation invoked on a transport that lacks it.
type CapabilityError struct {
	Transport string
	Operation Operation
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: %s not implemented", e.Transport, e.Operation)
}

func (e *CapabilityError) Unwrap() error { return ErrNotImplemented }

// TimeoutError reports an attempt that exceeded its deadline.
type TimeoutError struct {
	Transport string
	Operation Operation
	After     time.Duration
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s timed out after %s", e.Transport, e.Operation, e.After)
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsFatal reports whether err must stop a dispatch loop instead of being
// collected and answered by the next candidate.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCoding) || errors.Is(err, ErrNotImplemented)
}

// Failure is one failed attempt inside an AggregateError.
type Failure struct {
	Transport string
	URL       string
	Err       error
}

// AggregateError is returned when no candidate satisfied an operation. Its
// message is every failure message in attempt order. Failures keeps the same
// attempts with their transport and URL.
type AggregateError struct {
	Operation Operation
	failures  []Failure
	combined  error
}

// NewAggregateError builds an AggregateError from failures in attempt order.
func NewAggregateError(op Operation, failures []Failure) *AggregateError {
	var combined error
	for _, f := range failures {
		combined = multierr.Append(combined, fmt.Errorf("%s: %w", f.Transport, f.Err))
	}
	return &AggregateError{Operation: op, failures: failures, combined: combined}
}

func (e *AggregateError) Error() string {
	if e.combined == nil {
		return fmt.Sprintf("%s: %s", e.Operation, ErrNoTransport)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.combined.Error())
}

// Failures returns a copy of the individual attempts.
func (e *AggregateError) Failures() []Failure {
	out := make([]Failure, len(e.failures))
	copy(out, e.failures)
	return out
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	return multierr.Errors(e.combined)
}

// Is matches ErrNoTransport when nothing was attempted.
func (e *AggregateError) Is(target error) bool {
	return target == ErrNoTransport && len(e.failures) == 0
}

// Transports lists the transports that failed, in attempt order.
func (e *AggregateError) Transports() string {
	names := make([]string, 0, len(e.failures))
	for _, f := range e.failures {
		names = append(names, f.Transport)
	}
	return strings.Join(names, ",")
}
