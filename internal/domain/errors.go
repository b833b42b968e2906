package domain

import (
	"errors"
	"fmt"
)

// FaultClass classifies engine errors so callers can decide between
// retrying, skipping a pass, and escalating to the operator.
type FaultClass string

const (
	// FaultRetryable marks transient network or provider errors.
	// Retried with backoff, same pass or next pass.
	FaultRetryable FaultClass = "retryable"
	// FaultStaleReading marks readings rejected for falling behind the
	// look-back window. Logged, does not block the rest of the pass.
	FaultStaleReading FaultClass = "stale_reading"
	// FaultDataUnavailable means the provider cannot serve the
	// requested window. The policy is skipped for this pass.
	FaultDataUnavailable FaultClass = "data_unavailable"
	// FaultFatal marks configuration, auth, or geocoding failures.
	// Surfaced to the operator; the policy is excluded until resolved.
	FaultFatal FaultClass = "fatal"
	// FaultChainDuplicate is the chain rejecting a report for an
	// already-settled policy. Treated as confirmation, not failure.
	FaultChainDuplicate FaultClass = "chain_rejected_duplicate"
)

// Fault is an engine error with a classification and optional cause.
type Fault struct {
	Class FaultClass
	Msg   string
	Cause error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Class, f.Msg, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Class, f.Msg)
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

// NewFault creates a classified error.
func NewFault(class FaultClass, msg string, cause error) *Fault {
	return &Fault{Class: class, Msg: msg, Cause: cause}
}

// Retryablef builds a retryable fault.
func Retryablef(cause error, format string, args ...interface{}) *Fault {
	return &Fault{Class: FaultRetryable, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Fatalf builds a fatal fault.
func Fatalf(cause error, format string, args ...interface{}) *Fault {
	return &Fault{Class: FaultFatal, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// ClassOf extracts the fault class from an error chain.
// Unclassified errors default to retryable: a transient treatment of an
// unknown failure only costs an extra pass, while treating it as fatal
// would drop a policy from monitoring.
func ClassOf(err error) FaultClass {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class
	}
	return FaultRetryable
}

// IsClass reports whether err carries the given fault class.
func IsClass(err error, class FaultClass) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class == class
	}
	return false
}

// ErrLocationNotFound is returned when the provider cannot geocode a
// policy's coordinates. Wrapped in a fatal fault by the resolver.
var ErrLocationNotFound = errors.New("location not found")

// DataUnavailableError reports the effective range the provider could
// serve, so the caller can decide whether to proceed with partial data
// or defer.
type DataUnavailableError struct {
	RequestedStart int64
	RequestedEnd   int64
	ServableStart  int64
	ServableEnd    int64
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("provider cannot serve window [%d,%d): servable [%d,%d)",
		e.RequestedStart, e.RequestedEnd, e.ServableStart, e.ServableEnd)
}

// Fault wraps the unavailability into a classified fault.
func (e *DataUnavailableError) Fault() *Fault {
	return &Fault{Class: FaultDataUnavailable, Msg: "historical window out of provider range", Cause: e}
}
