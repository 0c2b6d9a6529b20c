package service

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures for the retry policy.
type ErrorKind string

const (
	// ErrorTransient failures are retried with backoff.
	ErrorTransient ErrorKind = "transient"
	// ErrorPermanent failures move the request to its failed state immediately.
	ErrorPermanent ErrorKind = "permanent"
	// ErrorAmbiguous failures leave the outcome unknown; the call is retried
	// against the idempotent executor, which resolves it.
	ErrorAmbiguous ErrorKind = "ambiguous"
)

// Adapter names used in errors, metrics and spans.
const (
	AdapterExtraction = "extraction"
	AdapterApproval   = "approval"
	AdapterIssuance   = "issuance"
)

// AdapterError is returned by external collaborators to describe how a failure should be treated.
type AdapterError struct {
	Adapter string
	Kind    ErrorKind
	Reason  string
	Err     error
}

// Error implements the error interface.
func (e *AdapterError) Error() string {
	msg := fmt.Sprintf("%s %s failure", e.Adapter, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *AdapterError) Unwrap() error { return e.Err }

// Transient builds a retryable adapter error.
func Transient(adapter string, err error) *AdapterError {
	return &AdapterError{Adapter: adapter, Kind: ErrorTransient, Err: err}
}

// Permanent builds a non-retryable adapter error with a human readable reason.
func Permanent(adapter, reason string, err error) *AdapterError {
	return &AdapterError{Adapter: adapter, Kind: ErrorPermanent, Reason: reason, Err: err}
}

// Ambiguous builds an adapter error whose side effect may or may not have happened.
func Ambiguous(adapter string, err error) *AdapterError {
	return &AdapterError{Adapter: adapter, Kind: ErrorAmbiguous, Err: err}
}

// ClassifyError returns the kind of err. Unclassified errors, including
// deadline expiry, are treated as transient.
func ClassifyError(err error) ErrorKind {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Kind
	}
	return ErrorTransient
}

// FailureReason extracts the reason recorded on the request when err ends it.
func FailureReason(err error) string {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) && adapterErr.Reason != "" {
		return adapterErr.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
