package fax

import (
	"errors"
	"fmt"
)

// UnsupportedFormatError means the declared document type cannot be converted.
// Not retryable without an operator fixing the job.
type UnsupportedFormatError struct {
	Filename string
	Want     string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported document %q: only %s files are handled", e.Filename, e.Want)
}

// ConversionError reports a failed external converter run.
// ExitStatus is -1 when the process could not be spawned or was killed.
type ConversionError struct {
	Command    string
	ExitStatus int
	Stderr     string
	Err        error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("convert: %s exited with status %d", e.Command, e.ExitStatus)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	if e.Err != nil && e.ExitStatus < 0 {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConversionError) Unwrap() error { return e.Err }

// NotFoundError is returned when a lookup matches zero rows or more than one.
// Ambiguous data is an error, never a pick-first.
type NotFoundError struct {
	Entity  string
	Key     string
	Matches int
}

func (e *NotFoundError) Error() string {
	if e.Matches > 1 {
		return fmt.Sprintf("%s %q is ambiguous: %d matches", e.Entity, e.Key, e.Matches)
	}
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

// MalformedMetadataError marks an inbound sidecar that cannot be parsed or is
// internally inconsistent. The artifact should be quarantined, not retried.
type MalformedMetadataError struct {
	Path   string
	Reason string
	Err    error
}

func (e *MalformedMetadataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed metadata %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed metadata %s: %s", e.Path, e.Reason)
}

func (e *MalformedMetadataError) Unwrap() error { return e.Err }

// StoreError wraps a failure of the relational store.
type StoreError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying on a later poll.
// Conversion and transient store failures are; data problems are not.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	var ce *ConversionError
	if errors.As(err, &ce) {
		return true
	}
	return false
}
