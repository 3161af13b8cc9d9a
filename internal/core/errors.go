package core

// errors.go defines the error taxonomy shared by the pipeline and the HTTP
// layer. Job-level failures carry a short machine token (Code); row-level
// problems never become Go errors, they are attached to staged rows as
// comma-joined code strings (see validate.go).

import (
	"errors"
	"fmt"
)

// Code is a short machine token identifying an error class.
type Code string

const (
	CodeFileTooLarge Code = "FILE_TOO_LARGE"
	CodeFileCorrupt  Code = "FILE_CORRUPT"
	CodeIOError      Code = "IO_ERROR"

	CodeTransientDB Code = "TRANSIENT_DB"
	CodePhaseFailed Code = "PHASE_FAILED"

	CodeReconciliationMismatch Code = "RECONCILIATION_MISMATCH"

	CodeCircuitOpen Code = "CIRCUIT_OPEN"
	CodeRateLimited Code = "RATE_LIMITED"

	CodeDuplicateJobID Code = "DUPLICATE_JOB_ID"
	CodeInProgress     Code = "IN_PROGRESS"
	CodeJobNotFound    Code = "JOB_NOT_FOUND"

	CodeHeaderAmbiguous Code = "HEADER_AMBIGUOUS"
	CodeCancelled       Code = "CANCELLED"

	CodeInternal Code = "INTERNAL"
)

// Error is a job-level error with a machine token and a retryability hint.
// The web layer renders it as the uniform envelope {code, message, retryable}.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a non-retryable Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Retryablef builds a retryable Error with a formatted message.
func Retryablef(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// CodeOf extracts the machine token from an error chain.
// Unclassified errors report CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the error chain carries a retryable Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// transientError marks a sink failure as worth retrying.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient wraps err so the executor retries it. Wrapping nil returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is marked transient anywhere in its chain.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
