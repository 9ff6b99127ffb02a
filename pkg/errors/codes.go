package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in vigil.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001

	// Resources & processes
	ErrCodeSocketBindFailed ErrorCode = 3001
	ErrCodeProcessStartFail ErrorCode = 3002

	// Upgrade & ack
	ErrCodeUpgradeInProgress ErrorCode = 5001
	ErrCodeAckRejected       ErrorCode = 5002
	ErrCodeGroupNotRunning   ErrorCode = 5003

	// Liveness
	ErrCodeHealthCheckStale ErrorCode = 6001

	// Auto upgrade
	ErrCodeUpgraderFailed ErrorCode = 7001

	// Control
	ErrCodeUnknownGroup   ErrorCode = 8001
	ErrCodeInvalidCommand ErrorCode = 8002
)

// VigilError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type VigilError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *VigilError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *VigilError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a VigilError with the same code, so callers can
// match on a zero-message template such as &VigilError{Code: ErrCodeSocketBindFailed}.
func (e *VigilError) Is(target error) bool {
	t, ok := target.(*VigilError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Msg == "" && t.Operation == ""
}

// New creates a new VigilError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &VigilError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf returns the code of the first VigilError in err's chain, or
// ErrCodeUnknown when there is none.
func CodeOf(err error) ErrorCode {
	var ve *VigilError
	if stderrors.As(err, &ve) {
		return ve.Code
	}
	return ErrCodeUnknown
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && stderrors.Is(err, &VigilError{Code: code})
}

// Personal.AI order the ending
