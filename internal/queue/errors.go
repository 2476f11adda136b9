package queue

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned by processors that stopped because
// Job.Cancelled reported true. The entry is not counted as failed.
var ErrCancelled = errors.New("processing cancelled")

// ProcessErrorCode categorizes processing failures.
type ProcessErrorCode string

const (
	// ErrCodeProcessorFailed: the processor returned an error.
	ErrCodeProcessorFailed ProcessErrorCode = "PROCESSOR_FAILED"

	// ErrCodeProcessorPanic: the processor panicked.
	ErrCodeProcessorPanic ProcessErrorCode = "PROCESSOR_PANIC"

	// ErrCodeUnknownType: no processor is registered for the entry type.
	ErrCodeUnknownType ProcessErrorCode = "UNKNOWN_TYPE"

	// ErrCodeInvalidPayload: the entry payload could not be decoded.
	ErrCodeInvalidPayload ProcessErrorCode = "INVALID_PAYLOAD"
)

// ProcessError describes why an entry failed. Its text becomes the entry's
// failure description.
type ProcessError struct {
	Code      ProcessErrorCode
	Message   string
	EntryID   string
	EntryType string
	Err       error
}

func (e *ProcessError) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("%s: %s (entry=%s, type=%s)", e.Code, e.Message, e.EntryID, e.EntryType)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// InvalidPayload wraps a payload decoding error. Processors return it so
// the failure is reported with ErrCodeInvalidPayload.
func InvalidPayload(err error) error {
	return &ProcessError{Code: ErrCodeInvalidPayload, Message: err.Error(), Err: err}
}

// IsPanicError reports whether err came from a recovered panic.
func IsPanicError(err error) bool {
	return codeOf(err) == ErrCodeProcessorPanic
}

// IsUnknownTypeError reports whether err means no processor was registered.
func IsUnknownTypeError(err error) bool {
	return codeOf(err) == ErrCodeUnknownType
}

// IsInvalidPayloadError reports whether err is a payload decoding failure.
func IsInvalidPayloadError(err error) bool {
	return codeOf(err) == ErrCodeInvalidPayload
}

func codeOf(err error) ProcessErrorCode {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// asProcessError tags err with the entry it belongs to, keeping an
// existing code.
func asProcessError(err error, entryID, entryType string) *ProcessError {
	var pe *ProcessError
	if errors.As(err, &pe) {
		out := *pe
		out.EntryID, out.EntryType = entryID, entryType
		return &out
	}
	return &ProcessError{
		Code:      ErrCodeProcessorFailed,
		Message:   err.Error(),
		EntryID:   entryID,
		EntryType: entryType,
		Err:       err,
	}
}

func newPanicError(v any, entryID, entryType string) *ProcessError {
	return &ProcessError{
		Code:      ErrCodeProcessorPanic,
		Message:   fmt.Sprintf("panic: %v", v),
		EntryID:   entryID,
		EntryType: entryType,
	}
}
