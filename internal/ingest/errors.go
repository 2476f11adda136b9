package ingest

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an object was rejected.
type ErrorKind string

const (
	// KindInvalid: the object lacks required identifiers.
	KindInvalid ErrorKind = "INVALID"

	// KindContention: the study lock stayed busy for the whole retry
	// budget. The sender should retry the transfer.
	KindContention ErrorKind = "CONTENTION"

	// KindTransientIO: disk writes kept failing after retries.
	KindTransientIO ErrorKind = "TRANSIENT_IO"

	// KindCorruption: the stored study index is unreadable. A rebuild has
	// been queued and the sender should retry later.
	KindCorruption ErrorKind = "CORRUPTION"
)

// Error is returned with a Rejected outcome.
type Error struct {
	Kind     ErrorKind
	StudyUID string
	SOPUID   string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.SOPUID != "" {
		msg += fmt.Sprintf(" (sop=%s)", e.SOPUID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of an ingestion error, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}

// IsContention reports whether err is a lock contention rejection.
func IsContention(err error) bool { return KindOf(err) == KindContention }

// IsTransientIO reports whether err is an exhausted disk retry.
func IsTransientIO(err error) bool { return KindOf(err) == KindTransientIO }

// IsCorruption reports whether err is an unreadable study index.
func IsCorruption(err error) bool { return KindOf(err) == KindCorruption }

// IsInvalid reports whether err is an invalid object.
func IsInvalid(err error) bool { return KindOf(err) == KindInvalid }
