// Package scp is the network boundary of the archive node. It turns
// ingestion outcomes into storage status codes for the sender, decides
// which transfer syntaxes an association may use, and exposes the store
// operation over HTTP together with health and metrics endpoints.
package scp

import (
	"fmt"

	"github.com/roach88/archivist/internal/ingest"
)

// Status is a storage response status.
type Status uint16

const (
	Success        Status = 0x0000
	Pending        Status = 0xFF00
	OutOfResources Status = 0xA700
	Failure        Status = 0xC000
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case Pending:
		return "Pending"
	case OutOfResources:
		return "OutOfResources"
	case Failure:
		return "Failure"
	default:
		return fmt.Sprintf("Status(0x%04X)", uint16(s))
	}
}

// Retryable reports whether the sender should try the transfer again.
func (s Status) Retryable() bool {
	return s == OutOfResources
}

// StatusFor maps an ingestion result to the status sent back.
// Reconciled objects are durably held and count as Success. Objects that
// could not be stored for a temporary reason are reported OutOfResources
// so the sender retries; objects that can never be stored are Failure.
func StatusFor(outcome ingest.Outcome, err error) Status {
	if err == nil {
		switch outcome {
		case ingest.Stored, ingest.Duplicate, ingest.Reconciled:
			return Success
		default:
			return Failure
		}
	}
	switch ingest.KindOf(err) {
	case ingest.KindInvalid:
		return Failure
	default:
		return OutOfResources
	}
}
