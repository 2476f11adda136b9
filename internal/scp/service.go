package scp

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/ingest"
)

// Accepter stores one object. *ingest.Handler implements it.
type Accepter interface {
	Accept(ctx context.Context, obj *dicom.Object, assoc dicom.AssociationContext) (ingest.Outcome, error)
}

// Service answers storage requests of associations.
type Service struct {
	accepter Accepter
	syntaxes []string
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService creates a Service accepting the given transfer syntaxes. An
// empty list accepts every syntax.
func NewService(acc Accepter, syntaxes []string, opts ...Option) *Service {
	s := &Service{
		accepter: acc,
		syntaxes: slices.Clone(syntaxes),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProposeTransfer reports whether assoc may send objects in syntax.
func (s *Service) ProposeTransfer(assoc dicom.AssociationContext, syntax string) bool {
	if len(s.syntaxes) == 0 || slices.Contains(s.syntaxes, syntax) {
		return true
	}
	s.logger.Debug("transfer syntax refused", "calling_ae", assoc.CallingAE, "syntax", syntax)
	return false
}

// Store accepts obj and returns the status for the sender.
func (s *Service) Store(ctx context.Context, assoc dicom.AssociationContext, obj *dicom.Object) Status {
	status, _ := s.store(ctx, assoc, obj)
	return status
}

// store also returns the outcome and error for callers that report them.
func (s *Service) store(ctx context.Context, assoc dicom.AssociationContext, obj *dicom.Object) (Status, error) {
	if !s.ProposeTransfer(assoc, obj.TransferSyntax) {
		return Failure, fmt.Errorf("transfer syntax %q not accepted", obj.TransferSyntax)
	}
	outcome, err := s.accepter.Accept(ctx, obj, assoc)
	status := StatusFor(outcome, err)
	log := s.logger.With(
		"calling_ae", assoc.CallingAE,
		"called_ae", assoc.CalledAE,
		"association", assoc.ID,
		"sop", obj.InstanceUID(),
		"status", status)
	switch {
	case err == nil:
		log.Debug("object accepted", "outcome", outcome)
	case status.Retryable():
		log.Info("object refused, sender may retry", "error", err)
	default:
		log.Warn("object rejected", "error", err)
	}
	return status, err
}
