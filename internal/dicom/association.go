package dicom

import "github.com/google/uuid"

// AssociationContext identifies the network association an object arrived on.
// It is passed explicitly through the ingestion path.
type AssociationContext struct {
	// ID is unique per association; objects sharing it were sent together.
	ID         string
	CallingAE  string
	CalledAE   string
	RemoteAddr string
}

// NewAssociation returns a context with a fresh time-ordered ID.
func NewAssociation(callingAE, calledAE, remoteAddr string) AssociationContext {
	return AssociationContext{
		ID:         uuid.Must(uuid.NewV7()).String(),
		CallingAE:  callingAE,
		CalledAE:   calledAE,
		RemoteAddr: remoteAddr,
	}
}

// GroupID is the reconciliation grouping key for conflicts raised by this
// association against one study: a burst of conflicting objects sent on the
// same association collapses into one record.
func (a AssociationContext) GroupID(studyUID string) string {
	return a.CallingAE + "/" + a.ID + "/" + studyUID
}
