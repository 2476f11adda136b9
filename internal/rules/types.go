package rules

import (
	"fmt"

	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/store"
)

// ApplyTime is the pipeline point at which a rule is evaluated.
type ApplyTime string

const (
	SopReceived     ApplyTime = "SopReceived"
	SopProcessed    ApplyTime = "SopProcessed"
	SeriesProcessed ApplyTime = "SeriesProcessed"
	StudyProcessed  ApplyTime = "StudyProcessed"
	StudyArchived   ApplyTime = "StudyArchived"
)

// ApplyTimes lists every apply time.
var ApplyTimes = []ApplyTime{SopReceived, SopProcessed, SeriesProcessed, StudyProcessed, StudyArchived}

// ParseApplyTime validates an apply time name.
func ParseApplyTime(s string) (ApplyTime, error) {
	for _, at := range ApplyTimes {
		if string(at) == s {
			return at, nil
		}
	}
	return "", fmt.Errorf("unknown apply time %q", s)
}

// Rule is one compiled rule.
type Rule struct {
	Name      string
	ApplyTime ApplyTime
	Partition string // empty or "*" matches every partition
	Condition *Condition
	Actions   []Action
	Default   bool
	Exempt    bool
	Enabled   bool
}

// matchesPartition reports whether the rule applies to partition.
func (r *Rule) matchesPartition(partition string) bool {
	return r.Partition == "" || r.Partition == "*" || r.Partition == partition
}

// Event is the input to rule evaluation.
type Event struct {
	ApplyTime ApplyTime
	Location  *store.StorageLocation
	Assoc     dicom.AssociationContext

	// Object is the instance that triggered the event; nil for study-level
	// apply times.
	Object *dicom.Object

	// Study holds the study-level attributes.
	Study dicom.Attributes
}

// Fired records one rule that matched and the entries it enqueued.
type Fired struct {
	Rule    string
	Exempt  bool
	Default bool
	Entries []string
}
