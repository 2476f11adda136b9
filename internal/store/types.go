package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// LockMode is the advisory lock held on a storage location.
type LockMode string

const (
	LockNone  LockMode = "none"
	LockRead  LockMode = "read"
	LockWrite LockMode = "write"
)

// LocationStatus is the lifecycle state of a storage location.
type LocationStatus string

const (
	LocationIdle        LocationStatus = "idle"
	LocationCreating    LocationStatus = "creating"
	LocationProcessing  LocationStatus = "processing"
	LocationReconciling LocationStatus = "reconciling"
	LocationDeleted     LocationStatus = "deleted"
)

// StorageLocation identifies one study's on-disk representation and its
// current lock state.
type StorageLocation struct {
	ID         string
	StudyUID   string
	Partition  string
	Filesystem string
	DateFolder string
	Status     LocationStatus
	LockMode   LockMode
	LockOwner  string
	ReadCount  int
	LockedAt   time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EntryType is the kind of deferred work a queue entry carries.
type EntryType string

const (
	TypeProcessDuplicate EntryType = "ProcessDuplicate"
	TypeMoveStudy        EntryType = "MoveStudy"
	TypeRebuildIndex     EntryType = "RebuildIndex"
	TypeRuleAction       EntryType = "RuleAction"
	TypeAutoRoute        EntryType = "AutoRoute"
	TypePurgeStudy       EntryType = "PurgeStudy"
)

// EntryTypes lists every known entry type.
var EntryTypes = []EntryType{
	TypeProcessDuplicate,
	TypeMoveStudy,
	TypeRebuildIndex,
	TypeRuleAction,
	TypeAutoRoute,
	TypePurgeStudy,
}

// ParseEntryType validates a type name.
func ParseEntryType(s string) (EntryType, error) {
	for _, t := range EntryTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entry type %q", s)
}

// EntryStatus is the state of a queue entry.
type EntryStatus string

const (
	StatusPending                EntryStatus = "pending"
	StatusInProgress             EntryStatus = "in_progress"
	StatusIdle                   EntryStatus = "idle"
	StatusCompleted              EntryStatus = "completed"
	StatusFailed                 EntryStatus = "failed"
	StatusCompletedDelayedDelete EntryStatus = "completed_delayed_delete"
)

// Terminal reports whether no worker will pick the entry up again.
func (s EntryStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompletedDelayedDelete
}

// Priority orders claimable entries; lower values are claimed first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts "high", "normal" or "low"; "" means normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// QueueEntry is one durable, schedulable unit of deferred work.
type QueueEntry struct {
	ID                 string
	Type               EntryType
	LocationID         string
	Status             EntryStatus
	Priority           Priority
	ScheduledAt        time.Time
	ExpiresAt          time.Time
	FailureCount       int
	FailureDescription string
	Worker             string
	GroupID            string
	Payload            json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DecodePayload unmarshals the entry payload into v.
func (e *QueueEntry) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode payload of %s entry %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// EncodePayload returns v as a payload.
func EncodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DiscrepancyClass classifies one attribute-level difference.
type DiscrepancyClass string

const (
	ClassPatientName DiscrepancyClass = "PatientNameMismatch"
	ClassPatientID   DiscrepancyClass = "PatientIDMismatch"
	ClassAccession   DiscrepancyClass = "AccessionMismatch"
	ClassBirthDate   DiscrepancyClass = "BirthDateMismatch"
	ClassSex         DiscrepancyClass = "SexMismatch"
	ClassStructural  DiscrepancyClass = "StructuralMismatch"
	ClassAttribute   DiscrepancyClass = "AttributeMismatch"
)

// Difference is one attribute comparison result.
type Difference struct {
	Attribute string           `json:"attribute"`
	Stored    string           `json:"stored"`
	Incoming  string           `json:"incoming"`
	Class     DiscrepancyClass `json:"class"`
}

// ReconcileAction is a resolution for a reconciliation record.
type ReconcileAction string

const (
	ActionNone           ReconcileAction = ""
	ActionAcceptIncoming ReconcileAction = "accept-incoming"
	ActionKeepStored     ReconcileAction = "keep-stored"
	ActionMerge          ReconcileAction = "merge"
	ActionDiscard        ReconcileAction = "discard"
)

// ParseReconcileAction validates an action name.
func ParseReconcileAction(s string) (ReconcileAction, error) {
	switch a := ReconcileAction(s); a {
	case ActionAcceptIncoming, ActionKeepStored, ActionMerge, ActionDiscard:
		return a, nil
	default:
		return ActionNone, fmt.Errorf("unknown reconcile action %q", s)
	}
}

// ReconciliationObject is one quarantined incoming object of a record.
type ReconciliationObject struct {
	SOPUID         string
	SeriesUID      string
	QuarantinePath string
	ContentHash    string
	AddedAt        time.Time
}

// ReconciliationRecord is one conflict instance against one storage location.
type ReconciliationRecord struct {
	ID              string
	LocationID      string
	GroupID         string
	QueueEntryID    string
	Differences     []Difference
	RequestedAction ReconcileAction
	Outcome         ReconcileAction
	SupersedesID    string
	CreatedAt       time.Time
	ResolvedAt      time.Time
	Objects         []ReconciliationObject
}

// Resolved reports whether an outcome has been recorded.
func (r *ReconciliationRecord) Resolved() bool {
	return r.Outcome != ActionNone
}
