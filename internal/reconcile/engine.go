package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/archivist/internal/clock"
	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/filesystem"
	"github.com/roach88/archivist/internal/store"
)

// ErrInterrupted is returned by Resolve when its interrupt check fires
// between objects. Work done so far is kept and the call can be repeated.
var ErrInterrupted = errors.New("resolution interrupted")

// Notifier is woken when new queue work has been committed.
type Notifier interface {
	Notify()
}

// Engine records and resolves reconciliation records.
type Engine struct {
	store    *store.Store
	archive  *filesystem.Archive
	clock    clock.Clock
	logger   *slog.Logger
	notifier Notifier
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = clock.Or(c)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithNotifier sets who is woken after a ProcessDuplicate entry is queued.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// New creates an Engine.
func New(st *store.Store, archive *filesystem.Archive, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		archive: archive,
		clock:   clock.System{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecordConflict quarantines obj and records it against loc under groupID.
//
// The first conflict of a group creates the record, queues one
// ProcessDuplicate entry for it and marks the location Reconciling. Later
// conflicts of the same group join the open record: their object is added
// and new differences are merged in. The caller must hold loc's write lock.
func (e *Engine) RecordConflict(ctx context.Context, loc *store.StorageLocation, obj *dicom.Object, diffs []store.Difference, groupID string) (*store.ReconciliationRecord, error) {
	hash, err := dicom.ContentHash(obj)
	if err != nil {
		return nil, err
	}
	qpath := e.archive.Layout().QuarantinePath(loc.Partition, loc.StudyUID, groupID, obj.SeriesUID(), obj.InstanceUID())

	// The quarantine file goes first: a record never points at a missing
	// payload, and a retried transfer overwrites the same path.
	if err := e.archive.WriteObject(qpath, obj); err != nil {
		return nil, fmt.Errorf("quarantine %s: %w", obj.InstanceUID(), err)
	}

	now := e.clock.Now()
	var (
		rec     *store.ReconciliationRecord
		created bool
	)
	err = e.store.InTx(ctx, func(tx *store.Tx) error {
		records := tx.Reconciliations()

		open, err := records.FindOpen(ctx, loc.ID, groupID)
		switch {
		case err == nil:
			merged := MergeDifferences(open.Differences, diffs)
			if len(merged) != len(open.Differences) {
				if err := records.UpdateDifferences(ctx, open.ID, merged); err != nil {
					return err
				}
			}
		case errors.Is(err, store.ErrNotFound):
			open, err = e.createRecord(ctx, tx, loc, groupID, diffs, now)
			if err != nil {
				return err
			}
			created = true
		default:
			return err
		}

		if _, err := records.AddObject(ctx, open.ID, store.ReconciliationObject{
			SOPUID:         obj.InstanceUID(),
			SeriesUID:      obj.SeriesUID(),
			QuarantinePath: qpath,
			ContentHash:    hash,
			AddedAt:        now,
		}); err != nil {
			return err
		}

		rec, err = records.Get(ctx, open.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record conflict for %s: %w", obj.InstanceUID(), err)
	}

	e.logger.Info("reconciliation recorded",
		"record", rec.ID,
		"location", loc.ID,
		"study", loc.StudyUID,
		"sop", obj.InstanceUID(),
		"group", groupID,
		"new_record", created,
		"objects", len(rec.Objects))
	if created && e.notifier != nil {
		e.notifier.Notify()
	}
	return rec, nil
}

func (e *Engine) createRecord(ctx context.Context, tx *store.Tx, loc *store.StorageLocation, groupID string, diffs []store.Difference, now time.Time) (*store.ReconciliationRecord, error) {
	rec := &store.ReconciliationRecord{
		ID:          uuid.Must(uuid.NewV7()).String(),
		LocationID:  loc.ID,
		GroupID:     groupID,
		Differences: diffs,
		CreatedAt:   now,
	}
	if prev, err := tx.Reconciliations().LatestResolved(ctx, loc.ID, groupID); err == nil {
		rec.SupersedesID = prev.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	inserted, err := tx.Reconciliations().Insert(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return tx.Reconciliations().FindOpen(ctx, loc.ID, groupID)
	}

	payload, err := store.EncodePayload(store.DuplicatePayload{RecordID: rec.ID})
	if err != nil {
		return nil, err
	}
	entry := &store.QueueEntry{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Type:        store.TypeProcessDuplicate,
		LocationID:  loc.ID,
		Status:      store.StatusPending,
		Priority:    store.PriorityNormal,
		ScheduledAt: now,
		GroupID:     groupID,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.Queue().Insert(ctx, entry); err != nil {
		return nil, err
	}
	if err := tx.Reconciliations().SetQueueEntry(ctx, rec.ID, entry.ID); err != nil {
		return nil, err
	}
	if err := tx.Locations().SetStatus(ctx, loc.ID, store.LocationReconciling, now); err != nil {
		return nil, err
	}
	rec.QueueEntryID = entry.ID
	return rec, nil
}

// RequestResolution records an operator decision on an open record and
// makes its ProcessDuplicate entry runnable now.
func (e *Engine) RequestResolution(ctx context.Context, recordID string, action store.ReconcileAction) error {
	if _, err := store.ParseReconcileAction(string(action)); err != nil {
		return err
	}
	now := e.clock.Now()
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		rec, err := tx.Reconciliations().Get(ctx, recordID)
		if err != nil {
			return err
		}
		if rec.Resolved() {
			return fmt.Errorf("record %s resolved as %s: %w", rec.ID, rec.Outcome, store.ErrImmutable)
		}
		if err := tx.Reconciliations().RequestAction(ctx, rec.ID, action); err != nil {
			return err
		}
		if rec.QueueEntryID == "" {
			return nil
		}

		entry, err := tx.Queue().Get(ctx, rec.QueueEntryID)
		if err != nil {
			return err
		}
		switch entry.Status {
		case store.StatusPending, store.StatusIdle:
			return tx.Queue().Reschedule(ctx, entry.ID, now, now)
		case store.StatusFailed:
			return tx.Queue().Reset(ctx, entry.ID, now)
		default:
			// InProgress picks the request up on its next run.
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("request resolution of %s: %w", recordID, err)
	}

	e.logger.Info("resolution requested", "record", recordID, "action", action)
	if e.notifier != nil {
		e.notifier.Notify()
	}
	return nil
}

// Resolution summarizes an applied resolution.
type Resolution struct {
	Record   *store.ReconciliationRecord
	Action   store.ReconcileAction
	Accepted int
	Dropped  int
}

// Resolve applies action to every object of an open record and then records
// the outcome. The caller must hold the location's write lock.
//
// Each object step is idempotent, so a resolution interrupted by a crash or
// by interrupted() returning true can simply be run again.
func (e *Engine) Resolve(ctx context.Context, loc *store.StorageLocation, recordID string, action store.ReconcileAction, interrupted func() bool) (*Resolution, error) {
	if _, err := store.ParseReconcileAction(string(action)); err != nil {
		return nil, err
	}
	rec, err := e.store.Reconciliations().Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Resolved() {
		return nil, fmt.Errorf("record %s: %w", rec.ID, store.ErrImmutable)
	}
	if rec.LocationID != loc.ID {
		return nil, fmt.Errorf("record %s belongs to location %s, not %s", rec.ID, rec.LocationID, loc.ID)
	}

	idx, err := e.archive.ReadIndex(loc)
	if err != nil {
		return nil, err
	}

	groupDir := e.archive.Layout().QuarantineDir(loc.Partition, loc.StudyUID, rec.GroupID)
	res := &Resolution{Record: rec, Action: action}
	for _, qo := range rec.Objects {
		if interrupted != nil && interrupted() {
			return res, ErrInterrupted
		}
		accepted, err := e.applyObject(loc, idx, qo, action, groupDir)
		if err != nil {
			return res, err
		}
		if accepted {
			res.Accepted++
		} else {
			res.Dropped++
		}
	}

	// Stop at {quarantineRoot}/{partition}.
	filesystem.RemoveEmptyParents(groupDir, filepath.Dir(filepath.Dir(groupDir)))

	now := e.clock.Now()
	err = e.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.Reconciliations().Resolve(ctx, rec.ID, action, now); err != nil {
			return err
		}
		open, err := tx.Reconciliations().List(ctx, store.ReconcileFilter{LocationID: loc.ID, OpenOnly: true, Limit: 1})
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return tx.Locations().SetStatus(ctx, loc.ID, store.LocationIdle, now)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("record outcome of %s: %w", rec.ID, err)
	}

	e.logger.Info("reconciliation resolved",
		"record", rec.ID,
		"location", loc.ID,
		"action", action,
		"accepted", res.Accepted,
		"dropped", res.Dropped)
	return res, nil
}

// applyObject carries out action for one quarantined object and reports
// whether it entered the canonical tree.
func (e *Engine) applyObject(loc *store.StorageLocation, idx *filesystem.StudyIndex, qo store.ReconciliationObject, action store.ReconcileAction, groupDir string) (bool, error) {
	obj, err := e.archive.ReadObject(qo.QuarantinePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Applied by an earlier, interrupted run.
			return false, nil
		}
		return false, err
	}

	accept := false
	switch action {
	case store.ActionAcceptIncoming:
		accept = true
	case store.ActionMerge:
		_, _, exists := idx.Lookup(qo.SOPUID)
		accept = !exists
	}

	if accept {
		if _, err := e.archive.WriteInstance(loc, obj); err != nil {
			return false, err
		}
		if action == store.ActionAcceptIncoming {
			idx.SetStudyAttributes(mergeStudyAttributes(idx.StudyAttributes(), obj.Attributes))
		}
		idx.Put(obj, qo.ContentHash)
		if err := e.archive.WriteIndex(loc, idx); err != nil {
			return false, err
		}
	}
	if err := filesystem.RemoveFile(qo.QuarantinePath); err != nil {
		return accept, err
	}
	filesystem.RemoveEmptyParents(filepath.Dir(qo.QuarantinePath), groupDir)
	return accept, nil
}

// mergeStudyAttributes overlays the incoming study-level values the object
// carries onto the stored ones.
func mergeStudyAttributes(stored, incoming dicom.Attributes) dicom.Attributes {
	out := stored.Clone()
	for _, k := range dicom.StudyKeywords {
		if v, ok := incoming[k]; ok {
			out[k] = v
		}
	}
	return out
}
