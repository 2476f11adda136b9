// Package ingest accepts decoded objects into the archive.
//
// Accept is called on the association's own goroutine. It takes the study
// write lock with a short bounded retry, then either commits the object,
// recognises it as a duplicate, or hands it to the reconciliation engine.
// It never overwrites stored data whose identity differs from the incoming
// object, and it never drops an object silently: anything it cannot store
// is rejected so the sender retries.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/roach88/archivist/internal/clock"
	"github.com/roach88/archivist/internal/config"
	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/filesystem"
	"github.com/roach88/archivist/internal/metrics"
	"github.com/roach88/archivist/internal/reconcile"
	"github.com/roach88/archivist/internal/registry"
	"github.com/roach88/archivist/internal/rules"
	"github.com/roach88/archivist/internal/store"
)

// Outcome is the result of accepting one object.
type Outcome string

const (
	Stored     Outcome = "stored"
	Duplicate  Outcome = "duplicate"
	Reconciled Outcome = "reconciled"
	Rejected   Outcome = "rejected"
)

// RuleApplier evaluates rules for a pipeline event.
type RuleApplier interface {
	Apply(ctx context.Context, ev rules.Event) ([]rules.Fired, error)
}

// Handler is the ingestion handler. It is safe for concurrent use.
type Handler struct {
	cfg        config.Config
	registry   *registry.Registry
	archive    *filesystem.Archive
	reconciler *reconcile.Engine
	queue      rules.Enqueuer
	rules      RuleApplier
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) {
		h.clock = clock.Or(c)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithMetrics records ingestion metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithRules applies rules at SopReceived and SopProcessed.
func WithRules(r RuleApplier) Option {
	return func(h *Handler) {
		h.rules = r
	}
}

// WithSleep replaces the backoff sleep. Tests use it to avoid real waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Handler) {
		h.sleep = fn
	}
}

// New creates a Handler. queue receives RebuildIndex entries for studies
// whose index turns out to be unreadable.
func New(cfg config.Config, reg *registry.Registry, archive *filesystem.Archive, rec *reconcile.Engine, queue rules.Enqueuer, opts ...Option) *Handler {
	h := &Handler{
		cfg:        cfg,
		registry:   reg,
		archive:    archive,
		reconciler: rec,
		queue:      queue,
		clock:      clock.System{},
		logger:     slog.Default(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Accept stores obj received over assoc. A Rejected outcome always comes
// with an *Error describing why.
func (h *Handler) Accept(ctx context.Context, obj *dicom.Object, assoc dicom.AssociationContext) (Outcome, error) {
	start := time.Now()
	outcome, err := h.accept(ctx, obj, assoc)
	if err != nil {
		outcome = Rejected
	}

	bytes := 0
	if outcome == Stored {
		bytes = len(obj.PixelData)
	}
	h.metrics.RecordIngest(string(outcome), time.Since(start), bytes)
	return outcome, err
}

func (h *Handler) accept(ctx context.Context, obj *dicom.Object, assoc dicom.AssociationContext) (Outcome, error) {
	if err := obj.Validate(); err != nil {
		return Rejected, &Error{Kind: KindInvalid, Err: err}
	}
	sop := obj.InstanceUID()
	partition := h.cfg.PartitionFor(assoc.CalledAE)

	loc, _, err := h.registry.ResolveOrCreate(ctx, partition.Name, obj.StudyUID(), obj.Attributes.Get(dicom.StudyDate))
	if err != nil {
		return Rejected, fmt.Errorf("resolve location: %w", err)
	}

	owner := registry.NewOwner()
	if err := h.lock(ctx, loc.ID, owner); err != nil {
		if IsContention(err) {
			h.metrics.RecordContention()
			h.logger.Debug("study busy, rejecting object", "study", loc.StudyUID, "sop", sop)
		}
		return Rejected, err
	}
	defer func() {
		if err := h.registry.ReleaseWriteLock(context.WithoutCancel(ctx), loc.ID, owner); err != nil {
			h.logger.Warn("release study lock failed", "location", loc.ID, "error", err)
		}
	}()

	// The location may have been moved or purged while we waited.
	loc, err = h.registry.Get(ctx, loc.ID)
	if err != nil {
		return Rejected, fmt.Errorf("reload location: %w", err)
	}
	if loc.Status == store.LocationDeleted {
		return Rejected, &Error{
			Kind:     KindContention,
			StudyUID: loc.StudyUID,
			SOPUID:   sop,
			Err:      fmt.Errorf("location %s was deleted", loc.ID),
		}
	}

	h.applyRules(ctx, rules.SopReceived, loc, obj, assoc)

	outcome, err := h.commit(ctx, loc, obj, assoc, partition)
	if err != nil {
		return Rejected, err
	}
	if (outcome == Stored || outcome == Duplicate) && loc.Status == store.LocationCreating {
		if _, err := h.registry.TransitionStatus(ctx, loc.ID, store.LocationCreating, store.LocationIdle); err != nil {
			h.logger.Warn("mark location created failed", "location", loc.ID, "error", err)
		} else {
			loc.Status = store.LocationIdle
		}
	}
	if outcome == Stored {
		h.applyRules(ctx, rules.SopProcessed, loc, obj, assoc)
	}
	return outcome, nil
}

// commit decides what happens to obj. The caller holds the write lock.
func (h *Handler) commit(ctx context.Context, loc *store.StorageLocation, obj *dicom.Object, assoc dicom.AssociationContext, partition config.Partition) (Outcome, error) {
	sop := obj.InstanceUID()

	idx, err := h.archive.ReadIndex(loc)
	if errors.Is(err, filesystem.ErrIndexCorrupt) {
		h.flagCorrupt(ctx, loc, err)
		return Rejected, &Error{Kind: KindCorruption, StudyUID: loc.StudyUID, SOPUID: sop, Err: err}
	}
	if err != nil {
		return Rejected, &Error{Kind: KindTransientIO, StudyUID: loc.StudyUID, SOPUID: sop, Err: err}
	}

	hash, err := dicom.ContentHash(obj)
	if err != nil {
		return Rejected, &Error{Kind: KindInvalid, SOPUID: sop, Err: err}
	}

	if inst, _, ok := idx.Lookup(sop); ok {
		if inst.Hash == hash {
			h.logger.Debug("duplicate object ignored", "study", loc.StudyUID, "sop", sop)
			return Duplicate, nil
		}
		diffs := reconcile.Compare(inst.IdentityAttributes(), obj.Attributes, partition.Discriminators)
		if len(diffs) > 0 {
			return h.reconcile(ctx, loc, obj, assoc, diffs)
		}
		if err := h.store(ctx, loc, idx, obj, hash); err != nil {
			return Rejected, err
		}
		h.logger.Info("duplicate object replaced", "study", loc.StudyUID, "sop", sop)
		return Duplicate, nil
	}

	if !idx.Empty() {
		diffs := reconcile.Compare(idx.StudyAttributes(), obj.Attributes, partition.Discriminators)
		if len(diffs) > 0 {
			return h.reconcile(ctx, loc, obj, assoc, diffs)
		}
	}
	if err := h.store(ctx, loc, idx, obj, hash); err != nil {
		return Rejected, err
	}
	h.logger.Debug("object stored", "study", loc.StudyUID, "series", obj.SeriesUID(), "sop", sop)
	return Stored, nil
}

func (h *Handler) reconcile(ctx context.Context, loc *store.StorageLocation, obj *dicom.Object, assoc dicom.AssociationContext, diffs []store.Difference) (Outcome, error) {
	rec, err := h.reconciler.RecordConflict(ctx, loc, obj, diffs, assoc.GroupID(loc.StudyUID))
	if err != nil {
		return Rejected, &Error{Kind: KindTransientIO, StudyUID: loc.StudyUID, SOPUID: obj.InstanceUID(), Err: err}
	}
	h.logger.Info("object reconciled",
		"study", loc.StudyUID,
		"sop", obj.InstanceUID(),
		"record", rec.ID,
		"differences", len(diffs))
	return Reconciled, nil
}

// store writes the instance and then the index, each with retries.
func (h *Handler) store(ctx context.Context, loc *store.StorageLocation, idx *filesystem.StudyIndex, obj *dicom.Object, hash string) error {
	err := h.retryIO(ctx, "write instance", func() error {
		_, err := h.archive.WriteInstance(loc, obj)
		return err
	})
	if err == nil {
		idx.Put(obj, hash)
		err = h.retryIO(ctx, "write index", func() error {
			return h.archive.WriteIndex(loc, idx)
		})
	}
	if err != nil {
		return &Error{Kind: KindTransientIO, StudyUID: loc.StudyUID, SOPUID: obj.InstanceUID(), Err: err}
	}
	return nil
}

// retryIO runs fn up to IO.Retries+1 times, doubling the backoff between
// attempts.
func (h *Handler) retryIO(ctx context.Context, op string, fn func() error) error {
	delay := h.cfg.IO.Backoff.D()
	var err error
	for attempt := 0; attempt <= h.cfg.IO.Retries; attempt++ {
		if attempt > 0 {
			h.logger.Debug("retrying disk write", "op", op, "attempt", attempt, "error", err)
			if serr := h.sleep(ctx, delay); serr != nil {
				return serr
			}
			delay *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// lock takes the study write lock with randomized backoff between attempts.
func (h *Handler) lock(ctx context.Context, locationID, owner string) error {
	retries := max(h.cfg.Locks.Retries, 1)
	for attempt := 1; ; attempt++ {
		ok, err := h.registry.AcquireWriteLock(ctx, locationID, owner, 0)
		if err != nil {
			return fmt.Errorf("acquire study lock: %w", err)
		}
		h.metrics.RecordLockAttempt(ok)
		if ok {
			return nil
		}
		if attempt >= retries {
			return &Error{
				Kind: KindContention,
				Err:  fmt.Errorf("location %s still locked after %d attempts: %w", locationID, attempt, registry.ErrLocked),
			}
		}
		if err := h.sleep(ctx, h.lockBackoff()); err != nil {
			return err
		}
	}
}

func (h *Handler) lockBackoff() time.Duration {
	lo, hi := h.cfg.Locks.BackoffMin.D(), h.cfg.Locks.BackoffMax.D()
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

// flagCorrupt queues a high priority index rebuild for loc.
func (h *Handler) flagCorrupt(ctx context.Context, loc *store.StorageLocation, cause error) {
	h.logger.Error("study index unreadable, queueing rebuild",
		"location", loc.ID, "study", loc.StudyUID, "error", cause)
	payload, err := store.EncodePayload(store.RebuildPayload{Reason: "unreadable index"})
	if err != nil {
		return
	}
	entry := &store.QueueEntry{
		Type:        store.TypeRebuildIndex,
		LocationID:  loc.ID,
		Priority:    store.PriorityHigh,
		ScheduledAt: h.clock.Now(),
		Payload:     payload,
	}
	if _, err := h.queue.Enqueue(context.WithoutCancel(ctx), entry, true); err != nil {
		h.logger.Error("queue index rebuild failed", "location", loc.ID, "error", err)
	}
}

func (h *Handler) applyRules(ctx context.Context, at rules.ApplyTime, loc *store.StorageLocation, obj *dicom.Object, assoc dicom.AssociationContext) {
	if h.rules == nil {
		return
	}
	fired, err := h.rules.Apply(ctx, rules.Event{
		ApplyTime: at,
		Location:  loc,
		Assoc:     assoc,
		Object:    obj,
		Study:     obj.Attributes.Subset(dicom.StudyKeywords),
	})
	if err != nil {
		h.logger.Warn("rule actions failed", "apply_time", at, "sop", obj.InstanceUID(), "error", err)
	}
	h.metrics.RecordRulesFired(string(at), len(fired))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
