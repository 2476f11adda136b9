// Package registry resolves studies to storage locations and arbitrates
// access to them through advisory locks held in the durable store.
//
// A lock is a single conditional row update, so any number of nodes or
// goroutines sharing the database observe exactly one winner. Locks are
// released explicitly; a lock older than the stale threshold is presumed
// abandoned by a crashed holder and may be taken over.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/archivist/internal/clock"
	"github.com/roach88/archivist/internal/config"
	"github.com/roach88/archivist/internal/store"
)

// ErrLocked is returned by helpers that require a lock they could not get.
var ErrLocked = errors.New("storage location locked")

// Registry is the storage location registry.
type Registry struct {
	store     *store.Store
	locks     config.LockConfig
	defaultFS string
	clock     clock.Clock
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for lock timestamps and date folders.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = clock.Or(c)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates a registry over st.
func New(st *store.Store, cfg config.Config, opts ...Option) *Registry {
	r := &Registry{
		store:     st,
		locks:     cfg.Locks,
		defaultFS: cfg.DefaultFilesystem,
		clock:     clock.System{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewOwner returns a fresh lock owner token.
func NewOwner() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Get returns a location by ID.
func (r *Registry) Get(ctx context.Context, id string) (*store.StorageLocation, error) {
	return r.store.Locations().Get(ctx, id)
}

// Resolve returns the live location of a study. Missing studies yield an
// error wrapping store.ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, partition, studyUID string) (*store.StorageLocation, error) {
	return r.store.Locations().Find(ctx, partition, studyUID)
}

// CreateNew creates the location of a study on the default filesystem. The
// location stays Creating until its first object is committed. When another
// caller created it first, that location is returned with created=false.
func (r *Registry) CreateNew(ctx context.Context, partition, studyUID, studyDate string) (*store.StorageLocation, bool, error) {
	now := r.clock.Now()
	loc := &store.StorageLocation{
		ID:         uuid.Must(uuid.NewV7()).String(),
		StudyUID:   studyUID,
		Partition:  partition,
		Filesystem: r.defaultFS,
		DateFolder: DateFolder(studyDate, now),
		Status:     store.LocationCreating,
		LockMode:   store.LockNone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	created, err := r.store.Locations().Insert(ctx, loc)
	if err != nil {
		return nil, false, fmt.Errorf("create location for %s: %w", studyUID, err)
	}
	if created {
		r.logger.Debug("storage location created",
			"location", loc.ID,
			"study", studyUID,
			"partition", partition,
			"filesystem", loc.Filesystem)
		return loc, true, nil
	}

	existing, err := r.Resolve(ctx, partition, studyUID)
	if err != nil {
		return nil, false, fmt.Errorf("create location for %s: re-read after conflict: %w", studyUID, err)
	}
	return existing, false, nil
}

// ResolveOrCreate returns the live location of a study, creating it if
// absent. Concurrent callers for the same study all receive the same
// location.
func (r *Registry) ResolveOrCreate(ctx context.Context, partition, studyUID, studyDate string) (*store.StorageLocation, bool, error) {
	loc, err := r.Resolve(ctx, partition, studyUID)
	if err == nil {
		return loc, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	return r.CreateNew(ctx, partition, studyUID, studyDate)
}

// AcquireWriteLock tries to take the exclusive lock for owner, polling until
// timeout elapses. A zero timeout makes a single attempt. Failing to get the
// lock is not an error: it returns false.
func (r *Registry) AcquireWriteLock(ctx context.Context, locationID, owner string, timeout time.Duration) (bool, error) {
	return r.poll(ctx, timeout, func() (bool, error) {
		now := r.clock.Now()
		return r.store.Locations().AcquireWrite(ctx, locationID, owner, now, r.staleBefore(now))
	})
}

// ReleaseWriteLock releases owner's exclusive lock. It returns an error
// wrapping store.ErrNotOwner if the lock was reclaimed in the meantime.
func (r *Registry) ReleaseWriteLock(ctx context.Context, locationID, owner string) error {
	return r.store.Locations().ReleaseWrite(ctx, locationID, owner, r.clock.Now())
}

// AcquireReadLock takes a shared lock, polling until timeout elapses.
func (r *Registry) AcquireReadLock(ctx context.Context, locationID string, timeout time.Duration) (bool, error) {
	return r.poll(ctx, timeout, func() (bool, error) {
		now := r.clock.Now()
		return r.store.Locations().AcquireRead(ctx, locationID, now, r.staleBefore(now))
	})
}

// ReleaseReadLock releases one shared lock.
func (r *Registry) ReleaseReadLock(ctx context.Context, locationID string) error {
	return r.store.Locations().ReleaseRead(ctx, locationID, r.clock.Now())
}

// RefreshWriteLock renews owner's exclusive lock. Long-running holders call
// it well inside the stale threshold.
func (r *Registry) RefreshWriteLock(ctx context.Context, locationID, owner string) error {
	return r.store.Locations().RefreshWrite(ctx, locationID, owner, r.clock.Now())
}

// RefreshReadLock renews the shared lock.
func (r *Registry) RefreshReadLock(ctx context.Context, locationID string) error {
	return r.store.Locations().RefreshRead(ctx, locationID, r.clock.Now())
}

// WithWriteLock runs fn while holding the exclusive lock. It returns
// ErrLocked when the lock is unavailable within timeout.
func (r *Registry) WithWriteLock(ctx context.Context, locationID string, timeout time.Duration, fn func(owner string) error) error {
	owner := NewOwner()
	ok, err := r.AcquireWriteLock(ctx, locationID, owner, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("location %s: %w", locationID, ErrLocked)
	}
	defer func() {
		// Release on a fresh context so a cancelled caller still unlocks.
		if err := r.ReleaseWriteLock(context.WithoutCancel(ctx), locationID, owner); err != nil {
			r.logger.Warn("release write lock failed", "location", locationID, "error", err)
		}
	}()
	return fn(owner)
}

// SetStatus updates a location's lifecycle status.
func (r *Registry) SetStatus(ctx context.Context, locationID string, status store.LocationStatus) error {
	return r.store.Locations().SetStatus(ctx, locationID, status, r.clock.Now())
}

// TransitionStatus moves a location from one status to another, reporting
// false when it was not in status from.
func (r *Registry) TransitionStatus(ctx context.Context, locationID string, from, to store.LocationStatus) (bool, error) {
	return r.store.Locations().TransitionStatus(ctx, locationID, from, to, r.clock.Now())
}

// SetFilesystem records that a study moved to another filesystem.
func (r *Registry) SetFilesystem(ctx context.Context, locationID, filesystem string) error {
	return r.store.Locations().SetFilesystem(ctx, locationID, filesystem, r.clock.Now())
}

// MarkDeleted logically deletes a location.
func (r *Registry) MarkDeleted(ctx context.Context, locationID string) error {
	return r.store.Locations().MarkDeleted(ctx, locationID, r.clock.Now())
}

// List returns locations matching f.
func (r *Registry) List(ctx context.Context, f store.LocationFilter) ([]store.StorageLocation, error) {
	return r.store.Locations().List(ctx, f)
}

// IsWriteLocked reports whether a live, non-stale write lock is held.
func (r *Registry) IsWriteLocked(loc *store.StorageLocation) bool {
	return loc.LockMode == store.LockWrite && !loc.LockedAt.Before(r.staleBefore(r.clock.Now()))
}

// StaleAfter is the lock age beyond which a lock may be taken over.
func (r *Registry) StaleAfter() time.Duration {
	return r.locks.StaleAfter.D()
}

func (r *Registry) staleBefore(now time.Time) time.Time {
	return now.Add(-r.locks.StaleAfter.D())
}

func (r *Registry) poll(ctx context.Context, timeout time.Duration, attempt func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(timeout)
	interval := r.locks.PollInterval.D()
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	for {
		ok, err := attempt()
		if err != nil || ok {
			return ok, err
		}
		remaining := time.Until(deadline)
		if timeout <= 0 || remaining <= 0 {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(min(interval, remaining)):
		}
	}
}

// DateFolder derives the yyyy/mm/dd folder from a DICOM StudyDate
// (YYYYMMDD), falling back to now when the date is absent or malformed.
func DateFolder(studyDate string, now time.Time) string {
	if t, err := time.Parse("20060102", studyDate); err == nil {
		return t.Format("2006/01/02")
	}
	return now.UTC().Format("2006/01/02")
}
