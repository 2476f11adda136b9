package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/archivist/internal/clock"
	"github.com/roach88/archivist/internal/config"
	"github.com/roach88/archivist/internal/metrics"
	"github.com/roach88/archivist/internal/registry"
	"github.com/roach88/archivist/internal/store"
)

// Scheduler owns the worker pool.
type Scheduler struct {
	store      *store.Store
	registry   *registry.Registry
	cfg        config.QueueConfig
	processors map[store.EntryType]Processor
	types      []store.EntryType
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	nodeID     string
	signal     *signal

	mu        sync.Mutex
	cancelled map[store.EntryType]bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for schedule times.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock.Or(c)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithMetrics records queue metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithNodeID sets the prefix of worker tokens. Defaults to a fresh UUID.
func WithNodeID(id string) Option {
	return func(s *Scheduler) {
		s.nodeID = id
	}
}

// New creates a scheduler running processors. Only entry types with a
// processor are claimed.
func New(st *store.Store, reg *registry.Registry, cfg config.QueueConfig, processors map[store.EntryType]Processor, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      st,
		registry:   reg,
		cfg:        cfg,
		processors: processors,
		clock:      clock.System{},
		logger:     slog.Default(),
		nodeID:     uuid.Must(uuid.NewV7()).String(),
		signal:     newSignal(),
		cancelled:  map[store.EntryType]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	for t := range processors {
		s.types = append(s.types, t)
	}
	sort.Slice(s.types, func(i, j int) bool { return s.types[i] < s.types[j] })
	return s
}

// Notify wakes idle workers. Call it after committing new work.
func (s *Scheduler) Notify() {
	s.signal.Notify()
}

// Backoff returns the retry delay after the n-th failure:
// RetryDelay * 2^(n-1), capped at MaxRetryDelay.
func Backoff(cfg config.QueueConfig, n int) time.Duration {
	d := cfg.RetryDelay.D()
	ceiling := cfg.MaxRetryDelay.D()
	for i := 1; i < n; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// Enqueue inserts e as Pending, assigning ID and timestamps when unset.
// With unique set, nothing is inserted if the location already has an
// active entry of the same type. Reports whether a row was inserted.
func (s *Scheduler) Enqueue(ctx context.Context, e *store.QueueEntry, unique bool) (bool, error) {
	now := s.clock.Now()
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.ScheduledAt.IsZero() {
		e.ScheduledAt = now
	}
	e.Status = store.StatusPending
	e.CreatedAt, e.UpdatedAt = now, now

	inserted := true
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if unique {
			_, err := tx.Queue().FindActive(ctx, e.LocationID, e.Type)
			if err == nil {
				inserted = false
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		return tx.Queue().Insert(ctx, e)
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", e.Type, err)
	}
	if inserted {
		s.logger.Debug("entry queued", "entry", e.ID, "type", e.Type, "location", e.LocationID, "priority", e.Priority)
		s.Notify()
	}
	return inserted, nil
}

// Run recovers abandoned entries and runs Workers workers until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if n, err := s.RecoverAbandoned(ctx); err != nil {
		return err
	} else if n > 0 {
		s.logger.Warn("recovered abandoned entries", "count", n)
	}

	s.logger.Info("scheduler starting", "workers", s.cfg.Workers, "types", len(s.types))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < max(s.cfg.Workers, 1); i++ {
		worker := fmt.Sprintf("%s/w%d", s.nodeID, i)
		g.Go(func() error {
			s.work(gctx, worker)
			return nil
		})
	}
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// RecoverAbandoned returns entries left InProgress by a crashed worker to
// Pending.
func (s *Scheduler) RecoverAbandoned(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	n, err := s.store.Queue().RecoverAbandoned(ctx, now.Add(-s.cfg.AbandonedAfter.D()), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Notify()
	}
	return n, nil
}

func (s *Scheduler) work(ctx context.Context, worker string) {
	poll := s.cfg.PollInterval.D()
	if poll <= 0 {
		poll = time.Second
	}
	for {
		wake := s.signal.Wait()
		ran, err := s.RunOnce(ctx, worker)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("worker iteration failed", "worker", worker, "error", err)
		}
		if ran {
			continue
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-wake:
		case <-t.C:
		}
		t.Stop()
	}
}

// RunOnce claims and runs at most one entry as worker. It reports whether
// an entry was claimed.
func (s *Scheduler) RunOnce(ctx context.Context, worker string) (bool, error) {
	if len(s.types) == 0 {
		return false, nil
	}
	entry, ok, err := s.store.Queue().ClaimNext(ctx, worker, s.types, s.clock.Now())
	if err != nil || !ok {
		return false, err
	}
	return true, s.execute(ctx, worker, entry)
}

// execute runs a claimed entry. Errors returned are bookkeeping failures;
// processor failures are recorded on the entry.
func (s *Scheduler) execute(ctx context.Context, worker string, e *store.QueueEntry) error {
	log := s.logger.With("entry", e.ID, "type", e.Type, "location", e.LocationID, "worker", worker)
	// Bookkeeping must land even when ctx is being cancelled.
	bctx := context.WithoutCancel(ctx)
	// Whatever the outcome, this entry no longer counts toward a pending
	// cancel of its type.
	defer s.clearCancelIfDrained(bctx, e.Type)

	proc, ok := s.processors[e.Type]
	if !ok {
		return s.fail(bctx, log, worker, e, &ProcessError{
			Code:      ErrCodeUnknownType,
			Message:   "no processor registered",
			EntryID:   e.ID,
			EntryType: string(e.Type),
		})
	}

	loc, err := s.registry.Get(ctx, e.LocationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && loc.Status == store.LocationDeleted) {
		log.Info("location gone, completing entry")
		return s.complete(bctx, worker, e, Result{Status: Completed, Description: "location deleted"})
	}
	if err != nil {
		return s.postpone(bctx, worker, e, s.cfg.PostponeDelay.D())
	}

	shared := false
	if sl, ok := proc.(SharedLocker); ok {
		shared = sl.SharedLock()
	}
	var locked bool
	if shared {
		locked, err = s.registry.AcquireReadLock(ctx, loc.ID, 0)
	} else {
		locked, err = s.registry.AcquireWriteLock(ctx, loc.ID, worker, 0)
	}
	if err != nil || !locked {
		if err != nil {
			log.Warn("lock attempt failed", "error", err)
		} else {
			log.Debug("location busy, postponing")
		}
		s.metrics.RecordPostponed(string(e.Type))
		return s.postpone(bctx, worker, e, s.cfg.PostponeDelay.D())
	}
	defer func() {
		var rerr error
		if shared {
			rerr = s.registry.ReleaseReadLock(bctx, loc.ID)
		} else {
			rerr = s.registry.ReleaseWriteLock(bctx, loc.ID, worker)
		}
		switch {
		case errors.Is(rerr, store.ErrNotOwner):
			// Purged locations drop their lock with the row.
			log.Debug("location lock already released")
		case rerr != nil:
			log.Warn("release location lock failed", "error", rerr)
		}
	}()

	if loc, err = s.registry.Get(ctx, loc.ID); err != nil {
		return s.postpone(bctx, worker, e, s.cfg.PostponeDelay.D())
	}
	if !shared && loc.Status == store.LocationIdle {
		marked, err := s.registry.TransitionStatus(ctx, loc.ID, store.LocationIdle, store.LocationProcessing)
		if err != nil {
			log.Warn("mark location processing failed", "error", err)
		}
		if marked {
			loc.Status = store.LocationProcessing
			defer func() {
				// Processors that set their own status win.
				if _, err := s.registry.TransitionStatus(bctx, loc.ID, store.LocationProcessing, store.LocationIdle); err != nil {
					log.Warn("restore location status failed", "error", err)
				}
			}()
		}
	}

	job := &Job{Entry: e, Location: loc, Worker: worker, ctx: ctx, sched: s, shared: shared}
	start := time.Now()
	s.metrics.WorkerBusy(1)
	result, err := s.invoke(ctx, proc, job)
	s.metrics.WorkerBusy(-1)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		s.metrics.RecordProcessed(string(e.Type), result.Status.String(), elapsed)
		return s.complete(bctx, worker, e, result)

	case errors.Is(err, ErrCancelled) || ctx.Err() != nil:
		s.metrics.RecordProcessed(string(e.Type), "cancelled", elapsed)
		if s.cancelRequested(e.Type) {
			log.Info("entry cancelled by operator")
			return s.store.Queue().SetIdle(bctx, e.ID, worker, "cancelled", s.clock.Now())
		}
		log.Info("entry interrupted, rescheduling")
		return s.postpone(bctx, worker, e, 0)

	default:
		s.metrics.RecordProcessed(string(e.Type), "failed", elapsed)
		return s.fail(bctx, log, worker, e, asProcessError(err, e.ID, string(e.Type)))
	}
}

// invoke runs the processor, turning a panic into a ProcessError and
// keeping the claim alive with heartbeats.
func (s *Scheduler) invoke(ctx context.Context, proc Processor, job *Job) (result Result, err error) {
	stop := s.heartbeat(ctx, job)
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("processor panicked",
				"entry", job.Entry.ID, "type", job.Entry.Type, "panic", r, "stack", string(debug.Stack()))
			err = newPanicError(r, job.Entry.ID, string(job.Entry.Type))
		}
	}()
	return proc.Process(ctx, job)
}

func (s *Scheduler) heartbeat(ctx context.Context, job *Job) func() {
	interval := s.cfg.AbandonedAfter.D() / 3
	if stale := s.registry.StaleAfter() / 3; stale > 0 && (interval <= 0 || stale < interval) {
		interval = stale
	}
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := job.Heartbeat(ctx); err != nil {
					s.logger.Warn("heartbeat failed", "entry", job.Entry.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (s *Scheduler) complete(ctx context.Context, worker string, e *store.QueueEntry, r Result) error {
	now := s.clock.Now()
	q := s.store.Queue()
	switch r.Status {
	case Completed:
		return q.Complete(ctx, e.ID, worker, store.StatusCompleted, now.Add(s.cfg.CompletedRetention.D()), now)
	case CompletedDelayedDelete:
		return q.Complete(ctx, e.ID, worker, store.StatusCompletedDelayedDelete, now.Add(s.cfg.DelayedDeleteRetention.D()), now)
	case Idle:
		return q.SetIdle(ctx, e.ID, worker, r.Description, now)
	case Reschedule:
		return s.postpone(ctx, worker, e, r.Delay)
	default:
		return fmt.Errorf("entry %s: unknown result status %d", e.ID, r.Status)
	}
}

func (s *Scheduler) postpone(ctx context.Context, worker string, e *store.QueueEntry, delay time.Duration) error {
	now := s.clock.Now()
	if err := s.store.Queue().Postpone(ctx, e.ID, worker, now.Add(delay), now); err != nil {
		return err
	}
	if delay <= 0 {
		s.Notify()
	}
	return nil
}

func (s *Scheduler) fail(ctx context.Context, log *slog.Logger, worker string, e *store.QueueEntry, perr *ProcessError) error {
	now := s.clock.Now()
	retryAt := now.Add(Backoff(s.cfg, e.FailureCount+1))
	updated, err := s.store.Queue().Fail(ctx, e.ID, worker, perr.Error(), s.cfg.MaxFailures, retryAt, now)
	if err != nil {
		return err
	}
	if updated.Status == store.StatusFailed {
		log.Error("entry failed permanently", "failure_count", updated.FailureCount, "error", perr)
		return nil
	}
	log.Warn("entry failed, will retry",
		"failure_count", updated.FailureCount, "retry_at", updated.ScheduledAt, "error", perr)
	return nil
}

// CancelPending flags running processors of typ to stop and parks every
// Pending entry of typ as Idle. Nothing is deleted; Reset resumes entries.
// The flag clears once no entry of typ is Pending or InProgress.
func (s *Scheduler) CancelPending(ctx context.Context, typ store.EntryType) (int64, error) {
	s.mu.Lock()
	s.cancelled[typ] = true
	s.mu.Unlock()

	n, err := s.store.Queue().IdlePending(ctx, typ, "cancelled", s.clock.Now())
	if err != nil {
		return 0, err
	}
	s.logger.Info("pending entries cancelled", "type", typ, "count", n)
	s.clearCancelIfDrained(ctx, typ)
	return n, nil
}

// Cancelling reports whether a cancel of typ is still in effect.
func (s *Scheduler) Cancelling(typ store.EntryType) bool {
	return s.cancelRequested(typ)
}

func (s *Scheduler) cancelRequested(typ store.EntryType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[typ]
}

func (s *Scheduler) clearCancelIfDrained(ctx context.Context, typ store.EntryType) {
	if !s.cancelRequested(typ) {
		return
	}
	n, err := s.store.Queue().CountRunnable(ctx, typ)
	if err != nil {
		s.logger.Warn("count runnable entries failed", "type", typ, "error", err)
		return
	}
	if n > 0 {
		return
	}
	s.mu.Lock()
	delete(s.cancelled, typ)
	s.mu.Unlock()
	s.logger.Debug("cancel cleared", "type", typ)
}

// Reset returns a Failed or Idle entry to Pending with a clean failure count.
func (s *Scheduler) Reset(ctx context.Context, id string) error {
	if err := s.store.Queue().Reset(ctx, id, s.clock.Now()); err != nil {
		return err
	}
	s.Notify()
	return nil
}

// Reschedule makes a Pending or Idle entry due now.
func (s *Scheduler) Reschedule(ctx context.Context, id string) error {
	now := s.clock.Now()
	if err := s.store.Queue().Reschedule(ctx, id, now, now); err != nil {
		return err
	}
	s.Notify()
	return nil
}

// Delete removes an entry that is not in progress.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.store.Queue().Delete(ctx, id)
}

// Sweep deletes completed entries past their expiration. Failed entries
// stay until an operator deletes them.
func (s *Scheduler) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.Queue().SweepExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	s.metrics.RecordSwept(n)
	if n > 0 {
		s.logger.Debug("expired entries swept", "count", n)
	}
	return n, nil
}

// List returns entries matching f.
func (s *Scheduler) List(ctx context.Context, f store.EntryFilter) ([]store.QueueEntry, error) {
	return s.store.Queue().List(ctx, f)
}
