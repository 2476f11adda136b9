package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/archivist/internal/config"
	"github.com/roach88/archivist/internal/registry"
	"github.com/roach88/archivist/internal/store"
	"github.com/roach88/archivist/internal/testutil"
)

type fixture struct {
	cfg      config.Config
	store    *store.Store
	registry *registry.Registry
	clock    *testutil.ManualClock
	loc      *store.StorageLocation
}

func setup(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := testutil.NewManualClock(testutil.Epoch)
	reg := registry.New(st, cfg, registry.WithClock(clk))
	loc, _, err := reg.ResolveOrCreate(context.Background(), "default", testutil.StudyA, "20240301")
	require.NoError(t, err)
	return &fixture{cfg: cfg, store: st, registry: reg, clock: clk, loc: loc}
}

func (f *fixture) scheduler(procs map[store.EntryType]Processor) *Scheduler {
	return New(f.store, f.registry, f.cfg.Queue, procs, WithClock(f.clock), WithNodeID("node"))
}

func (f *fixture) enqueue(t *testing.T, s *Scheduler, typ store.EntryType) *store.QueueEntry {
	t.Helper()
	e := &store.QueueEntry{Type: typ, LocationID: f.loc.ID, Priority: store.PriorityNormal}
	ok, err := s.Enqueue(context.Background(), e, false)
	require.NoError(t, err)
	require.True(t, ok)
	return e
}

func (f *fixture) get(t *testing.T, id string) *store.QueueEntry {
	t.Helper()
	e, err := f.store.Queue().Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (f *fixture) location(t *testing.T) *store.StorageLocation {
	t.Helper()
	loc, err := f.registry.Get(context.Background(), f.loc.ID)
	require.NoError(t, err)
	return loc
}

func succeed(status ResultStatus) Processor {
	return ProcessorFunc(func(context.Context, *Job) (Result, error) {
		return Result{Status: status}, nil
	})
}

func TestBackoff(t *testing.T) {
	cfg := config.QueueConfig{
		RetryDelay:    config.Duration(30 * time.Second),
		MaxRetryDelay: config.Duration(3 * time.Minute),
	}
	assert.Equal(t, 30*time.Second, Backoff(cfg, 1))
	assert.Equal(t, time.Minute, Backoff(cfg, 2))
	assert.Equal(t, 2*time.Minute, Backoff(cfg, 3))
	assert.Equal(t, 3*time.Minute, Backoff(cfg, 4))
	assert.Equal(t, 3*time.Minute, Backoff(cfg, 40))
}

func TestEnqueue(t *testing.T) {
	f := setup(t)
	s := f.scheduler(nil)
	ctx := context.Background()

	e := &store.QueueEntry{Type: store.TypeRebuildIndex, LocationID: f.loc.ID, Priority: store.PriorityHigh}
	ok, err := s.Enqueue(ctx, e, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, e.ID)

	got := f.get(t, e.ID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, testutil.Epoch, got.ScheduledAt)
	assert.Equal(t, store.PriorityHigh, got.Priority)

	ok, err = s.Enqueue(ctx, &store.QueueEntry{Type: store.TypeRebuildIndex, LocationID: f.loc.ID}, true)
	require.NoError(t, err)
	assert.False(t, ok, "unique entry already active")

	ok, err = s.Enqueue(ctx, &store.QueueEntry{Type: store.TypeRebuildIndex, LocationID: f.loc.ID}, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunOnce_Completes(t *testing.T) {
	f := setup(t)
	var seen *Job
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeRebuildIndex: ProcessorFunc(func(_ context.Context, job *Job) (Result, error) {
			seen = job
			assert.Equal(t, store.LockWrite, job.Location.LockMode)
			assert.Equal(t, job.Worker, job.Location.LockOwner)
			return Result{Status: Completed}, nil
		}),
	})
	e := f.enqueue(t, s, store.TypeRebuildIndex)

	ran, err := s.RunOnce(context.Background(), "node/w0")
	require.NoError(t, err)
	require.True(t, ran)
	require.NotNil(t, seen)
	assert.Equal(t, e.ID, seen.Entry.ID)

	got := f.get(t, e.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, testutil.Epoch.Add(f.cfg.Queue.CompletedRetention.D()), got.ExpiresAt)
	assert.Equal(t, store.LockNone, f.location(t).LockMode)

	ran, err = s.RunOnce(context.Background(), "node/w0")
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRunOnce_ResultStatuses(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		check  func(t *testing.T, f *fixture, e *store.QueueEntry)
	}{
		{
			name:   "delayed delete",
			result: Result{Status: CompletedDelayedDelete},
			check: func(t *testing.T, f *fixture, e *store.QueueEntry) {
				assert.Equal(t, store.StatusCompletedDelayedDelete, e.Status)
				assert.Equal(t, testutil.Epoch.Add(f.cfg.Queue.DelayedDeleteRetention.D()), e.ExpiresAt)
			},
		},
		{
			name:   "idle",
			result: Result{Status: Idle, Description: "awaiting operator"},
			check: func(t *testing.T, _ *fixture, e *store.QueueEntry) {
				assert.Equal(t, store.StatusIdle, e.Status)
				assert.Equal(t, "awaiting operator", e.FailureDescription)
				assert.Equal(t, 0, e.FailureCount)
			},
		},
		{
			name:   "reschedule",
			result: Result{Status: Reschedule, Delay: time.Minute},
			check: func(t *testing.T, _ *fixture, e *store.QueueEntry) {
				assert.Equal(t, store.StatusPending, e.Status)
				assert.Equal(t, testutil.Epoch.Add(time.Minute), e.ScheduledAt)
				assert.Equal(t, 0, e.FailureCount)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			s := f.scheduler(map[store.EntryType]Processor{
				store.TypeMoveStudy: ProcessorFunc(func(context.Context, *Job) (Result, error) {
					return tt.result, nil
				}),
			})
			e := f.enqueue(t, s, store.TypeMoveStudy)
			ran, err := s.RunOnce(context.Background(), "node/w0")
			require.NoError(t, err)
			require.True(t, ran)
			tt.check(t, f, f.get(t, e.ID))
			assert.Equal(t, store.LockNone, f.location(t).LockMode)
		})
	}
}

// Two workers race for one entry: exactly one runs it.
func TestRunOnce_ConcurrentWorkersClaimOnce(t *testing.T) {
	f := setup(t)
	var calls atomic.Int32
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeProcessDuplicate: ProcessorFunc(func(context.Context, *Job) (Result, error) {
			calls.Add(1)
			return Result{Status: Completed}, nil
		}),
	})
	e := f.enqueue(t, s, store.TypeProcessDuplicate)

	const workers = 8
	var (
		wg      sync.WaitGroup
		claimed atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ran, err := s.RunOnce(context.Background(), "node/w"+string(rune('0'+i)))
			assert.NoError(t, err)
			if ran {
				claimed.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, store.StatusCompleted, f.get(t, e.ID).Status)
}

// A failing processor retries with growing delays until the ceiling, then
// the entry is Failed and never claimed again.
func TestRunOnce_FailureCeiling(t *testing.T) {
	f := setup(t)
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeProcessDuplicate: ProcessorFunc(func(context.Context, *Job) (Result, error) {
			return Result{}, errors.New("boom")
		}),
	})
	e := f.enqueue(t, s, store.TypeProcessDuplicate)
	ctx := context.Background()

	var lastDelay time.Duration
	for n := 1; n < f.cfg.Queue.MaxFailures; n++ {
		now := f.clock.Now()
		ran, err := s.RunOnce(ctx, "node/w0")
		require.NoError(t, err)
		require.True(t, ran)

		got := f.get(t, e.ID)
		assert.Equal(t, store.StatusPending, got.Status)
		assert.Equal(t, n, got.FailureCount)
		assert.Contains(t, got.FailureDescription, "PROCESSOR_FAILED: boom")

		delay := got.ScheduledAt.Sub(now)
		assert.Equal(t, Backoff(f.cfg.Queue, n), delay)
		assert.Greater(t, delay, lastDelay, "delay must grow")
		lastDelay = delay

		// Not eligible until the backoff elapses.
		ran, err = s.RunOnce(ctx, "node/w0")
		require.NoError(t, err)
		assert.False(t, ran)
		f.clock.Advance(delay)
	}

	ran, err := s.RunOnce(ctx, "node/w0")
	require.NoError(t, err)
	require.True(t, ran)
	got := f.get(t, e.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, f.cfg.Queue.MaxFailures, got.FailureCount)

	f.clock.Advance(24 * time.Hour)
	ran, err = s.RunOnce(ctx, "node/w0")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, store.LockNone, f.location(t).LockMode)

	// Operator reset resumes it with a clean count.
	require.NoError(t, s.Reset(ctx, e.ID))
	got = f.get(t, e.ID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 0, got.FailureCount)
}

func TestRunOnce_PanicIsFailure(t *testing.T) {
	f := setup(t)
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeRuleAction: ProcessorFunc(func(context.Context, *Job) (Result, error) {
			panic("nil map")
		}),
	})
	e := f.enqueue(t, s, store.TypeRuleAction)

	ran, err := s.RunOnce(context.Background(), "node/w0")
	require.NoError(t, err)
	require.True(t, ran)

	got := f.get(t, e.ID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 1, got.FailureCount)
	assert.Contains(t, got.FailureDescription, "PROCESSOR_PANIC")
	assert.Equal(t, store.LockNone, f.location(t).LockMode)
}

func TestRunOnce_InvalidPayloadCode(t *testing.T) {
	f := setup(t)
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeAutoRoute: ProcessorFunc(func(_ context.Context, job *Job) (Result, error) {
			var p store.RoutePayload
			return Result{}, job.DecodePayload(&p)
		}),
	})
	e := &store.QueueEntry{Type: store.TypeAutoRoute, LocationID: f.loc.ID, Payload: []byte(`{"destination": 7}`)}
	_, err := s.Enqueue(context.Background(), e, false)
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background(), "node/w0")
	require.NoError(t, err)
	assert.Contains(t, f.get(t, e.ID).FailureDescription, "INVALID_PAYLOAD")
}

func TestRunOnce_LockBusyPostpones(t *testing.T) {
	f := setup(t)
	var calls atomic.Int32
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeMoveStudy: ProcessorFunc(func(context.Context, *Job) (Result, error) {
			calls.Add(1)
			return Result{Status: Completed}, nil
		}),
	})
	e := f.enqueue(t, s, store.TypeMoveStudy)

	ctx := context.Background()
	ok, err := f.registry.AcquireWriteLock(ctx, f.loc.ID, "ingest", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ran, err := s.RunOnce(ctx, "node/w0")
	require.NoError(t, err)
	require.True(t, ran)
	assert.Zero(t, calls.Load())

	got := f.get(t, e.ID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 0, got.FailureCount)
	assert.Equal(t, testutil.Epoch.Add(f.cfg.Queue.PostponeDelay.D()), got.ScheduledAt)
	assert.Equal(t, "ingest", f.location(t).LockOwner)

	require.NoError(t, f.registry.ReleaseWriteLock(ctx, f.loc.ID, "ingest"))
	f.clock.Advance(f.cfg.Queue.PostponeDelay.D())
	ran, err = s.RunOnce(ctx, "node/w0")
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, int32(1), calls.Load())
}

type readOnly struct {
	Processor
}

func (readOnly) SharedLock() bool { return true }

func TestRunOnce_SharedLock(t *testing.T) {
	f := setup(t)
	var mode store.LockMode
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeAutoRoute: readOnly{ProcessorFunc(func(_ context.Context, job *Job) (Result, error) {
			mode = job.Location.LockMode
			return Result{Status: Completed}, nil
		})},
	})
	ctx := context.Background()

	// Another reader does not block.
	ok, err := f.registry.AcquireReadLock(ctx, f.loc.ID, 0)
	require.NoError(t, err)
	require.True(t, ok)

	e := f.enqueue(t, s, store.TypeAutoRoute)
	_, err = s.RunOnce(ctx, "node/w0")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, f.get(t, e.ID).Status)
	assert.Equal(t, store.LockRead, mode)
	assert.Equal(t, 1, f.location(t).ReadCount)
}

func TestRunOnce_DeletedLocationCompletes(t *testing.T) {
	f := setup(t)
	var calls atomic.Int32
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeMoveStudy: ProcessorFunc(func(context.Context, *Job) (Result, error) {
			calls.Add(1)
			return Result{Status: Completed}, nil
		}),
	})
	e := f.enqueue(t, s, store.TypeMoveStudy)
	require.NoError(t, f.registry.MarkDeleted(context.Background(), f.loc.ID))

	ran, err := s.RunOnce(context.Background(), "node/w0")
	require.NoError(t, err)
	require.True(t, ran)
	assert.Zero(t, calls.Load())
	got := f.get(t, e.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

func TestRunOnce_ContextCancelReschedules(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeRebuildIndex: ProcessorFunc(func(_ context.Context, job *Job) (Result, error) {
			cancel()
			if job.Cancelled() {
				return Result{}, ErrCancelled
			}
			return Result{Status: Completed}, nil
		}),
	})
	e := f.enqueue(t, s, store.TypeRebuildIndex)

	ran, err := s.RunOnce(ctx, "node/w0")
	require.NoError(t, err)
	require.True(t, ran)

	got := f.get(t, e.ID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 0, got.FailureCount)
	assert.Equal(t, store.LockNone, f.location(t).LockMode)
}

func TestCancelPending(t *testing.T) {
	f := setup(t)
	started := make(chan struct{})
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeRebuildIndex: ProcessorFunc(func(_ context.Context, job *Job) (Result, error) {
			close(started)
			for !job.Cancelled() {
				time.Sleep(time.Millisecond)
			}
			return Result{}, ErrCancelled
		}),
		store.TypeMoveStudy: succeed(Completed),
	})
	ctx := context.Background()
	running := &store.QueueEntry{Type: store.TypeRebuildIndex, LocationID: f.loc.ID, Priority: store.PriorityHigh}
	_, err := s.Enqueue(ctx, running, false)
	require.NoError(t, err)

	loc2, _, err := f.registry.ResolveOrCreate(ctx, "default", testutil.StudyB, "20240301")
	require.NoError(t, err)
	waiting := &store.QueueEntry{Type: store.TypeRebuildIndex, LocationID: loc2.ID}
	_, err = s.Enqueue(ctx, waiting, false)
	require.NoError(t, err)
	other := f.enqueue(t, s, store.TypeMoveStudy)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(ctx, "node/w0")
		done <- err
	}()
	<-started

	n, err := s.CancelPending(ctx, store.TypeRebuildIndex)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, <-done)

	for _, id := range []string{running.ID, waiting.ID} {
		got := f.get(t, id)
		assert.Equal(t, store.StatusIdle, got.Status)
		assert.Equal(t, "cancelled", got.FailureDescription)
		assert.Equal(t, 0, got.FailureCount)
	}
	assert.Equal(t, store.StatusPending, f.get(t, other.ID).Status, "other categories untouched")
	assert.False(t, s.Cancelling(store.TypeRebuildIndex), "flag clears once drained")

	require.NoError(t, s.Reset(ctx, waiting.ID))
	assert.Equal(t, store.StatusPending, f.get(t, waiting.ID).Status)
}

func TestCancelPending_NothingRunningClearsImmediately(t *testing.T) {
	f := setup(t)
	s := f.scheduler(map[store.EntryType]Processor{store.TypeAutoRoute: succeed(Completed)})
	e := f.enqueue(t, s, store.TypeAutoRoute)

	n, err := s.CancelPending(context.Background(), store.TypeAutoRoute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, s.Cancelling(store.TypeAutoRoute))
	assert.Equal(t, store.StatusIdle, f.get(t, e.ID).Status)

	require.NoError(t, s.Reschedule(context.Background(), e.ID))
	assert.Equal(t, store.StatusPending, f.get(t, e.ID).Status)
}

func TestCancelPending_ClearsWhenRunningEntryCompletes(t *testing.T) {
	f := setup(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var cancelledSeen atomic.Bool
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeRebuildIndex: ProcessorFunc(func(_ context.Context, job *Job) (Result, error) {
			if started != nil {
				close(started)
				started = nil
				<-release
				// The last unit finishes without looking at the flag.
				return Result{Status: Completed}, nil
			}
			cancelledSeen.Store(job.Cancelled())
			return Result{Status: Completed}, nil
		}),
	})
	ctx := context.Background()
	first := f.enqueue(t, s, store.TypeRebuildIndex)

	wait := started
	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(ctx, "node/w0")
		done <- err
	}()
	<-wait

	n, err := s.CancelPending(ctx, store.TypeRebuildIndex)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, s.Cancelling(store.TypeRebuildIndex))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, store.StatusCompleted, f.get(t, first.ID).Status)
	assert.False(t, s.Cancelling(store.TypeRebuildIndex), "flag clears after a normal completion")

	next := f.enqueue(t, s, store.TypeRebuildIndex)
	ran, err := s.RunOnce(ctx, "node/w0")
	require.NoError(t, err)
	require.True(t, ran)
	assert.False(t, cancelledSeen.Load())
	assert.Equal(t, store.StatusCompleted, f.get(t, next.ID).Status)
}

func TestCancelPending_ClearsWhenRunningEntryFails(t *testing.T) {
	f := setup(t)
	started := make(chan struct{})
	release := make(chan struct{})
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeRebuildIndex: ProcessorFunc(func(context.Context, *Job) (Result, error) {
			close(started)
			<-release
			return Result{}, errors.New("disk unplugged")
		}),
	})
	ctx := context.Background()
	e := f.enqueue(t, s, store.TypeRebuildIndex)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(ctx, "node/w0")
		done <- err
	}()
	<-started
	_, err := s.CancelPending(ctx, store.TypeRebuildIndex)
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)

	// A failure with retries left is Pending again and still counts.
	got := f.get(t, e.ID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.True(t, s.Cancelling(store.TypeRebuildIndex))

	n, err := s.CancelPending(ctx, store.TypeRebuildIndex)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, s.Cancelling(store.TypeRebuildIndex))
}

func TestRunOnce_HeartbeatKeepsLocationLock(t *testing.T) {
	f := setup(t)
	stale := f.cfg.Locks.StaleAfter.D()
	var taken bool
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeMoveStudy: ProcessorFunc(func(ctx context.Context, job *Job) (Result, error) {
			f.clock.Advance(stale / 2)
			if err := job.Heartbeat(ctx); err != nil {
				return Result{}, err
			}
			f.clock.Advance(stale/2 + time.Second)
			ok, err := f.registry.AcquireWriteLock(ctx, f.loc.ID, "ingest", 0)
			if err != nil {
				return Result{}, err
			}
			taken = ok
			return Result{Status: Completed}, nil
		}),
	})
	e := f.enqueue(t, s, store.TypeMoveStudy)

	_, err := s.RunOnce(context.Background(), "node/w0")
	require.NoError(t, err)
	assert.False(t, taken, "a refreshed lock is not stale")
	assert.Equal(t, store.StatusCompleted, f.get(t, e.ID).Status)
	assert.Equal(t, store.LockNone, f.location(t).LockMode)
}

func TestJob_HeartbeatAfterLockLost(t *testing.T) {
	f := setup(t)
	stale := f.cfg.Locks.StaleAfter.D()
	var hbErr error
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeMoveStudy: ProcessorFunc(func(ctx context.Context, job *Job) (Result, error) {
			f.clock.Advance(stale + time.Second)
			ok, err := f.registry.AcquireWriteLock(ctx, f.loc.ID, "ingest", 0)
			if err != nil || !ok {
				return Result{}, errors.New("takeover expected")
			}
			hbErr = job.Heartbeat(ctx)
			return Result{Status: Completed}, nil
		}),
	})
	f.enqueue(t, s, store.TypeMoveStudy)

	_, err := s.RunOnce(context.Background(), "node/w0")
	require.NoError(t, err)
	assert.ErrorIs(t, hbErr, store.ErrNotOwner)
	assert.Equal(t, "ingest", f.location(t).LockOwner)
}

func TestRunOnce_MarksLocationProcessing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.registry.TransitionStatus(ctx, f.loc.ID, store.LocationCreating, store.LocationIdle)
	require.NoError(t, err)

	var during, shared store.LocationStatus
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeMoveStudy: ProcessorFunc(func(ctx context.Context, job *Job) (Result, error) {
			loc, err := f.registry.Get(ctx, job.Location.ID)
			if err != nil {
				return Result{}, err
			}
			during = loc.Status
			return Result{Status: Completed}, nil
		}),
		store.TypeAutoRoute: readOnly{ProcessorFunc(func(ctx context.Context, job *Job) (Result, error) {
			shared = job.Location.Status
			return Result{Status: Completed}, nil
		})},
		store.TypePurgeStudy: ProcessorFunc(func(ctx context.Context, job *Job) (Result, error) {
			return Result{Status: Completed}, f.registry.SetStatus(ctx, job.Location.ID, store.LocationReconciling)
		}),
	})

	f.enqueue(t, s, store.TypeMoveStudy)
	_, err = s.RunOnce(ctx, "node/w0")
	require.NoError(t, err)
	assert.Equal(t, store.LocationProcessing, during)
	assert.Equal(t, store.LocationIdle, f.location(t).Status)

	f.enqueue(t, s, store.TypeAutoRoute)
	_, err = s.RunOnce(ctx, "node/w0")
	require.NoError(t, err)
	assert.Equal(t, store.LocationIdle, shared, "shared readers leave the status alone")

	f.enqueue(t, s, store.TypePurgeStudy)
	_, err = s.RunOnce(ctx, "node/w0")
	require.NoError(t, err)
	assert.Equal(t, store.LocationReconciling, f.location(t).Status, "a status set by the processor is kept")
}

func TestRecoverAbandoned(t *testing.T) {
	f := setup(t)
	s := f.scheduler(map[store.EntryType]Processor{store.TypeMoveStudy: succeed(Completed)})
	e := f.enqueue(t, s, store.TypeMoveStudy)
	ctx := context.Background()

	_, ok, err := f.store.Queue().ClaimNext(ctx, "dead-node/w0", nil, f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.RecoverAbandoned(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "recent claims are left alone")

	f.clock.Advance(f.cfg.Queue.AbandonedAfter.D() + time.Second)
	n, err = s.RecoverAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got := f.get(t, e.ID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Empty(t, got.Worker)
}

func TestSweep(t *testing.T) {
	f := setup(t)
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeMoveStudy:  succeed(Completed),
		store.TypePurgeStudy: succeed(CompletedDelayedDelete),
	})
	ctx := context.Background()
	done := f.enqueue(t, s, store.TypeMoveStudy)
	audited := f.enqueue(t, s, store.TypePurgeStudy)
	for i := 0; i < 2; i++ {
		_, err := s.RunOnce(ctx, "node/w0")
		require.NoError(t, err)
	}

	f.clock.Advance(f.cfg.Queue.CompletedRetention.D())
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = f.store.Queue().Get(ctx, done.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	f.get(t, audited.ID)

	f.clock.Advance(f.cfg.Queue.DelayedDeleteRetention.D())
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestJob_SaveProgress(t *testing.T) {
	f := setup(t)
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeMoveStudy: ProcessorFunc(func(ctx context.Context, job *Job) (Result, error) {
			var p store.MovePayload
			if err := job.DecodePayload(&p); err != nil {
				return Result{}, err
			}
			p.CopiedSeries = append(p.CopiedSeries, "1.2.3")
			if err := job.SaveProgress(ctx, p); err != nil {
				return Result{}, err
			}
			return Result{}, errors.New("disk unplugged")
		}),
	})
	payload, err := store.EncodePayload(store.MovePayload{TargetFilesystem: "fs2"})
	require.NoError(t, err)
	e := &store.QueueEntry{Type: store.TypeMoveStudy, LocationID: f.loc.ID, Payload: payload}
	_, err = s.Enqueue(context.Background(), e, false)
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background(), "node/w0")
	require.NoError(t, err)

	var p store.MovePayload
	require.NoError(t, f.get(t, e.ID).DecodePayload(&p))
	assert.Equal(t, store.MovePayload{TargetFilesystem: "fs2", CopiedSeries: []string{"1.2.3"}}, p)
}

func TestNewJob_Standalone(t *testing.T) {
	var stop atomic.Bool
	job := NewJob(&store.QueueEntry{ID: "e1"}, &store.StorageLocation{ID: "l1"}, "cli", stop.Load)
	assert.False(t, job.Cancelled())
	stop.Store(true)
	assert.True(t, job.Cancelled())

	require.NoError(t, job.SaveProgress(context.Background(), store.RebuildPayload{Reason: "x"}))
	assert.JSONEq(t, `{"reason":"x"}`, string(job.Entry.Payload))
}

func TestRun_ProcessesAndStops(t *testing.T) {
	f := setup(t)
	f.cfg.Queue.Workers = 3
	f.cfg.Queue.PollInterval = config.Duration(10 * time.Millisecond)
	var calls atomic.Int32
	s := f.scheduler(map[store.EntryType]Processor{
		store.TypeRuleAction: ProcessorFunc(func(context.Context, *Job) (Result, error) {
			calls.Add(1)
			return Result{Status: Completed}, nil
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	for i := 0; i < 5; i++ {
		f.enqueue(t, s, store.TypeRuleAction)
	}
	require.Eventually(t, func() bool { return calls.Load() == 5 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
