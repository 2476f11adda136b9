package queue

import (
	"context"
	"time"

	"github.com/roach88/archivist/internal/store"
)

// ResultStatus is what a processor asks the scheduler to do with its entry.
type ResultStatus int

const (
	// Completed finishes the entry; it is swept after CompletedRetention.
	Completed ResultStatus = iota
	// CompletedDelayedDelete finishes the entry but keeps it for auditing
	// until DelayedDeleteRetention.
	CompletedDelayedDelete
	// Idle parks the entry until it is rescheduled or reset.
	Idle
	// Reschedule returns the entry to Pending after Delay without counting a
	// failure.
	Reschedule
)

func (s ResultStatus) String() string {
	switch s {
	case Completed:
		return "completed"
	case CompletedDelayedDelete:
		return "completed_delayed_delete"
	case Idle:
		return "idle"
	case Reschedule:
		return "rescheduled"
	default:
		return "unknown"
	}
}

// Result is a successful processor outcome.
type Result struct {
	Status      ResultStatus
	Delay       time.Duration
	Description string
}

// Processor runs one entry type.
type Processor interface {
	Process(ctx context.Context, job *Job) (Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job *Job) (Result, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, job *Job) (Result, error) {
	return f(ctx, job)
}

// SharedLocker is implemented by processors that only read the study and
// can run under a shared lock.
type SharedLocker interface {
	SharedLock() bool
}

// Job is one claimed entry handed to a processor. Location is re-read after
// the lock is taken, and is locked by Worker (write) or shared (read).
type Job struct {
	Entry    *store.QueueEntry
	Location *store.StorageLocation
	Worker   string

	ctx    context.Context
	sched  *Scheduler
	cancel func() bool
	shared bool
}

// NewJob builds a job outside the scheduler, for running a processor
// directly. cancelled may be nil.
func NewJob(entry *store.QueueEntry, loc *store.StorageLocation, worker string, cancelled func() bool) *Job {
	return &Job{Entry: entry, Location: loc, Worker: worker, cancel: cancelled}
}

// Cancelled reports whether the processor should stop at the next unit
// boundary: the scheduler is shutting down or the entry's category was
// cancelled by an operator.
func (j *Job) Cancelled() bool {
	if j.ctx != nil && j.ctx.Err() != nil {
		return true
	}
	if j.cancel != nil && j.cancel() {
		return true
	}
	return j.sched != nil && j.sched.cancelRequested(j.Entry.Type)
}

// DecodePayload decodes the entry payload, reporting failures as
// ErrCodeInvalidPayload.
func (j *Job) DecodePayload(v any) error {
	if err := j.Entry.DecodePayload(v); err != nil {
		return InvalidPayload(err)
	}
	return nil
}

// Heartbeat keeps the claim on the entry and the lock on the location from
// going stale. The scheduler calls it periodically; processors may call it
// between long units of work.
func (j *Job) Heartbeat(ctx context.Context) error {
	if j.sched == nil {
		return nil
	}
	if err := j.sched.store.Queue().Heartbeat(ctx, j.Entry.ID, j.Worker, j.sched.clock.Now()); err != nil {
		return err
	}
	if j.Location == nil {
		return nil
	}
	if j.shared {
		return j.sched.registry.RefreshReadLock(ctx, j.Location.ID)
	}
	return j.sched.registry.RefreshWriteLock(ctx, j.Location.ID, j.Worker)
}

// SaveProgress stores v as the entry payload so a rerun resumes from it.
func (j *Job) SaveProgress(ctx context.Context, v any) error {
	payload, err := store.EncodePayload(v)
	if err != nil {
		return err
	}
	if j.sched == nil {
		j.Entry.Payload = payload
		return nil
	}
	if err := j.sched.store.Queue().SavePayload(ctx, j.Entry.ID, j.Worker, payload, j.sched.clock.Now()); err != nil {
		return err
	}
	j.Entry.Payload = payload
	return j.Heartbeat(ctx)
}
