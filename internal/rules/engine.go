package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/archivist/internal/clock"
	"github.com/roach88/archivist/internal/store"
)

// Enqueuer accepts queue entries produced by rule actions.
type Enqueuer interface {
	// Enqueue inserts e, assigning its ID. With unique set, nothing is
	// inserted when the location already has an active entry of e's type;
	// the result reports whether a row was inserted.
	Enqueue(ctx context.Context, e *store.QueueEntry, unique bool) (bool, error)
}

// snapshot is an immutable compiled rule set grouped by apply time.
type snapshot struct {
	byTime map[ApplyTime][]*Rule
	count  int
}

func newSnapshot(rules []*Rule) *snapshot {
	s := &snapshot{byTime: map[ApplyTime][]*Rule{}, count: len(rules)}
	for _, r := range rules {
		s.byTime[r.ApplyTime] = append(s.byTime[r.ApplyTime], r)
	}
	return s
}

// Engine evaluates the current snapshot. It is safe for concurrent use.
type Engine struct {
	source   Source
	compiler *Compiler
	enqueuer Enqueuer
	clock    clock.Clock
	logger   *slog.Logger
	current  atomic.Pointer[snapshot]
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for entry schedule times.
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

// WithActions replaces the action registry.
func WithActions(reg ActionRegistry) Option {
	return func(e *Engine) {
		e.compiler = NewCompiler(reg)
	}
}

// New creates an engine with an empty snapshot. A nil source never loads
// any rules.
func New(src Source, enq Enqueuer, opts ...Option) *Engine {
	e := &Engine{
		source:   src,
		enqueuer: enq,
		clock:    clock.System{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.compiler == nil {
		e.compiler = NewCompiler(nil)
	}
	e.current.Store(newSnapshot(nil))
	return e
}

// Reload compiles the source and replaces the snapshot. On error the
// previous snapshot stays active.
func (e *Engine) Reload(ctx context.Context) error {
	if e.source == nil {
		return nil
	}
	rules, err := e.source.Rules(ctx, e.compiler)
	if err != nil {
		return fmt.Errorf("reload rules: %w", err)
	}
	e.current.Store(newSnapshot(rules))
	e.logger.Info("rules loaded", "count", len(rules))
	return nil
}

// Count returns the number of rules in the snapshot.
func (e *Engine) Count() int {
	return e.current.Load().count
}

// Load returns the enabled rules for an apply time and partition from the
// current snapshot, non-default rules first.
func (e *Engine) Load(_ context.Context, at ApplyTime, partition string) []*Rule {
	var regular, defaults []*Rule
	for _, r := range e.current.Load().byTime[at] {
		if !r.Enabled || !r.matchesPartition(partition) {
			continue
		}
		if r.Default {
			defaults = append(defaults, r)
		} else {
			regular = append(regular, r)
		}
	}
	return append(regular, defaults...)
}

// Apply evaluates the rules for ev and enqueues the actions of every
// matching rule. Default rules run only when no regular or exempt rule
// matched. A condition that fails to evaluate counts as not matched.
func (e *Engine) Apply(ctx context.Context, ev Event) ([]Fired, error) {
	if ev.Location == nil {
		return nil, fmt.Errorf("apply rules: event has no storage location")
	}
	rules := e.Load(ctx, ev.ApplyTime, ev.Location.Partition)
	if len(rules) == 0 {
		return nil, nil
	}

	var (
		fired   []Fired
		matched bool
		errs    []error
	)
	for _, r := range rules {
		if r.Default && matched {
			break
		}
		ok, err := r.Condition.Eval(ev)
		if err != nil {
			e.logger.Warn("rule condition failed", "rule", r.Name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if !r.Default {
			matched = true
		}
		f := Fired{Rule: r.Name, Exempt: r.Exempt, Default: r.Default}
		if !r.Exempt {
			ids, err := e.enqueue(ctx, r, ev)
			f.Entries = ids
			if err != nil {
				errs = append(errs, err)
			}
		}
		e.logger.Debug("rule fired",
			"rule", r.Name, "apply_time", ev.ApplyTime, "location", ev.Location.ID,
			"exempt", r.Exempt, "default", r.Default, "entries", len(f.Entries))
		fired = append(fired, f)
	}
	return fired, errors.Join(errs...)
}

func (e *Engine) enqueue(ctx context.Context, r *Rule, ev Event) ([]string, error) {
	var ids []string
	for _, a := range r.Actions {
		plan, err := a.Plan(ev)
		if err != nil {
			return ids, fmt.Errorf("rule %s: %s: %w", r.Name, a.Kind(), err)
		}
		payload, err := store.EncodePayload(plan.Payload)
		if err != nil {
			return ids, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		entry := &store.QueueEntry{
			Type:        plan.Type,
			LocationID:  ev.Location.ID,
			Priority:    plan.Priority,
			ScheduledAt: e.clock.Now(),
			Payload:     payload,
		}
		inserted, err := e.enqueuer.Enqueue(ctx, entry, plan.Unique)
		if err != nil {
			return ids, fmt.Errorf("rule %s: enqueue %s: %w", r.Name, plan.Type, err)
		}
		if inserted {
			ids = append(ids, entry.ID)
		}
	}
	return ids, nil
}
