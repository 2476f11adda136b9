package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/archivist/internal/config"
	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/node"
	"github.com/roach88/archivist/internal/queue"
	"github.com/roach88/archivist/internal/store"
	"github.com/roach88/archivist/internal/testutil"
)

// Harness executes one scenario against a fresh node.
type Harness struct {
	node    *node.Node
	clock   *testutil.ManualClock
	logger  *slog.Logger
	result  *Result
	failing map[string]*queue.Scheduler
}

// Run executes a scenario in dir, which must be empty, and evaluates its
// assertions. The returned error reports setup failures; flow mismatches
// and failed assertions are collected in Result.Errors.
//
// The node runs on a manual clock starting at testutil.Epoch and never
// starts its background loops: queue work happens only in work steps.
func Run(ctx context.Context, s *Scenario, dir string) (*Result, error) {
	cfg := scenarioConfig(s, dir)
	clk := testutil.NewManualClock(testutil.Epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	n, err := node.New(ctx, cfg,
		node.WithClock(clk),
		node.WithLogger(logger),
		node.WithNodeID("harness"))
	if err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}
	defer n.Close()

	h := &Harness{
		node:    n,
		clock:   clk,
		logger:  logger,
		result:  NewResult(),
		failing: map[string]*queue.Scheduler{},
	}
	for i, step := range s.Flow {
		if err := h.runStep(ctx, i, step); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for _, msg := range EvaluateAssertions(ctx, h.result, s.Assertions, n.Store) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func scenarioConfig(s *Scenario, dir string) config.Config {
	cfg := config.Default()
	cfg.Database = filepath.Join(dir, "archive.db")
	cfg.Filesystems = map[string]string{"fs1": filepath.Join(dir, "fs1")}
	cfg.DefaultFilesystem = "fs1"
	cfg.QuarantineRoot = filepath.Join(dir, "quarantine")
	cfg.OutboxRoot = filepath.Join(dir, "outbox")
	cfg.HTTP.Listen = ""

	if o := s.Config; o != nil {
		if o.DuplicatePolicy != "" {
			cfg.Partitions = map[string]config.Partition{
				"*": {Name: config.DefaultPartition, DuplicatePolicy: o.DuplicatePolicy},
			}
		}
		if o.MaxFailures > 0 {
			cfg.Queue.MaxFailures = o.MaxFailures
		}
		if o.RetryDelay != "" {
			d, _ := time.ParseDuration(o.RetryDelay)
			cfg.Queue.RetryDelay = config.Duration(d)
		}
	}
	return cfg
}

func (h *Harness) runStep(ctx context.Context, i int, step FlowStep) error {
	var (
		ev  TraceEvent
		err error
	)
	switch {
	case step.Ingest != nil:
		ev, err = h.ingest(ctx, step.Ingest)
	case step.Work != nil:
		ev, err = h.work(ctx, step.Work)
	default:
		d, _ := time.ParseDuration(step.Advance)
		h.clock.Advance(d)
		ev = TraceEvent{Step: StepAdvance, Args: map[string]any{"duration": step.Advance}}
	}
	if err != nil {
		return err
	}

	h.result.AddTrace(ev)
	if step.Expect != "" && step.Expect != ev.Result {
		h.result.AddError(fmt.Sprintf("flow[%d] %s: expected %q, got %q", i, ev.Step, step.Expect, ev.Result))
	}
	return nil
}

// StudyUID resolves the "A" and "B" aliases.
func StudyUID(alias string) string {
	switch alias {
	case "A":
		return testutil.StudyA
	case "B":
		return testutil.StudyB
	default:
		return alias
	}
}

func (h *Harness) ingest(ctx context.Context, in *ObjectSpec) (TraceEvent, error) {
	series, instance := max(in.Series, 1), max(in.Instance, 1)
	b := testutil.NewObject(StudyUID(in.Study)).Series(series).Instance(instance)
	for k, v := range in.Set {
		b.Set(k, v)
	}

	calling, called := in.CallingAE, in.CalledAE
	if calling == "" {
		calling = "MODALITY"
	}
	if called == "" {
		called = "ARCHIVE"
	}
	// A fixed association per sender keeps group IDs stable across runs.
	assoc := dicom.AssociationContext{ID: "assoc-" + calling, CallingAE: calling, CalledAE: called}

	args := map[string]any{
		"study":    in.Study,
		"series":   series,
		"instance": instance,
	}
	if len(in.Set) > 0 {
		args["set"] = in.Set
	}

	outcome, err := h.node.Ingest.Accept(ctx, b.Build(), assoc)
	if err != nil {
		h.logger.Debug("ingest rejected", "error", err)
	}
	return TraceEvent{Step: StepIngest, Args: args, Result: string(outcome)}, nil
}

// work runs the workers concurrently; each claims at most one entry. The
// result is the number of workers that claimed one.
func (h *Harness) work(ctx context.Context, ws *WorkStep) (TraceEvent, error) {
	workers := max(ws.Workers, 1)
	sched := h.node.Scheduler
	if ws.Fail != "" {
		sched = h.failingScheduler(ws.Fail)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		errs    []error
	)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := sched.RunOnce(ctx, "harness:worker-"+strconv.Itoa(w+1))
			mu.Lock()
			defer mu.Unlock()
			if ok {
				claimed++
			}
			if err != nil {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return TraceEvent{}, err
	}

	lines, err := h.queueLines(ctx)
	if err != nil {
		return TraceEvent{}, err
	}
	args := map[string]any{"workers": workers}
	if ws.Fail != "" {
		args["fail"] = ws.Fail
	}
	return TraceEvent{Step: StepWork, Args: args, Result: strconv.Itoa(claimed), Queue: lines}, nil
}

// failingScheduler returns a scheduler sharing the node's store whose
// processors all fail with msg.
func (h *Harness) failingScheduler(msg string) *queue.Scheduler {
	if s, ok := h.failing[msg]; ok {
		return s
	}
	fail := queue.ProcessorFunc(func(context.Context, *queue.Job) (queue.Result, error) {
		return queue.Result{}, errors.New(msg)
	})
	procs := make(map[store.EntryType]queue.Processor, len(store.EntryTypes))
	for _, t := range store.EntryTypes {
		procs[t] = fail
	}
	s := queue.New(h.node.Store, h.node.Registry, h.node.Config.Queue, procs,
		queue.WithClock(h.clock),
		queue.WithLogger(h.logger),
		queue.WithNodeID("harness"))
	h.failing[msg] = s
	return s
}

// queueLines summarises the queue in claim order without IDs or times.
func (h *Harness) queueLines(ctx context.Context) ([]string, error) {
	entries, err := h.node.Store.Queue().List(ctx, store.EntryFilter{})
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("%s %s failures=%d", e.Type, e.Status, e.FailureCount)
	}
	return lines, nil
}
