package processors

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/archivist/internal/config"
	"github.com/roach88/archivist/internal/queue"
	"github.com/roach88/archivist/internal/reconcile"
	"github.com/roach88/archivist/internal/store"
)

// Duplicate resolves a reconciliation record. An operator's requested
// action wins; otherwise the partition's duplicate policy decides, and the
// manual policy parks the entry until someone decides.
type Duplicate struct {
	deps Deps
}

// Process implements queue.Processor.
func (p *Duplicate) Process(ctx context.Context, job *queue.Job) (queue.Result, error) {
	var payload store.DuplicatePayload
	if err := job.DecodePayload(&payload); err != nil {
		return queue.Result{}, err
	}
	if payload.RecordID == "" {
		return queue.Result{}, queue.InvalidPayload(errors.New("missing record_id"))
	}

	rec, err := p.deps.Store.Reconciliations().Get(ctx, payload.RecordID)
	if errors.Is(err, store.ErrNotFound) {
		return queue.Result{}, queue.InvalidPayload(fmt.Errorf("record %s: %w", payload.RecordID, err))
	}
	if err != nil {
		return queue.Result{}, err
	}
	if rec.Resolved() {
		return queue.Result{Status: queue.Completed, Description: "already resolved"}, nil
	}

	action := rec.RequestedAction
	if action == store.ActionNone {
		partition := p.deps.Config.PartitionByName(job.Location.Partition)
		action = PolicyAction(partition.DuplicatePolicy)
	}
	if action == store.ActionNone {
		p.deps.logger().Info("reconciliation awaiting operator",
			"record", rec.ID, "location", job.Location.ID, "objects", len(rec.Objects))
		return queue.Result{Status: queue.Idle, Description: "awaiting operator decision"}, nil
	}

	_, err = p.deps.Reconciler.Resolve(ctx, job.Location, rec.ID, action, job.Cancelled)
	if errors.Is(err, reconcile.ErrInterrupted) {
		return queue.Result{}, queue.ErrCancelled
	}
	if err != nil {
		return queue.Result{}, err
	}
	p.deps.Metrics.RecordReconciliation(string(action))
	return queue.Result{Status: queue.Completed}, nil
}

// PolicyAction maps a partition duplicate policy to the action applied
// without an operator. The manual policy yields ActionNone.
func PolicyAction(policy string) store.ReconcileAction {
	switch policy {
	case config.PolicyAcceptLatest:
		return store.ActionAcceptIncoming
	case config.PolicyKeepStored:
		return store.ActionKeepStored
	case config.PolicyReject:
		return store.ActionDiscard
	default:
		return store.ActionNone
	}
}
