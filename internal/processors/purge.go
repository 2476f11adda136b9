package processors

import (
	"context"
	"fmt"

	"github.com/roach88/archivist/internal/queue"
	"github.com/roach88/archivist/internal/store"
)

// Purge deletes a study's files and marks its location Deleted. The entry
// is kept for auditing after completion.
type Purge struct {
	deps Deps
}

// Process implements queue.Processor.
func (p *Purge) Process(ctx context.Context, job *queue.Job) (queue.Result, error) {
	var payload store.PurgePayload
	if err := job.DecodePayload(&payload); err != nil {
		return queue.Result{}, err
	}
	loc := job.Location
	if err := p.deps.Archive.RemoveStudy(loc); err != nil {
		return queue.Result{}, err
	}
	if err := p.deps.Registry.MarkDeleted(ctx, loc.ID); err != nil {
		return queue.Result{}, fmt.Errorf("mark location deleted: %w", err)
	}
	p.deps.logger().Info("study purged", "location", loc.ID, "study", loc.StudyUID, "rule", payload.Rule)
	return queue.Result{Status: queue.CompletedDelayedDelete}, nil
}
