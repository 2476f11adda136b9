package processors

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/archivist/internal/filesystem"
	"github.com/roach88/archivist/internal/queue"
	"github.com/roach88/archivist/internal/store"
)

// Router delivers one stored object to a destination.
type Router interface {
	Route(ctx context.Context, destination string, loc *store.StorageLocation, seriesUID, sopUID, path string) error
}

// OutboxRouter delivers by copying into {outbox}/{destination}/{study}/
// {series}/{sop}.dcm, where a forwarding agent picks files up.
type OutboxRouter struct {
	archive *filesystem.Archive
}

// NewOutboxRouter creates an OutboxRouter.
func NewOutboxRouter(archive *filesystem.Archive) *OutboxRouter {
	return &OutboxRouter{archive: archive}
}

// Route implements Router. Delivering the same file twice is a no-op.
func (r *OutboxRouter) Route(_ context.Context, destination string, loc *store.StorageLocation, seriesUID, sopUID, path string) error {
	dst, err := r.archive.Layout().OutboxPath(destination, loc.StudyUID, seriesUID, sopUID)
	if err != nil {
		return err
	}
	same, err := filesystem.SameContent(path, dst)
	if err != nil || same {
		return err
	}
	return filesystem.CopyFile(path, dst)
}

// Route forwards a study, or one instance of it, through the Router. It
// only reads the study and so runs under a shared lock.
type Route struct {
	deps Deps
}

// SharedLock implements queue.SharedLocker.
func (*Route) SharedLock() bool { return true }

// Process implements queue.Processor.
func (p *Route) Process(ctx context.Context, job *queue.Job) (queue.Result, error) {
	var payload store.RoutePayload
	if err := job.DecodePayload(&payload); err != nil {
		return queue.Result{}, err
	}
	if payload.Destination == "" {
		return queue.Result{}, queue.InvalidPayload(errors.New("missing destination"))
	}
	loc := job.Location
	idx, err := p.deps.Archive.ReadIndex(loc)
	if err != nil {
		return queue.Result{}, err
	}

	if payload.SOPUID != "" {
		_, series, ok := idx.Lookup(payload.SOPUID)
		if !ok {
			p.deps.logger().Warn("routed instance no longer stored",
				"location", loc.ID, "sop", payload.SOPUID, "destination", payload.Destination)
			return queue.Result{Status: queue.Completed, Description: "instance not found"}, nil
		}
		if err := p.send(ctx, payload.Destination, loc, series, payload.SOPUID); err != nil {
			return queue.Result{}, err
		}
		return queue.Result{Status: queue.Completed}, nil
	}

	sent := 0
	for _, series := range idx.Series {
		if job.Cancelled() {
			return queue.Result{}, queue.ErrCancelled
		}
		for _, inst := range series.Instances {
			if err := p.send(ctx, payload.Destination, loc, series.UID, inst.UID); err != nil {
				return queue.Result{}, err
			}
			sent++
		}
	}
	p.deps.logger().Info("study routed", "location", loc.ID, "destination", payload.Destination, "instances", sent)
	return queue.Result{Status: queue.Completed}, nil
}

func (p *Route) send(ctx context.Context, destination string, loc *store.StorageLocation, seriesUID, sopUID string) error {
	path, err := p.deps.Archive.Layout().InstancePath(loc, seriesUID, sopUID)
	if err != nil {
		return err
	}
	if err := p.deps.Router.Route(ctx, destination, loc, seriesUID, sopUID, path); err != nil {
		return fmt.Errorf("route %s to %s: %w", sopUID, destination, err)
	}
	return nil
}
