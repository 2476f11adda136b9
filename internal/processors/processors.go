// Package processors implements the queue processors of the archive node.
//
// Every processor runs with the study lock the scheduler took for it:
// exclusive for anything that changes the study, shared for AutoRoute.
// Long processors check Job.Cancelled between units of work (one series,
// one quarantined object) and return queue.ErrCancelled to stop; their
// per-unit steps are idempotent so a rerun after a crash or a cancel
// continues where the previous run stopped.
package processors

import (
	"log/slog"

	"github.com/roach88/archivist/internal/config"
	"github.com/roach88/archivist/internal/filesystem"
	"github.com/roach88/archivist/internal/metrics"
	"github.com/roach88/archivist/internal/queue"
	"github.com/roach88/archivist/internal/reconcile"
	"github.com/roach88/archivist/internal/registry"
	"github.com/roach88/archivist/internal/store"
)

// Deps are the collaborators shared by the processors.
type Deps struct {
	Config     config.Config
	Store      *store.Store
	Registry   *registry.Registry
	Archive    *filesystem.Archive
	Reconciler *reconcile.Engine
	Router     Router
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// All returns one processor per entry type. A nil Router routes into the
// configured outbox.
func All(d Deps) map[store.EntryType]queue.Processor {
	if d.Router == nil {
		d.Router = NewOutboxRouter(d.Archive)
	}
	return map[store.EntryType]queue.Processor{
		store.TypeProcessDuplicate: &Duplicate{deps: d},
		store.TypeMoveStudy:        &Move{deps: d},
		store.TypeRebuildIndex:     &Rebuild{deps: d},
		store.TypeRuleAction:       &Tag{deps: d},
		store.TypeAutoRoute:        &Route{deps: d},
		store.TypePurgeStudy:       &Purge{deps: d},
	}
}
