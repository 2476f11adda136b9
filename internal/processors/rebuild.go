package processors

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/filesystem"
	"github.com/roach88/archivist/internal/queue"
	"github.com/roach88/archivist/internal/store"
)

// Rebuild regenerates a study index from the objects on disk. The new
// index replaces the old one in a single atomic write after every series
// has been read, so a cancelled rebuild leaves the previous index alone.
type Rebuild struct {
	deps Deps
}

// Process implements queue.Processor.
func (p *Rebuild) Process(ctx context.Context, job *queue.Job) (queue.Result, error) {
	var payload store.RebuildPayload
	if err := job.DecodePayload(&payload); err != nil {
		return queue.Result{}, err
	}
	log := p.deps.logger().With("location", job.Location.ID, "study", job.Location.StudyUID)

	idx, err := p.buildIndex(job.Location, job.Cancelled)
	if err != nil {
		return queue.Result{}, err
	}
	if idx.Empty() {
		log.Info("no objects on disk, index left as is", "reason", payload.Reason)
		return queue.Result{Status: queue.Completed, Description: "empty study"}, nil
	}
	if err := p.deps.Archive.WriteIndex(job.Location, idx); err != nil {
		return queue.Result{}, err
	}
	log.Info("study index rebuilt", "reason", payload.Reason, "series", len(idx.Series), "instances", idx.InstanceCount())
	return queue.Result{Status: queue.Completed}, nil
}

// buildIndex reads every object of loc into a fresh index. Study-level
// attributes of a readable existing index are kept so tag updates survive;
// otherwise the first object supplies them. Unreadable objects and objects
// of another study are skipped with a warning.
func (p *Rebuild) buildIndex(loc *store.StorageLocation, cancelled func() bool) (*filesystem.StudyIndex, error) {
	log := p.deps.logger().With("location", loc.ID, "study", loc.StudyUID)
	idx := filesystem.NewStudyIndex(loc.StudyUID)
	if old, err := p.deps.Archive.ReadIndex(loc); err == nil {
		idx.SetStudyAttributes(old.StudyAttributes())
	} else if !errors.Is(err, filesystem.ErrIndexCorrupt) {
		return nil, err
	}

	dirs, err := p.deps.Archive.SeriesDirs(loc)
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if cancelled != nil && cancelled() {
			return nil, queue.ErrCancelled
		}
		files, err := p.deps.Archive.InstanceFiles(dir)
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			obj, err := p.deps.Archive.ReadObject(path)
			if err != nil {
				log.Warn("skipping unreadable object", "path", path, "error", err)
				continue
			}
			if obj.StudyUID() != loc.StudyUID || obj.SeriesUID() != filepath.Base(dir) {
				log.Warn("skipping misplaced object", "path", path, "study", obj.StudyUID(), "series", obj.SeriesUID())
				continue
			}
			hash, err := dicom.ContentHash(obj)
			if err != nil {
				log.Warn("skipping object without hash", "path", path, "error", err)
				continue
			}
			idx.Put(obj, hash)
		}
	}
	return idx, nil
}
