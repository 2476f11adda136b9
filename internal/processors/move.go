package processors

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/roach88/archivist/internal/filesystem"
	"github.com/roach88/archivist/internal/queue"
	"github.com/roach88/archivist/internal/store"
)

// Move copies a study to another filesystem one series at a time, switches
// the location over, and removes the old copy. Copied series are recorded
// on the entry so an interrupted move resumes after the last one.
type Move struct {
	deps Deps
}

// Process implements queue.Processor.
func (p *Move) Process(ctx context.Context, job *queue.Job) (queue.Result, error) {
	var payload store.MovePayload
	if err := job.DecodePayload(&payload); err != nil {
		return queue.Result{}, err
	}
	target := payload.TargetFilesystem
	if _, err := p.deps.Archive.Layout().Root(target); err != nil {
		return queue.Result{}, queue.InvalidPayload(err)
	}
	loc := job.Location
	log := p.deps.logger().With("location", loc.ID, "study", loc.StudyUID, "target", target)

	if loc.Filesystem == target {
		// Switched by an earlier run; only the old copy may be left.
		if payload.SourceFilesystem != "" && payload.SourceFilesystem != target {
			if err := p.deps.Archive.RemoveStudyOn(loc, payload.SourceFilesystem); err != nil {
				return queue.Result{}, err
			}
		}
		return queue.Result{Status: queue.Completed, Description: "already on " + target}, nil
	}
	if payload.SourceFilesystem == "" {
		payload.SourceFilesystem = loc.Filesystem
		if err := job.SaveProgress(ctx, payload); err != nil {
			return queue.Result{}, err
		}
	}

	dest := *loc
	dest.Filesystem = target
	destDir, err := p.deps.Archive.Layout().StudyDir(&dest)
	if err != nil {
		return queue.Result{}, err
	}

	dirs, err := p.deps.Archive.SeriesDirs(loc)
	if err != nil {
		return queue.Result{}, err
	}
	for _, dir := range dirs {
		series := filepath.Base(dir)
		if slices.Contains(payload.CopiedSeries, series) {
			continue
		}
		if job.Cancelled() {
			return queue.Result{}, queue.ErrCancelled
		}
		n, err := p.copySeries(dir, filepath.Join(destDir, series))
		if err != nil {
			return queue.Result{}, err
		}
		payload.CopiedSeries = append(payload.CopiedSeries, series)
		if err := job.SaveProgress(ctx, payload); err != nil {
			return queue.Result{}, err
		}
		log.Debug("series copied", "series", series, "files", n)
	}

	// The destination gets an index built from what actually arrived, keeping
	// the study attributes the source index carries.
	idx, err := (&Rebuild{deps: p.deps}).buildIndex(&dest, nil)
	if err != nil {
		return queue.Result{}, err
	}
	src, err := p.deps.Archive.ReadIndex(loc)
	switch {
	case err == nil:
		if attrs := src.StudyAttributes(); len(attrs) > 0 {
			idx.SetStudyAttributes(attrs)
		}
	case errors.Is(err, filesystem.ErrIndexCorrupt):
		log.Warn("source index unreadable, study attributes taken from objects", "error", err)
	default:
		return queue.Result{}, err
	}
	if err := p.deps.Archive.WriteIndex(&dest, idx); err != nil {
		return queue.Result{}, err
	}

	if err := p.deps.Registry.SetFilesystem(ctx, loc.ID, target); err != nil {
		return queue.Result{}, fmt.Errorf("switch location: %w", err)
	}
	if err := p.deps.Archive.RemoveStudyOn(loc, payload.SourceFilesystem); err != nil {
		// The new copy is live; a rerun only has the removal left to do.
		return queue.Result{}, err
	}
	log.Info("study moved", "from", payload.SourceFilesystem, "series", len(payload.CopiedSeries))
	return queue.Result{Status: queue.Completed}, nil
}

// copySeries copies every object file of src into dst, skipping files that
// are already identical there.
func (p *Move) copySeries(src, dst string) (int, error) {
	files, err := p.deps.Archive.InstanceFiles(src)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, path := range files {
		to := filepath.Join(dst, filepath.Base(path))
		same, err := filesystem.SameContent(path, to)
		if err != nil {
			return n, err
		}
		if same {
			continue
		}
		if err := filesystem.CopyFile(path, to); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
