// Package maintenance holds the operator triggers of the archive node:
// cancelling a queue category, queueing index rebuilds for a whole
// filesystem, and the retention sweep loop.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/archivist/internal/config"
	"github.com/roach88/archivist/internal/filesystem"
	"github.com/roach88/archivist/internal/queue"
	"github.com/roach88/archivist/internal/registry"
	"github.com/roach88/archivist/internal/store"
)

// studyDepth is the depth of a study directory below a filesystem root:
// {partition}/{yyyy}/{mm}/{dd}/{study}.
const studyDepth = 5

// Service runs maintenance operations against a scheduler.
type Service struct {
	cfg      config.Config
	registry *registry.Registry
	layout   *filesystem.Layout
	sched    *queue.Scheduler
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New creates a Service.
func New(cfg config.Config, reg *registry.Registry, layout *filesystem.Layout, sched *queue.Scheduler, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		registry: reg,
		layout:   layout,
		sched:    sched,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CancelPending stops the entries of one processor category: running ones
// at their next unit boundary, pending ones are parked as Idle.
func (s *Service) CancelPending(ctx context.Context, typ store.EntryType) (int64, error) {
	return s.sched.CancelPending(ctx, typ)
}

// RebuildReport summarizes a filesystem rebuild trigger.
type RebuildReport struct {
	Scanned    int `json:"scanned"`
	Queued     int `json:"queued"`
	Locked     int `json:"skipped_locked"`
	Unknown    int `json:"skipped_unknown"`
	Elsewhere  int `json:"skipped_elsewhere"`
	AlreadyDue int `json:"already_queued"`
}

// RebuildFilesystem queues a low priority RebuildIndex entry for every
// study directory found on filesystem. Studies that are write-locked, that
// have no live location, or whose location points at another filesystem
// are skipped. Enqueueing is throttled to Queue.RebuildRate per second.
func (s *Service) RebuildFilesystem(ctx context.Context, name string) (RebuildReport, error) {
	var report RebuildReport
	root, err := s.layout.Root(name)
	if err != nil {
		return report, err
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if s.cfg.Queue.RebuildRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.Queue.RebuildRate), 1)
	}
	log := s.logger.With("filesystem", name)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() || path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) < studyDepth {
			return nil
		}
		report.Scanned++

		loc, err := s.registry.Resolve(ctx, parts[0], parts[studyDepth-1])
		switch {
		case errors.Is(err, store.ErrNotFound):
			log.Warn("study directory without location", "path", path)
			report.Unknown++
			return filepath.SkipDir
		case err != nil:
			return err
		case loc.Filesystem != name:
			report.Elsewhere++
			return filepath.SkipDir
		case s.registry.IsWriteLocked(loc):
			log.Debug("study locked, skipping", "location", loc.ID)
			report.Locked++
			return filepath.SkipDir
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		payload, err := store.EncodePayload(store.RebuildPayload{Reason: "filesystem rebuild"})
		if err != nil {
			return err
		}
		queued, err := s.sched.Enqueue(ctx, &store.QueueEntry{
			Type:       store.TypeRebuildIndex,
			LocationID: loc.ID,
			Priority:   store.PriorityLow,
			Payload:    payload,
		}, true)
		if err != nil {
			return err
		}
		if queued {
			report.Queued++
		} else {
			report.AlreadyDue++
		}
		return filepath.SkipDir
	})
	if err != nil {
		return report, fmt.Errorf("rebuild filesystem %s: %w", name, err)
	}
	log.Info("filesystem rebuild queued",
		"scanned", report.Scanned,
		"queued", report.Queued,
		"locked", report.Locked,
		"unknown", report.Unknown)
	return report, nil
}

// RunRetention sweeps expired queue entries every Queue.SweepInterval
// until ctx is cancelled.
func (s *Service) RunRetention(ctx context.Context) error {
	interval := s.cfg.Queue.SweepInterval.D()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := s.sched.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
