// Package importer feeds object files dropped into a folder through
// ingestion, as if a local sender had transferred them.
//
// Writers should create files under another name and rename them into the
// folder; only *.dcm and *.json names are picked up. Imported files are
// removed. Files that can never be stored move to failed/; files refused
// for a temporary reason stay and are retried on the next scan.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/filesystem"
	"github.com/roach88/archivist/internal/ingest"
)

// CallingAE identifies imported objects in logs, rules and reconciliation
// groups.
const CallingAE = "IMPORT"

// FailedDir is the subfolder receiving files that cannot be imported.
const FailedDir = "failed"

// defaultSettle is how long an unreadable file is given to finish being
// written.
const defaultSettle = 2 * time.Second

// defaultBatchWindow is how long the watcher waits after a file appears for
// more files to arrive with it. Files of one batch share an association.
const defaultBatchWindow = 500 * time.Millisecond

// Accepter stores one object. *ingest.Handler implements it.
type Accepter interface {
	Accept(ctx context.Context, obj *dicom.Object, assoc dicom.AssociationContext) (ingest.Outcome, error)
}

// Report counts the results of one scan.
type Report struct {
	Imported int
	Failed   int
	Retry    int
}

// Importer watches one folder.
type Importer struct {
	dir      string
	accepter Accepter
	calledAE string
	rescan   time.Duration
	settle   time.Duration
	batch    time.Duration
	logger   *slog.Logger
}

// Option configures an Importer.
type Option func(*Importer)

// WithCalledAE sets the called AE title, which selects the partition.
func WithCalledAE(ae string) Option {
	return func(im *Importer) {
		im.calledAE = ae
	}
}

// WithRescan sets how often the folder is rescanned for retries.
func WithRescan(d time.Duration) Option {
	return func(im *Importer) {
		im.rescan = d
	}
}

// WithBatchWindow sets how long new files are collected before they are
// imported together.
func WithBatchWindow(d time.Duration) Option {
	return func(im *Importer) {
		im.batch = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(im *Importer) {
		im.logger = l
	}
}

// New creates an Importer for dir.
func New(dir string, acc Accepter, opts ...Option) *Importer {
	im := &Importer{
		dir:      dir,
		accepter: acc,
		calledAE: "ARCHIVE",
		rescan:   time.Minute,
		settle:   defaultSettle,
		batch:    defaultBatchWindow,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

func importable(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == dicom.FileExtension || ext == ".json"
}

// Scan imports every file currently in the folder, oldest name first.
func (im *Importer) Scan(ctx context.Context) (Report, error) {
	var report Report
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return report, fmt.Errorf("scan import folder: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && importable(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	assoc := dicom.NewAssociation(CallingAE, im.calledAE, "")
	for _, name := range names {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		im.tally(&report, im.importFile(ctx, filepath.Join(im.dir, name), assoc))
	}
	return report, nil
}

type result int

const (
	imported result = iota
	failed
	retry
)

func (im *Importer) tally(r *Report, res result) {
	switch res {
	case imported:
		r.Imported++
	case failed:
		r.Failed++
	case retry:
		r.Retry++
	}
}

func (im *Importer) importFile(ctx context.Context, path string, assoc dicom.AssociationContext) result {
	log := im.logger.With("file", filepath.Base(path))
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return retry
	}
	if err != nil {
		log.Warn("open import file failed", "error", err)
		return retry
	}
	obj, err := dicom.Decode(f)
	info, serr := f.Stat()
	f.Close()
	if err != nil {
		if serr == nil && time.Since(info.ModTime()) < im.settle {
			// Probably still being written.
			return retry
		}
		log.Warn("import file unreadable", "error", err)
		return im.fail(path, log)
	}

	outcome, err := im.accepter.Accept(ctx, obj, assoc)
	switch {
	case err == nil:
		log.Info("object imported", "sop", obj.InstanceUID(), "outcome", outcome)
		if err := filesystem.RemoveFile(path); err != nil {
			log.Warn("remove imported file failed", "error", err)
		}
		return imported
	case ingest.IsInvalid(err):
		log.Warn("object rejected", "sop", obj.InstanceUID(), "error", err)
		return im.fail(path, log)
	default:
		log.Info("object refused, will retry", "sop", obj.InstanceUID(), "error", err)
		return retry
	}
}

func (im *Importer) fail(path string, log *slog.Logger) result {
	dst := filepath.Join(im.dir, FailedDir, filepath.Base(path))
	if err := filesystem.MoveFile(path, dst); err != nil {
		log.Error("move to failed folder failed", "error", err)
	}
	return failed
}

// Run scans the folder, then imports files as they appear until ctx is
// cancelled. The folder is also rescanned periodically to retry refused
// files.
func (im *Importer) Run(ctx context.Context) error {
	if err := os.MkdirAll(im.dir, 0o755); err != nil {
		return fmt.Errorf("create import folder: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch import folder: %w", err)
	}
	defer w.Close()
	if err := w.Add(im.dir); err != nil {
		return fmt.Errorf("watch import folder: %w", err)
	}
	im.logger.Info("watching import folder", "dir", im.dir)

	if _, err := im.Scan(ctx); err != nil && ctx.Err() == nil {
		im.logger.Warn("initial import scan failed", "error", err)
	}
	ticker := time.NewTicker(im.rescan)
	defer ticker.Stop()

	var (
		pending []string
		flush   <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			if filepath.Dir(ev.Name) != filepath.Clean(im.dir) || !importable(filepath.Base(ev.Name)) {
				continue
			}
			pending = append(pending, ev.Name)
			if flush == nil {
				flush = time.After(im.batch)
			}
		case <-flush:
			im.importBatch(ctx, pending)
			pending, flush = nil, nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			im.logger.Warn("import watcher error", "error", err)
		case <-ticker.C:
			if _, err := im.Scan(ctx); err != nil && ctx.Err() == nil {
				im.logger.Warn("import rescan failed", "error", err)
			}
		}
	}
}

// importBatch imports files that appeared together under one fresh
// association, so their conflicts group apart from earlier batches.
func (im *Importer) importBatch(ctx context.Context, paths []string) {
	assoc := dicom.NewAssociation(CallingAE, im.calledAE, "")
	var report Report
	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}
		im.tally(&report, im.importFile(ctx, path, assoc))
	}
	im.logger.Debug("import batch done",
		"association", assoc.ID,
		"imported", report.Imported,
		"failed", report.Failed,
		"retry", report.Retry)
}
