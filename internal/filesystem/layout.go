// Package filesystem owns the on-disk representation of the archive: where
// study, quarantine and outbox files live, how they are written atomically,
// and the per-study XML index.
//
// Canonical tree:
//
//	{root}/{partition}/{yyyy/mm/dd}/{studyUID}/{studyUID}.xml
//	{root}/{partition}/{yyyy/mm/dd}/{studyUID}/{seriesUID}/{sopUID}.dcm
//
// Quarantine tree, kept outside every filesystem root:
//
//	{quarantineRoot}/{partition}/{studyUID}/{groupDigest}/{seriesUID}/{sopUID}.dcm
package filesystem

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/archivist/internal/config"
	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/store"
)

// Layout maps archive entities to paths.
type Layout struct {
	roots          map[string]string
	quarantineRoot string
	outboxRoot     string
}

// NewLayout builds a layout from configuration.
func NewLayout(cfg config.Config) *Layout {
	roots := make(map[string]string, len(cfg.Filesystems))
	for name, root := range cfg.Filesystems {
		roots[name] = root
	}
	return &Layout{
		roots:          roots,
		quarantineRoot: cfg.QuarantineRoot,
		outboxRoot:     cfg.OutboxRoot,
	}
}

// Filesystems returns the configured filesystem names in sorted order.
func (l *Layout) Filesystems() []string {
	names := make([]string, 0, len(l.roots))
	for name := range l.roots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Root returns the root directory of a filesystem.
func (l *Layout) Root(filesystem string) (string, error) {
	root, ok := l.roots[filesystem]
	if !ok {
		return "", fmt.Errorf("unknown filesystem %q", filesystem)
	}
	return root, nil
}

// StudyDir returns the directory of a location's study on its filesystem.
func (l *Layout) StudyDir(loc *store.StorageLocation) (string, error) {
	return l.StudyDirOn(loc, loc.Filesystem)
}

// StudyDirOn returns where the location's study lives, or would live, on
// another filesystem.
func (l *Layout) StudyDirOn(loc *store.StorageLocation, filesystem string) (string, error) {
	root, err := l.Root(filesystem)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, loc.Partition, filepath.FromSlash(loc.DateFolder), loc.StudyUID), nil
}

// SeriesDir returns the directory holding one series of a study.
func (l *Layout) SeriesDir(loc *store.StorageLocation, seriesUID string) (string, error) {
	dir, err := l.StudyDir(loc)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, seriesUID), nil
}

// InstancePath returns the canonical path of one stored object.
func (l *Layout) InstancePath(loc *store.StorageLocation, seriesUID, sopUID string) (string, error) {
	dir, err := l.SeriesDir(loc, seriesUID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sopUID+dicom.FileExtension), nil
}

// IndexPath returns the path of a study's XML index.
func (l *Layout) IndexPath(loc *store.StorageLocation) (string, error) {
	dir, err := l.StudyDir(loc)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, loc.StudyUID+".xml"), nil
}

// QuarantineDir returns the directory holding one reconciliation group's
// objects. It can be rebuilt from the record alone.
func (l *Layout) QuarantineDir(partition, studyUID, groupID string) string {
	return filepath.Join(l.quarantineRoot, partition, studyUID, dicom.GroupDigest(groupID))
}

// QuarantinePath returns where a conflicting object is parked.
func (l *Layout) QuarantinePath(partition, studyUID, groupID, seriesUID, sopUID string) string {
	return filepath.Join(l.QuarantineDir(partition, studyUID, groupID), seriesUID, sopUID+dicom.FileExtension)
}

// OutboxPath returns where an object routed to destination is delivered.
func (l *Layout) OutboxPath(destination, studyUID, seriesUID, sopUID string) (string, error) {
	if destination == "" || strings.ContainsAny(destination, `/\`) || destination == "." || destination == ".." {
		return "", fmt.Errorf("invalid route destination %q", destination)
	}
	return filepath.Join(l.outboxRoot, destination, studyUID, seriesUID, sopUID+dicom.FileExtension), nil
}
