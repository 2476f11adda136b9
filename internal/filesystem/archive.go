package filesystem

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/store"
)

// WriteFunc persists data at path. The default is WriteFileAtomic.
type WriteFunc func(path string, data []byte) error

// Archive reads and writes study data through a Layout.
type Archive struct {
	layout *Layout
	write  WriteFunc
}

// Option configures an Archive.
type Option func(*Archive)

// WithWriteFunc replaces the file writer. Tests use it to inject disk
// failures.
func WithWriteFunc(fn WriteFunc) Option {
	return func(a *Archive) {
		a.write = fn
	}
}

// NewArchive creates an Archive over layout.
func NewArchive(layout *Layout, opts ...Option) *Archive {
	a := &Archive{layout: layout, write: WriteFileAtomic}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Layout returns the path layout.
func (a *Archive) Layout() *Layout {
	return a.layout
}

// ReadIndex loads a study's index. A missing index yields an empty one; a
// present but unreadable index yields ErrIndexCorrupt.
func (a *Archive) ReadIndex(loc *store.StorageLocation) (*StudyIndex, error) {
	path, err := a.layout.IndexPath(loc)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewStudyIndex(loc.StudyUID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read study index: %w", err)
	}
	idx, err := ParseStudyIndex(data, loc.StudyUID)
	if err != nil {
		return nil, fmt.Errorf("study index %s: %w", path, err)
	}
	return idx, nil
}

// WriteIndex stores a study's index.
func (a *Archive) WriteIndex(loc *store.StorageLocation, idx *StudyIndex) error {
	path, err := a.layout.IndexPath(loc)
	if err != nil {
		return err
	}
	data, err := idx.Marshal()
	if err != nil {
		return err
	}
	return a.write(path, data)
}

// WriteInstance stores obj at its canonical path, replacing any previous
// file, and returns the path.
func (a *Archive) WriteInstance(loc *store.StorageLocation, obj *dicom.Object) (string, error) {
	path, err := a.layout.InstancePath(loc, obj.SeriesUID(), obj.InstanceUID())
	if err != nil {
		return "", err
	}
	return path, a.WriteObject(path, obj)
}

// WriteObject encodes obj to an arbitrary path.
func (a *Archive) WriteObject(path string, obj *dicom.Object) error {
	data, err := dicom.Marshal(obj)
	if err != nil {
		return err
	}
	return a.write(path, data)
}

// ReadObject decodes the object stored at path.
func (a *Archive) ReadObject(path string) (*dicom.Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	obj, err := dicom.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", path, err)
	}
	return obj, nil
}

// SeriesDirs lists the series directories of a study, sorted.
func (a *Archive) SeriesDirs(loc *store.StorageLocation) ([]string, error) {
	dir, err := a.layout.StudyDir(loc)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list study %s: %w", loc.StudyUID, err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(dir, e.Name()))
		}
	}
	return dirs, nil
}

// InstanceFiles lists the object files of one series directory, sorted.
func (a *Archive) InstanceFiles(seriesDir string) ([]string, error) {
	entries, err := os.ReadDir(seriesDir)
	if err != nil {
		return nil, fmt.Errorf("list series %s: %w", seriesDir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == dicom.FileExtension {
			files = append(files, filepath.Join(seriesDir, e.Name()))
		}
	}
	return files, nil
}

// RemoveStudy deletes a study directory and any empty date folders above it.
func (a *Archive) RemoveStudy(loc *store.StorageLocation) error {
	return a.RemoveStudyOn(loc, loc.Filesystem)
}

// RemoveStudyOn deletes the copy of a study on a given filesystem.
func (a *Archive) RemoveStudyOn(loc *store.StorageLocation, filesystem string) error {
	dir, err := a.layout.StudyDirOn(loc, filesystem)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove study %s: %w", loc.StudyUID, err)
	}
	root, _ := a.layout.Root(filesystem)
	RemoveEmptyParents(filepath.Dir(dir), filepath.Join(root, loc.Partition))
	return nil
}

// RemoveFile deletes a file; a missing file is not an error.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
