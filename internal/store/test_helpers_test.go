package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// insertTestLocation stores an idle, unlocked location for studyUID.
func insertTestLocation(t *testing.T, s *Store, studyUID string) *StorageLocation {
	t.Helper()
	loc := &StorageLocation{
		ID:         uuid.Must(uuid.NewV7()).String(),
		StudyUID:   studyUID,
		Partition:  "default",
		Filesystem: "fs1",
		DateFolder: "2024/03/01",
		Status:     LocationIdle,
		LockMode:   LockNone,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	ok, err := s.Locations().Insert(context.Background(), loc)
	if err != nil {
		t.Fatalf("insert location: %v", err)
	}
	if !ok {
		t.Fatalf("location for %s already exists", studyUID)
	}
	return loc
}

// newTestEntry builds a pending entry scheduled at testNow.
func newTestEntry(locationID string, typ EntryType, priority Priority) *QueueEntry {
	return &QueueEntry{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Type:        typ,
		LocationID:  locationID,
		Status:      StatusPending,
		Priority:    priority,
		ScheduledAt: testNow,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
}

// insertTestEntry stores a pending entry.
func insertTestEntry(t *testing.T, s *Store, e *QueueEntry) *QueueEntry {
	t.Helper()
	if err := s.Queue().Insert(context.Background(), e); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	return e
}
