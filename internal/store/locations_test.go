package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocations_InsertAndFind(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	loc := insertTestLocation(t, s, "1.2.840.1")

	found, err := s.Locations().Find(ctx, "default", "1.2.840.1")
	require.NoError(t, err)
	assert.Equal(t, loc.ID, found.ID)
	assert.Equal(t, LockNone, found.LockMode)
	assert.Equal(t, testNow, found.CreatedAt)

	_, err = s.Locations().Find(ctx, "other", "1.2.840.1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocations_InsertDuplicateReturnsFalse(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertTestLocation(t, s, "1.2.840.1")

	dup := &StorageLocation{
		ID: "other", StudyUID: "1.2.840.1", Partition: "default", Filesystem: "fs2",
		DateFolder: "2024/03/01", Status: LocationCreating, CreatedAt: testNow, UpdatedAt: testNow,
	}
	ok, err := s.Locations().Insert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocations_MarkDeletedFreesSlot(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	loc := insertTestLocation(t, s, "1.2.840.1")

	require.NoError(t, s.Locations().MarkDeleted(ctx, loc.ID, testNow))
	_, err := s.Locations().Find(ctx, "default", "1.2.840.1")
	require.ErrorIs(t, err, ErrNotFound)

	again := insertTestLocation(t, s, "1.2.840.1")
	assert.NotEqual(t, loc.ID, again.ID)

	all, err := s.Locations().List(ctx, LocationFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	live, err := s.Locations().List(ctx, LocationFilter{})
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestLocations_WriteLockExcludesOthers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	loc := insertTestLocation(t, s, "1.2.840.1")
	repo := s.Locations()
	stale := testNow.Add(-time.Hour)

	ok, err := repo.AcquireWrite(ctx, loc.ID, "a", testNow, stale)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.AcquireWrite(ctx, loc.ID, "b", testNow, stale)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not acquire")

	ok, err = repo.AcquireRead(ctx, loc.ID, testNow, stale)
	require.NoError(t, err)
	assert.False(t, ok, "readers excluded by writer")

	ok, err = repo.AcquireWrite(ctx, loc.ID, "a", testNow, stale)
	require.NoError(t, err)
	assert.True(t, ok, "reentrant for the same owner")

	assert.ErrorIs(t, repo.ReleaseWrite(ctx, loc.ID, "b", testNow), ErrNotOwner)
	require.NoError(t, repo.ReleaseWrite(ctx, loc.ID, "a", testNow))

	got, err := repo.Get(ctx, loc.ID)
	require.NoError(t, err)
	assert.Equal(t, LockNone, got.LockMode)
	assert.Empty(t, got.LockOwner)
}

func TestLocations_StaleWriteLockIsReclaimed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	loc := insertTestLocation(t, s, "1.2.840.1")
	repo := s.Locations()

	ok, err := repo.AcquireWrite(ctx, loc.ID, "crashed", testNow, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)

	later := testNow.Add(20 * time.Minute)
	ok, err = repo.AcquireWrite(ctx, loc.ID, "rescuer", later, later.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, repo.ReleaseWrite(ctx, loc.ID, "crashed", later), ErrNotOwner)
}

func TestLocations_ReadLocksAreShared(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	loc := insertTestLocation(t, s, "1.2.840.1")
	repo := s.Locations()

	for i := 0; i < 3; i++ {
		ok, err := repo.AcquireRead(ctx, loc.ID, testNow, time.Time{})
		require.NoError(t, err)
		require.True(t, ok)
	}
	got, err := repo.Get(ctx, loc.ID)
	require.NoError(t, err)
	assert.Equal(t, LockRead, got.LockMode)
	assert.Equal(t, 3, got.ReadCount)

	ok, err := repo.AcquireWrite(ctx, loc.ID, "w", testNow, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok, "writer excluded by readers")

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.ReleaseRead(ctx, loc.ID, testNow))
	}
	got, err = repo.Get(ctx, loc.ID)
	require.NoError(t, err)
	assert.Equal(t, LockNone, got.LockMode)
	assert.Zero(t, got.ReadCount)

	assert.ErrorIs(t, repo.ReleaseRead(ctx, loc.ID, testNow), ErrNotOwner)
}

func TestLocations_ConcurrentAcquireWriteHasOneWinner(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		loc := insertTestLocation(t, s, "1.2.840."+string(rune('0'+round)))

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				ok, err := s.Locations().AcquireWrite(ctx, loc.ID, owner, testNow, time.Time{})
				assert.NoError(t, err)
				if ok {
					winners.Add(1)
				}
			}(string(rune('a' + i)))
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load(), "round %d", round)
	}
}

func TestLocations_DeletedLocationCannotBeLocked(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	loc := insertTestLocation(t, s, "1.2.840.1")
	require.NoError(t, s.Locations().MarkDeleted(ctx, loc.ID, testNow))

	ok, err := s.Locations().AcquireWrite(ctx, loc.ID, "a", testNow, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Locations().SetStatus(ctx, loc.ID, LocationIdle, testNow), ErrNotFound)
}

func TestLocations_RefreshKeepsLockFresh(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	loc := insertTestLocation(t, s, "1.2.840.1")
	repo := s.Locations()

	ok, err := repo.AcquireWrite(ctx, loc.ID, "mover", testNow, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)

	refreshed := testNow.Add(8 * time.Minute)
	require.NoError(t, repo.RefreshWrite(ctx, loc.ID, "mover", refreshed))
	assert.ErrorIs(t, repo.RefreshWrite(ctx, loc.ID, "someone", refreshed), ErrNotOwner)

	later := testNow.Add(15 * time.Minute)
	ok, err = repo.AcquireWrite(ctx, loc.ID, "ingest", later, later.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "refreshed lock is not stale")

	require.NoError(t, repo.ReleaseWrite(ctx, loc.ID, "mover", later))
	assert.ErrorIs(t, repo.RefreshWrite(ctx, loc.ID, "mover", later), ErrNotOwner)

	ok, err = repo.AcquireRead(ctx, loc.ID, later, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.RefreshRead(ctx, loc.ID, later.Add(time.Minute)))
	got, err := repo.Get(ctx, loc.ID)
	require.NoError(t, err)
	assert.Equal(t, later.Add(time.Minute), got.LockedAt)
	assert.Equal(t, 1, got.ReadCount)
}

func TestLocations_TransitionStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	loc := insertTestLocation(t, s, "1.2.840.1")
	repo := s.Locations()

	ok, err := repo.TransitionStatus(ctx, loc.ID, LocationIdle, LocationProcessing, testNow)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TransitionStatus(ctx, loc.ID, LocationIdle, LocationReconciling, testNow)
	require.NoError(t, err)
	assert.False(t, ok, "not in the expected status")

	got, err := repo.Get(ctx, loc.ID)
	require.NoError(t, err)
	assert.Equal(t, LocationProcessing, got.Status)
}
