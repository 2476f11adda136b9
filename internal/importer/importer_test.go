package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/ingest"
	"github.com/roach88/archivist/internal/testutil"
)

type fakeAccepter struct {
	mu      sync.Mutex
	results map[string]error
	got     []string
	assocs  []dicom.AssociationContext
}

func (f *fakeAccepter) Accept(_ context.Context, obj *dicom.Object, assoc dicom.AssociationContext) (ingest.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, obj.InstanceUID())
	f.assocs = append(f.assocs, assoc)
	if err := f.results[obj.InstanceUID()]; err != nil {
		return ingest.Rejected, err
	}
	return ingest.Stored, nil
}

func (f *fakeAccepter) accepted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func drop(t *testing.T, dir, name string, obj *dicom.Object) string {
	t.Helper()
	data, err := dicom.Marshal(obj)
	require.NoError(t, err)
	tmp := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(tmp, data, 0o644))
	path := filepath.Join(dir, name)
	require.NoError(t, os.Rename(tmp, path))
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	good := testutil.NewObject(testutil.StudyA).Instance(1).Build()
	invalid := testutil.NewObject(testutil.StudyA).Instance(2).Build()
	busy := testutil.NewObject(testutil.StudyA).Instance(3).Build()

	acc := &fakeAccepter{results: map[string]error{
		invalid.InstanceUID(): &ingest.Error{Kind: ingest.KindInvalid, Err: errors.New("bad")},
		busy.InstanceUID():    &ingest.Error{Kind: ingest.KindContention, Err: errors.New("locked")},
	}}
	goodPath := drop(t, dir, "a.dcm", good)
	invalidPath := drop(t, dir, "b.json", invalid)
	busyPath := drop(t, dir, "c.dcm", busy)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d.dcm"), []byte("{garbage"), 0o644))

	im := New(dir, acc, WithCalledAE("RESEARCH"))
	im.settle = 0
	report, err := im.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Imported: 1, Failed: 2, Retry: 1}, report)

	assert.False(t, exists(goodPath))
	assert.False(t, exists(invalidPath))
	assert.True(t, exists(filepath.Join(dir, FailedDir, "b.json")))
	assert.True(t, exists(filepath.Join(dir, FailedDir, "d.dcm")))
	assert.True(t, exists(busyPath), "refused file stays for retry")
	assert.True(t, exists(filepath.Join(dir, "notes.txt")))

	require.Len(t, acc.assocs, 3)
	for _, a := range acc.assocs {
		assert.Equal(t, CallingAE, a.CallingAE)
		assert.Equal(t, "RESEARCH", a.CalledAE)
		assert.Equal(t, acc.assocs[0].ID, a.ID, "one association per scan")
	}

	delete(acc.results, busy.InstanceUID())
	report, err = im.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Imported: 1}, report)
	assert.False(t, exists(busyPath))
}

func TestScan_FreshGarbageIsRetried(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.dcm")
	require.NoError(t, os.WriteFile(path, []byte(`{"attributes":`), 0o644))

	report, err := New(dir, &fakeAccepter{}).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Retry: 1}, report)
	assert.True(t, exists(path))
}

func TestRun_ImportsNewFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "import")
	acc := &fakeAccepter{}
	im := New(dir, acc, WithRescan(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- im.Run(ctx) }()

	require.Eventually(t, func() bool { return exists(dir) }, 5*time.Second, 5*time.Millisecond)
	obj := testutil.NewObject(testutil.StudyB).Build()
	path := drop(t, dir, "new.dcm", obj)

	require.Eventually(t, func() bool {
		return len(acc.accepted()) == 1 && !exists(path)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{obj.InstanceUID()}, acc.accepted())

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_EachBatchGetsItsOwnAssociation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "import")
	acc := &fakeAccepter{}
	im := New(dir, acc, WithRescan(time.Hour), WithBatchWindow(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- im.Run(ctx) }()
	require.Eventually(t, func() bool { return exists(dir) }, 5*time.Second, 5*time.Millisecond)

	drop(t, dir, "first.dcm", testutil.NewObject(testutil.StudyA).Instance(1).Build())
	require.Eventually(t, func() bool { return len(acc.accepted()) == 1 }, 5*time.Second, 10*time.Millisecond)
	drop(t, dir, "second.dcm", testutil.NewObject(testutil.StudyA).Instance(2).Build())
	require.Eventually(t, func() bool { return len(acc.accepted()) == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	acc.mu.Lock()
	defer acc.mu.Unlock()
	require.Len(t, acc.assocs, 2)
	assert.NotEqual(t, acc.assocs[0].ID, acc.assocs[1].ID)
	assert.NotEqual(t, acc.assocs[0].GroupID(testutil.StudyA), acc.assocs[1].GroupID(testutil.StudyA))
}
