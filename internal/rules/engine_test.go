package rules

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/archivist/internal/store"
	"github.com/roach88/archivist/internal/testutil"
)

// fakeQueue records enqueued entries and honours the unique flag per
// (location, type).
type fakeQueue struct {
	mu      sync.Mutex
	entries []*store.QueueEntry
	err     error
}

func (q *fakeQueue) Enqueue(_ context.Context, e *store.QueueEntry, unique bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	if unique {
		for _, x := range q.entries {
			if x.LocationID == e.LocationID && x.Type == e.Type {
				return false, nil
			}
		}
	}
	e.ID = fmt.Sprintf("e%d", len(q.entries)+1)
	q.entries = append(q.entries, e)
	return true, nil
}

func (q *fakeQueue) types() []store.EntryType {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]store.EntryType, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.Type
	}
	return out
}

func newTestEngine(t *testing.T, src string) (*Engine, *fakeQueue) {
	t.Helper()
	q := &fakeQueue{}
	e := New(TextSource{Text: src}, q, WithClock(testutil.NewManualClock(testutil.Epoch)))
	require.NoError(t, e.Reload(t.Context()))
	return e, q
}

func TestEngine_EmptyBeforeReload(t *testing.T) {
	e := New(nil, &fakeQueue{})
	assert.Equal(t, 0, e.Count())
	require.NoError(t, e.Reload(t.Context()))

	fired, err := e.Apply(t.Context(), testEvent(SopReceived))
	require.NoError(t, err)
	assert.Empty(t, fired)
}

func TestEngine_ApplyEnqueuesActions(t *testing.T) {
	e, q := newTestEngine(t, sampleRules)
	assert.Equal(t, 5, e.Count())

	fired, err := e.Apply(t.Context(), testEvent(SopProcessed))
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "route-ct", fired[0].Rule)
	assert.Equal(t, []string{"e1"}, fired[0].Entries)

	require.Len(t, q.entries, 1)
	entry := q.entries[0]
	assert.Equal(t, store.TypeAutoRoute, entry.Type)
	assert.Equal(t, "loc-1", entry.LocationID)
	assert.Equal(t, testutil.Epoch, entry.ScheduledAt)

	var payload store.RoutePayload
	require.NoError(t, entry.DecodePayload(&payload))
	assert.Equal(t, "PACS2", payload.Destination)
}

func TestEngine_PartitionScope(t *testing.T) {
	e, q := newTestEngine(t, sampleRules)

	ev := testEvent(SopProcessed)
	ev.Location.Partition = "research"
	fired, err := e.Apply(t.Context(), ev)
	require.NoError(t, err)
	assert.Len(t, fired, 2)
	assert.ElementsMatch(t, []store.EntryType{store.TypeAutoRoute, store.TypeRuleAction}, q.types())

	assert.Len(t, e.Load(t.Context(), SopProcessed, "research"), 2)
	assert.Len(t, e.Load(t.Context(), SopProcessed, "default"), 1)
}

func TestEngine_DisabledRulesSkipped(t *testing.T) {
	e, q := newTestEngine(t, sampleRules)
	assert.Empty(t, e.Load(t.Context(), SopReceived, "default"))

	fired, err := e.Apply(t.Context(), testEvent(SopReceived))
	require.NoError(t, err)
	assert.Empty(t, fired)
	assert.Empty(t, q.entries)
}

func TestEngine_DefaultRuleFiresWhenNothingElseMatches(t *testing.T) {
	e, q := newTestEngine(t, sampleRules)

	ev := testEvent(StudyArchived)
	ev.Object = nil
	fired, err := e.Apply(t.Context(), ev)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "archive-default", fired[0].Rule)
	assert.True(t, fired[0].Default)
	assert.Equal(t, []store.EntryType{store.TypeMoveStudy, store.TypeRebuildIndex}, q.types())
}

func TestEngine_ExemptSuppressesDefault(t *testing.T) {
	e, q := newTestEngine(t, sampleRules)

	ev := testEvent(StudyArchived)
	ev.Object = nil
	ev.Assoc.CallingAE = "TEST"
	fired, err := e.Apply(t.Context(), ev)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "skip-test-ae", fired[0].Rule)
	assert.True(t, fired[0].Exempt)
	assert.Empty(t, fired[0].Entries)
	assert.Empty(t, q.entries)
}

func TestEngine_RegularMatchSuppressesDefault(t *testing.T) {
	src := `
rule: regular: {
	apply_time: "StudyProcessed"
	condition:  "study['PatientID'] == 'P1'"
	actions: [{rebuild_index: {}}]
}
rule: fallback: {
	apply_time: "StudyProcessed"
	default:    true
	actions: [{purge_study: {}}]
}
`
	e, q := newTestEngine(t, src)
	ev := testEvent(StudyProcessed)
	ev.Object = nil

	fired, err := e.Apply(t.Context(), ev)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "regular", fired[0].Rule)
	assert.Equal(t, []store.EntryType{store.TypeRebuildIndex}, q.types())

	ev.Study["PatientID"] = "P2"
	fired, err = e.Apply(t.Context(), ev)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "fallback", fired[0].Rule)
	assert.Equal(t, []store.EntryType{store.TypeRebuildIndex, store.TypePurgeStudy}, q.types())
}

func TestEngine_UniqueActionsNotDuplicated(t *testing.T) {
	src := `
rule: rebuild: {
	apply_time: "SopReceived"
	actions: [{rebuild_index: {}}]
}
`
	e, q := newTestEngine(t, src)
	for i := 0; i < 3; i++ {
		_, err := e.Apply(t.Context(), testEvent(SopReceived))
		require.NoError(t, err)
	}
	assert.Len(t, q.entries, 1)
}

func TestEngine_FailingConditionIsNotAMatch(t *testing.T) {
	src := `
rule: broken: {
	apply_time: "SopReceived"
	condition:  "study['NoSuchKey'] == 'x'"
	actions: [{rebuild_index: {}}]
}
rule: fallback: {
	apply_time: "SopReceived"
	default:    true
	actions: [{purge_study: {}}]
}
`
	e, q := newTestEngine(t, src)
	fired, err := e.Apply(t.Context(), testEvent(SopReceived))
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "fallback", fired[0].Rule)
	assert.Equal(t, []store.EntryType{store.TypePurgeStudy}, q.types())
}

func TestEngine_EnqueueErrorReturned(t *testing.T) {
	e, q := newTestEngine(t, sampleRules)
	q.err = fmt.Errorf("database is closed")

	fired, err := e.Apply(t.Context(), testEvent(SopProcessed))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "route-ct")
	require.Len(t, fired, 1)
	assert.Empty(t, fired[0].Entries)
}

func TestEngine_ReloadReplacesSnapshot(t *testing.T) {
	src := &TextSource{Text: `rule: a: {apply_time: "SopReceived", actions: [{rebuild_index: {}}]}`}
	e := New(src, &fakeQueue{})
	require.NoError(t, e.Reload(t.Context()))
	assert.Equal(t, 1, e.Count())

	src.Text = `
rule: a: {apply_time: "SopReceived", actions: [{rebuild_index: {}}]}
rule: b: {apply_time: "SopReceived", actions: [{purge_study: {}}]}
`
	require.NoError(t, e.Reload(t.Context()))
	assert.Equal(t, 2, e.Count())

	// A broken edit keeps the previous snapshot.
	src.Text = `rule: c: {apply_time: "SopReceived", actions: [{teleport: {}}]}`
	assert.Error(t, e.Reload(t.Context()))
	assert.Equal(t, 2, e.Count())
}

func TestEngine_ConcurrentApplyAndReload(t *testing.T) {
	e, _ := newTestEngine(t, sampleRules)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := e.Apply(context.Background(), testEvent(SopProcessed))
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Reload(t.Context()))
	}
	wg.Wait()
}

func TestEngine_RequiresLocation(t *testing.T) {
	e, _ := newTestEngine(t, sampleRules)
	ev := testEvent(SopProcessed)
	ev.Location = nil
	_, err := e.Apply(t.Context(), ev)
	assert.Error(t, err)
}
