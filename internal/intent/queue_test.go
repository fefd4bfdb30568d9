package intent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePartitions keeps every partition in memory and mimics the store's
// move semantics closely enough for queue behavior.
type fakePartitions struct {
	inbox    []*Intent
	deferred []*Intent
	queue    []*Intent
	failed   []*Intent
	history  []*Intent

	persistErr error
}

func (f *fakePartitions) PersistIntent(in *Intent) error {
	if f.persistErr != nil {
		return f.persistErr
	}
	in.Status = StatusInbox
	in.Path = "inbox/" + in.ID
	f.inbox = append(f.inbox, in)
	return nil
}

func (f *fakePartitions) ScanInbox() ([]*Intent, error)    { return f.inbox, nil }
func (f *fakePartitions) ScanQueue() ([]*Intent, error)    { return f.queue, nil }
func (f *fakePartitions) ScanDeferred() ([]*Intent, error) { return f.deferred, nil }

func remove(list []*Intent, id string) []*Intent {
	out := make([]*Intent, 0, len(list))
	for _, in := range list {
		if in.ID != id {
			out = append(out, in)
		}
	}
	return out
}

func (f *fakePartitions) PromoteToQueue(in *Intent) error {
	f.inbox = remove(f.inbox, in.ID)
	f.deferred = remove(f.deferred, in.ID)
	in.Status = StatusActive
	f.queue = append(f.queue, in)
	return nil
}

func (f *fakePartitions) DeferIntent(in *Intent) error {
	f.inbox = remove(f.inbox, in.ID)
	in.Status = StatusDeferred
	f.deferred = append(f.deferred, in)
	return nil
}

func (f *fakePartitions) QuarantineIntent(in *Intent) error {
	f.queue = remove(f.queue, in.ID)
	in.Status = StatusFailed
	f.failed = append(f.failed, in)
	return nil
}

func (f *fakePartitions) ArchiveIntent(in *Intent, outcome string) error {
	f.queue = remove(f.queue, in.ID)
	in.Status = StatusArchived
	f.history = append(f.history, in)
	return nil
}

func newTestManager(parts *fakePartitions) *Manager {
	return NewManager(parts, NewKeywordScorer(nil), 0.6, 2, nil)
}

func rawIntent(summary string, alignment float64, created time.Time) string {
	return fmt.Sprintf("---\nsummary: %q\nalignment: %.2f\ncreated_at: %s\n---\n\nbody\n",
		summary, alignment, created.UTC().Format(time.RFC3339))
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	m := newTestManager(&fakePartitions{})
	_, err := m.Ingest("no front matter at all", "cli")
	require.ErrorIs(t, err, ErrInvalidIntent)
}

func TestIngestScoresUnscoredIntents(t *testing.T) {
	parts := &fakePartitions{}
	m := newTestManager(parts)

	in, err := m.Ingest("---\nsummary: review the plan\n---\n\nreview the plan for the week\n", "cli")
	require.NoError(t, err)
	require.GreaterOrEqual(t, in.AlignmentScore, 0.0)
	require.Equal(t, "cli", in.Source)
	require.Len(t, parts.inbox, 1)
}

func TestSyncClassifiesByThreshold(t *testing.T) {
	parts := &fakePartitions{}
	m := newTestManager(parts)

	now := time.Now()
	_, err := m.Ingest(rawIntent("strong", 0.8, now), "test")
	require.NoError(t, err)
	_, err = m.Ingest(rawIntent("weak", 0.3, now), "test")
	require.NoError(t, err)
	_, err = m.Ingest(rawIntent("boundary", 0.6, now), "test")
	require.NoError(t, err)

	depth, err := m.Sync()
	require.NoError(t, err)
	require.Equal(t, 2, depth)
	require.Len(t, parts.deferred, 1)
	require.Equal(t, "weak", parts.deferred[0].Summary)
	require.Empty(t, parts.inbox)
}

func TestSyncRepromotesDeferredAfterThresholdDrop(t *testing.T) {
	parts := &fakePartitions{}
	m := newTestManager(parts)

	_, err := m.Ingest(rawIntent("weak", 0.3, time.Now()), "test")
	require.NoError(t, err)

	depth, err := m.Sync()
	require.NoError(t, err)
	require.Equal(t, 0, depth)
	require.Len(t, parts.deferred, 1)

	m.SetThreshold(0.2)
	depth, err = m.Sync()
	require.NoError(t, err)
	require.Equal(t, 1, depth)
	require.Empty(t, parts.deferred)
}

func TestPopReturnsOldestFirst(t *testing.T) {
	parts := &fakePartitions{}
	m := newTestManager(parts)

	base := time.Now().Add(-time.Hour)
	_, err := m.Ingest(rawIntent("newer", 0.9, base.Add(time.Minute)), "test")
	require.NoError(t, err)
	_, err = m.Ingest(rawIntent("older", 0.9, base), "test")
	require.NoError(t, err)
	_, err = m.Sync()
	require.NoError(t, err)

	in, ok, err := m.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "older", in.Summary)
}

func TestPopEmptyQueue(t *testing.T) {
	m := newTestManager(&fakePartitions{})
	in, ok, err := m.Pop()
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, in)
}

func TestRequeueIsolatesAfterMaxRetries(t *testing.T) {
	parts := &fakePartitions{}
	m := newTestManager(parts) // maxRetries = 2

	_, err := m.Ingest(rawIntent("flaky", 0.9, time.Now()), "test")
	require.NoError(t, err)
	_, err = m.Sync()
	require.NoError(t, err)

	in, ok, err := m.Pop()
	require.NoError(t, err)
	require.True(t, ok)

	isolated, err := m.Requeue(in)
	require.NoError(t, err)
	require.False(t, isolated)
	require.Equal(t, 1, in.FailureCount)

	isolated, err = m.Requeue(in)
	require.NoError(t, err)
	require.False(t, isolated)

	// A fresh Pop sees the accumulated failure count.
	again, ok, err := m.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, again.FailureCount)

	isolated, err = m.Requeue(again)
	require.NoError(t, err)
	require.True(t, isolated)
	require.Len(t, parts.failed, 1)
	require.Empty(t, parts.queue)

	_, ok, err = m.Pop()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestArchiveForgetsFailures(t *testing.T) {
	parts := &fakePartitions{}
	m := newTestManager(parts)

	in, err := m.Ingest(rawIntent("done", 0.9, time.Now()), "test")
	require.NoError(t, err)
	_, err = m.Sync()
	require.NoError(t, err)

	_, err = m.Requeue(in)
	require.NoError(t, err)

	require.NoError(t, m.Archive(in, "all wrapped up"))
	require.Len(t, parts.history, 1)
	require.Equal(t, StatusArchived, in.Status)

	// Re-ingesting the same ID starts from a clean slate.
	in2 := &Intent{ID: in.ID, Summary: "again", AlignmentScore: 0.9, CreatedAt: time.Now()}
	require.NoError(t, parts.PromoteToQueue(in2))
	popped, ok, err := m.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, popped.FailureCount)
}
