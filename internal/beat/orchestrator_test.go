package beat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/telosd/internal/agent"
	"github.com/stellarlinkco/telosd/internal/config"
	"github.com/stellarlinkco/telosd/internal/intent"
	"github.com/stellarlinkco/telosd/internal/memory"
	"github.com/stellarlinkco/telosd/internal/model"
	"github.com/stellarlinkco/telosd/internal/rank"
	"github.com/stellarlinkco/telosd/internal/store"
)

// beatEnv wires a full orchestrator against a real workspace and the
// zero-cost stub model tier.
type beatEnv struct {
	store *store.Store
	queue *intent.Manager
	index *rank.Index
	orch  *Orchestrator

	notified []*agent.Outcome
}

func newBeatEnv(t *testing.T) *beatEnv {
	t.Helper()

	st := store.New(t.TempDir(), nil)
	require.NoError(t, st.EnsureLayout())

	beatCfg := config.BeatConfig{IntervalMinutes: 30, IntentThreshold: 0.6, MaxRetries: 2}
	memCfg := config.MemoryConfig{WindowDays: 7, EntityWindowDays: 14, TopK: 5, ContextBudget: 4096}

	queue := intent.NewManager(st, intent.NewKeywordScorer(nil), beatCfg.IntentThreshold, beatCfg.MaxRetries, nil)

	router, err := model.NewRouter(config.RouterConfig{
		DailyBudgetUSD: 5,
		Tiers:          []config.TierConfig{{Name: "local", Provider: "stub"}},
	}, st, nil)
	require.NoError(t, err)

	assembler := memory.NewAssembler(st, memCfg, nil)
	runtime := agent.NewRuntime(router, nil, "telosd", 4, nil)
	index := rank.New(st, nil)

	env := &beatEnv{store: st, queue: queue, index: index}
	env.orch = NewOrchestrator(beatCfg, st, queue, assembler, runtime, index,
		func(_ *intent.Intent, outcome *agent.Outcome) {
			env.notified = append(env.notified, outcome)
		}, nil)
	return env
}

func (env *beatEnv) ingest(t *testing.T, summary string, alignment float64) *intent.Intent {
	t.Helper()
	raw := fmt.Sprintf("---\nsummary: %q\nalignment: %.2f\ncreated_at: %s\n---\n\nbody\n",
		summary, alignment, time.Now().UTC().Format(time.RFC3339))
	in, err := env.queue.Ingest(raw, "test")
	require.NoError(t, err)
	return in
}

func listDir(t *testing.T, root, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, dir))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestBeatProcessesAlignedIntentEndToEnd(t *testing.T) {
	env := newBeatEnv(t)
	in := env.ingest(t, "tidy inbox", 0.8)

	env.orch.runBeat(context.Background())

	// The intent ended up archived with its outcome appended.
	history := listDir(t, env.store.Root(), "intent/history")
	require.Len(t, history, 1)
	data, err := os.ReadFile(filepath.Join(env.store.Root(), "intent/history", history[0]))
	require.NoError(t, err)
	require.Contains(t, string(data), in.ID)
	require.Contains(t, string(data), "## Outcome")

	// The journal carries the trace.
	journal, err := env.store.ReadJournal(time.Now())
	require.NoError(t, err)
	require.Contains(t, journal, "Intent processed: tidy inbox")
	require.Contains(t, journal, "Final answer:")
	require.Contains(t, journal, "### ReAct trace")

	// One L0 record and the SP index entry were written.
	recs, err := env.store.ReadRecords(store.LevelRaw, time.Hour, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Contains(t, recs[0].Text, "tidy inbox ⇒")

	require.Equal(t, 1, env.index.Len())
	require.Equal(t, "tidy inbox", env.index.TopUsed(1)[0].IntentSummary)

	// The notifier saw the outcome.
	require.Len(t, env.notified, 1)
	require.NotEmpty(t, env.notified[0].FinalAnswer)

	// Nothing left in the queue.
	queue, err := env.store.ScanQueue()
	require.NoError(t, err)
	require.Empty(t, queue)
}

func TestBeatDefersBelowThresholdIntent(t *testing.T) {
	env := newBeatEnv(t)
	env.ingest(t, "off mission chatter", 0.3)

	env.orch.runBeat(context.Background())

	deferred, err := env.store.ScanDeferred()
	require.NoError(t, err)
	require.Len(t, deferred, 1)

	// The beat itself was a heartbeat, not an intent run.
	journal, err := env.store.ReadJournal(time.Now())
	require.NoError(t, err)
	require.Contains(t, journal, "heartbeat")
	require.NotContains(t, journal, "Intent processed")
	require.Empty(t, env.notified)
}

func TestEmptyBeatWritesHeartbeat(t *testing.T) {
	env := newBeatEnv(t)
	env.orch.runBeat(context.Background())

	journal, err := env.store.ReadJournal(time.Now())
	require.NoError(t, err)
	require.Contains(t, journal, "No actionable intent this beat.")
}

func TestBeatProcessesOldestIntentFirst(t *testing.T) {
	env := newBeatEnv(t)

	older := fmt.Sprintf("---\nsummary: \"older\"\nalignment: 0.9\ncreated_at: %s\n---\n\nbody\n",
		time.Now().UTC().Add(-time.Hour).Format(time.RFC3339))
	_, err := env.queue.Ingest(older, "test")
	require.NoError(t, err)
	env.ingest(t, "newer", 0.9)

	env.orch.runBeat(context.Background())

	history := listDir(t, env.store.Root(), "intent/history")
	require.Len(t, history, 1)
	data, err := os.ReadFile(filepath.Join(env.store.Root(), "intent/history", history[0]))
	require.NoError(t, err)
	require.Contains(t, string(data), "summary: older")

	queue, err := env.store.ScanQueue()
	require.NoError(t, err)
	require.Len(t, queue, 1)
}

func TestActingFailureRequeuesThenIsolates(t *testing.T) {
	env := newBeatEnv(t)
	env.ingest(t, "doomed work", 0.9)

	// Break the Acting stage: the L0 level path is now a regular file,
	// so appending a record cannot create its directory.
	l0 := filepath.Join(env.store.Root(), "memory", "l0")
	require.NoError(t, os.RemoveAll(l0))
	require.NoError(t, os.WriteFile(l0, []byte("in the way"), 0644))

	// maxRetries 2: two failed beats requeue, the third isolates.
	env.orch.runBeat(context.Background())
	queue, err := env.store.ScanQueue()
	require.NoError(t, err)
	require.Len(t, queue, 1)

	env.orch.runBeat(context.Background())
	env.orch.runBeat(context.Background())

	queue, err = env.store.ScanQueue()
	require.NoError(t, err)
	require.Empty(t, queue)

	failed := listDir(t, env.store.Root(), "intent/queue/failed")
	require.Len(t, failed, 1)
	require.Empty(t, env.notified)

	// Once isolated, the intent never runs again.
	env.orch.runBeat(context.Background())
	failed = listDir(t, env.store.Root(), "intent/queue/failed")
	require.Len(t, failed, 1)
}

func TestRequestBeatCoalesces(t *testing.T) {
	env := newBeatEnv(t)
	for i := 0; i < 10; i++ {
		env.orch.RequestBeat()
	}
	require.Len(t, env.orch.beatCh, 1)
}

func TestStartStopLifecycle(t *testing.T) {
	env := newBeatEnv(t)
	env.ingest(t, "lifecycle check", 0.9)

	require.NoError(t, env.orch.Start())
	require.Error(t, env.orch.Start())

	env.orch.RequestBeat()
	require.Eventually(t, func() bool {
		history := listDir(t, env.store.Root(), "intent/history")
		return len(history) == 1
	}, 5*time.Second, 50*time.Millisecond)

	env.orch.Stop()
	// Stop is idempotent.
	env.orch.Stop()
}
