package beat

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInboxWatcherRequestsBeatOnNewIntent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "deferred"), 0755))

	var requests atomic.Int32
	w := NewInboxWatcher(dir, func() { requests.Add(1) }, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "1-intent.md"), []byte("---\nsummary: x\n---\n\nbody\n"), 0644))

	require.Eventually(t, func() bool {
		return requests.Load() == 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestInboxWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()

	var requests atomic.Int32
	w := NewInboxWatcher(dir, func() { requests.Add(1) }, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	// An editor-style burst: several writes in quick succession.
	path := filepath.Join(dir, "2-intent.md")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("---\nsummary: x\n---\n\nbody\n"), 0644))
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return requests.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)

	// The debounce window has passed; no extra requests trickle in.
	time.Sleep(2 * watchDebounce)
	require.Equal(t, int32(1), requests.Load())
}

func TestInboxWatcherIgnoresNonIntentFiles(t *testing.T) {
	dir := t.TempDir()

	var requests atomic.Int32
	w := NewInboxWatcher(dir, func() { requests.Add(1) }, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an intent"), 0644))

	time.Sleep(2 * watchDebounce)
	require.Equal(t, int32(0), requests.Load())
}

func TestInboxWatcherIgnoresDeferredSubdir(t *testing.T) {
	dir := t.TempDir()
	deferred := filepath.Join(dir, "deferred")
	require.NoError(t, os.MkdirAll(deferred, 0755))

	var requests atomic.Int32
	w := NewInboxWatcher(dir, func() { requests.Add(1) }, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(deferred, "3-intent.md"), []byte("parked"), 0644))

	time.Sleep(2 * watchDebounce)
	require.Equal(t, int32(0), requests.Load())
}

func TestInboxWatcherStartFailsOnMissingDir(t *testing.T) {
	w := NewInboxWatcher(filepath.Join(t.TempDir(), "missing"), func() {}, nil)
	require.Error(t, w.Start())
}
