// Package store is the durable workspace: a file tree of markdown and
// JSONL documents partitioned by intent status and date. Every write is
// atomic at single-file granularity and every move is an os.Rename, so
// any external tool can inspect or edit the workspace between beats.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/telosd/internal/intent"
)

// ErrPersistFailure marks a storage write or move that did not take
// effect. Callers decide whether to retry, requeue or isolate.
var ErrPersistFailure = errors.New("persist failure")

const (
	dirInbox    = "intent/inbox"
	dirDeferred = "intent/inbox/deferred"
	dirQueue    = "intent/queue"
	dirFailed   = "intent/queue/failed"
	dirHistory  = "intent/history"
	dirJournals = "journals"
	dirLLMLogs  = "logs/llm"
	dirSP       = "sp"
)

var requiredDirs = []string{
	dirInbox, dirDeferred, dirQueue, dirFailed, dirHistory,
	dirJournals, dirLLMLogs, dirSP,
	"memory/l0", "memory/l1", "memory/l2", "memory/l3",
}

type Store struct {
	root   string
	logger *zap.Logger
}

func New(root string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, logger: logger}
}

func (s *Store) Root() string { return s.root }

// InboxDir is where new intent documents land; the inbox watcher
// points here.
func (s *Store) InboxDir() string { return filepath.Join(s.root, dirInbox) }

// EnsureLayout creates every partition directory. Safe to call on an
// existing workspace.
func (s *Store) EnsureLayout() error {
	for _, dir := range requiredDirs {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0755); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrPersistFailure, dir, err)
		}
	}
	return nil
}

func (s *Store) intentFilename(in *intent.Intent) string {
	return fmt.Sprintf("%d-%s.md", in.CreatedAt.UTC().Unix(), in.ID)
}

// PersistIntent writes a new intent into the inbox partition.
func (s *Store) PersistIntent(in *intent.Intent) error {
	data, err := in.Render()
	if err != nil {
		return fmt.Errorf("%w: render intent %s: %v", ErrPersistFailure, in.ID, err)
	}
	path := filepath.Join(s.root, dirInbox, s.intentFilename(in))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: write intent %s: %v", ErrPersistFailure, in.ID, err)
	}
	in.Path = path
	in.Status = intent.StatusInbox
	return nil
}

func (s *Store) scanPartition(dir string, status intent.Status) ([]*intent.Intent, error) {
	full := filepath.Join(s.root, dir)
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var out []*intent.Intent
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(full, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		in := intent.ParseLenient(string(data))
		in.Path = path
		in.Status = status
		out = append(out, in)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ScanInbox() ([]*intent.Intent, error) {
	return s.scanPartition(dirInbox, intent.StatusInbox)
}

func (s *Store) ScanQueue() ([]*intent.Intent, error) {
	return s.scanPartition(dirQueue, intent.StatusActive)
}

func (s *Store) ScanDeferred() ([]*intent.Intent, error) {
	return s.scanPartition(dirDeferred, intent.StatusDeferred)
}

func (s *Store) moveIntent(in *intent.Intent, dir string, status intent.Status) error {
	if in.Path == "" {
		return fmt.Errorf("%w: intent %s has no path", ErrPersistFailure, in.ID)
	}
	dest := filepath.Join(s.root, dir, filepath.Base(in.Path))
	if err := os.Rename(in.Path, dest); err != nil {
		return fmt.Errorf("%w: move intent %s to %s: %v", ErrPersistFailure, in.ID, dir, err)
	}
	in.Path = dest
	in.Status = status
	return nil
}

// PromoteToQueue makes an intent Active: inbox (or deferred) → queue.
func (s *Store) PromoteToQueue(in *intent.Intent) error {
	return s.moveIntent(in, dirQueue, intent.StatusActive)
}

// DeferIntent parks a below-threshold intent for later re-evaluation.
func (s *Store) DeferIntent(in *intent.Intent) error {
	return s.moveIntent(in, dirDeferred, intent.StatusDeferred)
}

// QuarantineIntent isolates an intent that exhausted its retries. The
// file is kept for inspection, never retried.
func (s *Store) QuarantineIntent(in *intent.Intent) error {
	return s.moveIntent(in, dirFailed, intent.StatusFailed)
}

// ArchiveIntent moves a completed intent to history, appending the
// final outcome so the archived document is self-contained.
func (s *Store) ArchiveIntent(in *intent.Intent, outcome string) error {
	if err := s.moveIntent(in, dirHistory, intent.StatusArchived); err != nil {
		return err
	}
	if outcome == "" {
		return nil
	}
	f, err := os.OpenFile(in.Path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: open archived intent %s: %v", ErrPersistFailure, in.ID, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "\n## Outcome\n\n%s\n", outcome); err != nil {
		return fmt.Errorf("%w: append outcome to %s: %v", ErrPersistFailure, in.ID, err)
	}
	return nil
}

func dayPath(base string, day time.Time, ext string) string {
	day = day.UTC()
	return filepath.Join(base, day.Format("2006"), day.Format("01"), day.Format("02")+ext)
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrPersistFailure, filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrPersistFailure, path, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("%w: append %s: %v", ErrPersistFailure, path, err)
	}
	return nil
}
