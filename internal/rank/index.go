// Package rank maintains the SP index: a ranking of solved intents by
// how often and how recently they were seen. One entry set backs two
// derived orderings; readers always get detached snapshots.
package rank

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry pairs an intent summary with the final answer that resolved
// it. Count and LastSeenAt drive the two sort views.
type Entry struct {
	IntentSummary string    `json:"summary"`
	FinalAnswer   string    `json:"answer"`
	Count         int       `json:"count"`
	LastSeenAt    time.Time `json:"last_seen"`
}

// Persister saves and restores the index document, sp/index.json in
// the durable store.
type Persister interface {
	SaveSPIndex(v any) error
	LoadSPIndex(v any) (bool, error)
}

// Keep the persisted set bounded; entries that fall off the bottom by
// count (then recency) stop being worth retrieving.
const maxEntries = 100

type persistedIndex struct {
	Entries []Entry `json:"entries"`
}

// Index is safe for one writer and many readers. The write path is the
// beat's Logging stage; reads happen from the CLI and the context
// assembler.
type Index struct {
	persister Persister
	logger    *zap.Logger

	mu      sync.RWMutex
	entries []Entry
}

// New loads any persisted index. A missing or unreadable document
// starts the index empty; retrieval quality degrades, nothing fails.
func New(persister Persister, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &Index{persister: persister, logger: logger}

	if persister != nil {
		var doc persistedIndex
		found, err := persister.LoadSPIndex(&doc)
		if err != nil {
			logger.Warn("sp index load failed, starting empty", zap.Error(err))
		} else if found {
			idx.entries = doc.Entries
		}
	}
	return idx
}

// Update upserts the (summary, answer) pair: a repeat increments its
// count, a new pair starts at one; LastSeenAt always refreshes.
// Persistence is best-effort — a write failure is logged and the
// in-memory index stays authoritative for the process lifetime.
func (idx *Index) Update(summary, answer string, now time.Time) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	idx.mu.Lock()
	found := false
	for i := range idx.entries {
		if idx.entries[i].IntentSummary == summary && idx.entries[i].FinalAnswer == answer {
			idx.entries[i].Count++
			idx.entries[i].LastSeenAt = now
			found = true
			break
		}
	}
	if !found {
		idx.entries = append(idx.entries, Entry{
			IntentSummary: summary,
			FinalAnswer:   answer,
			Count:         1,
			LastSeenAt:    now,
		})
	}
	if len(idx.entries) > maxEntries {
		sortTopUsed(idx.entries)
		idx.entries = idx.entries[:maxEntries]
	}
	snapshot := make([]Entry, len(idx.entries))
	copy(snapshot, idx.entries)
	idx.mu.Unlock()

	if idx.persister == nil {
		return
	}
	if err := idx.persister.SaveSPIndex(persistedIndex{Entries: snapshot}); err != nil {
		idx.logger.Warn("sp index persist failed", zap.Error(err))
	}
}

func sortTopUsed(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].LastSeenAt.After(entries[j].LastSeenAt)
	})
}

func (idx *Index) snapshot() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Entry, len(idx.entries))
	copy(out, idx.entries)
	return out
}

// TopUsed returns up to n entries ordered by count descending,
// last-seen descending as the tie-break.
func (idx *Index) TopUsed(n int) []Entry {
	entries := idx.snapshot()
	sortTopUsed(entries)
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// MostRecent returns up to n entries ordered by last-seen descending.
func (idx *Index) MostRecent(n int) []Entry {
	entries := idx.snapshot()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastSeenAt.After(entries[j].LastSeenAt)
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// Len reports the size of the entry set.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}
