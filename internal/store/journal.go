package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// JournalEntry is one beat's worth of journal text. The trace is
// rendered verbatim under a `### ReAct trace` heading so the daily
// journal doubles as an audit log.
type JournalEntry struct {
	Time        time.Time
	Summary     string
	FinalAnswer string
	Trace       []TraceStep
}

type TraceStep struct {
	Thought     string
	Action      string
	Observation string
}

// AppendJournal appends the entry to journals/YYYY/MM/DD.md.
func (s *Store) AppendJournal(entry JournalEntry) error {
	now := entry.Time
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var trace strings.Builder
	for i, step := range entry.Trace {
		fmt.Fprintf(&trace, "%d. Thought: %s\n   Action: %s\n   Observation: %s\n",
			i+1, step.Thought, step.Action, step.Observation)
	}
	if trace.Len() == 0 {
		trace.WriteString("(no ReAct steps recorded)\n")
	}

	text := fmt.Sprintf("## %s — %s\n\nIntent processed: %s\nFinal answer: %s\n\n### ReAct trace\n%s\n",
		now.Format("15:04:05"),
		entry.Summary,
		entry.Summary,
		entry.FinalAnswer,
		strings.TrimRight(trace.String(), "\n"),
	)

	path := dayPath(filepath.Join(s.root, dirJournals), now, ".md")
	return appendLine(path, []byte(text))
}

// AppendHeartbeat records a no-op beat: nothing actionable was found,
// but the beat itself is observable in the journal.
func (s *Store) AppendHeartbeat(now time.Time) error {
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	text := fmt.Sprintf("## %s — heartbeat\n\nNo actionable intent this beat.\n\n", now.Format("15:04:05"))
	path := dayPath(filepath.Join(s.root, dirJournals), now, ".md")
	return appendLine(path, []byte(text))
}
