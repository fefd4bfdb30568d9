package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LLMLogEntry is one model call — successful or failed — in the
// append-only JSONL log under logs/llm/YYYY/MM/DD.jsonl.
type LLMLogEntry struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"phase"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// LLMLogQuery filters ReadLLMLogs. Zero values match everything; a
// zero Limit defaults to 100. Results come back newest first.
type LLMLogQuery struct {
	Model string
	RunID string
	Phase string
	Since time.Time
	Limit int
}

// AppendLLMLogs appends the entries to their per-day log files.
func (s *Store) AppendLLMLogs(entries []LLMLogEntry) error {
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("%w: marshal llm log: %v", ErrPersistFailure, err)
		}
		path := dayPath(filepath.Join(s.root, dirLLMLogs), entry.Timestamp, ".jsonl")
		if err := appendLine(path, append(data, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// ReadLLMLogs walks the log files newest-first and returns entries
// matching the query.
func (s *Store) ReadLLMLogs(query LLMLogQuery) ([]LLMLogEntry, error) {
	if query.Limit <= 0 {
		query.Limit = 100
	}

	logRoot := filepath.Join(s.root, dirLLMLogs)
	var files []string
	err := filepath.WalkDir(logRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("walk llm logs: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	var results []LLMLogEntry
	for _, file := range files {
		lines, err := readLinesReversed(file)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var entry LLMLogEntry
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				return nil, fmt.Errorf("parse %s: %w", file, err)
			}
			if query.Model != "" && !strings.EqualFold(entry.Model, query.Model) {
				continue
			}
			if query.RunID != "" && entry.RunID != query.RunID {
				continue
			}
			if query.Phase != "" && !strings.EqualFold(entry.Phase, query.Phase) {
				continue
			}
			if !query.Since.IsZero() && entry.Timestamp.Before(query.Since) {
				continue
			}
			results = append(results, entry)
			if len(results) >= query.Limit {
				return results, nil
			}
		}
	}
	return results, nil
}

func readLinesReversed(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}
