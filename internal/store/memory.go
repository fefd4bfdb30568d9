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

// Memory levels. L0 is raw per-beat records; each higher level is a
// compression product of the one below it.
const (
	LevelRaw      = 0
	LevelDaily    = 1
	LevelEntity   = 2
	LevelSeasonal = 3
)

// Anchor points at a durable document instead of duplicating its
// content.
type Anchor struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

// Record is one memory entry. Text is the short rendered line the
// context assembler emits; anything longer lives behind the anchor.
type Record struct {
	Level          int       `json:"level"`
	Text           string    `json:"text"`
	Anchor         Anchor    `json:"anchor"`
	Timestamp      time.Time `json:"timestamp"`
	ReferenceCount int       `json:"reference_count"`
	Tags           []string  `json:"tags,omitempty"`
}

func levelDir(level int) string {
	return fmt.Sprintf("memory/l%d", level)
}

// AppendRecord appends a record to its level's per-day JSONL file.
func (s *Store) AppendRecord(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal record: %v", ErrPersistFailure, err)
	}
	day := rec.Timestamp.UTC().Format("2006-01-02")
	path := filepath.Join(s.root, levelDir(rec.Level), day+".jsonl")
	return appendLine(path, append(data, '\n'))
}

// SaveDocumentRecord writes a standalone JSON document for the L2/L3
// compression products, one file per name, replacing prior versions.
func (s *Store) SaveDocumentRecord(name string, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal record %s: %v", ErrPersistFailure, name, err)
	}
	path := filepath.Join(s.root, levelDir(rec.Level), name+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrPersistFailure, filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPersistFailure, path, err)
	}
	return nil
}

// ReadRecords returns records of one level inside the trailing window,
// newest first, capped at limit (0 = no cap).
func (s *Store) ReadRecords(level int, window time.Duration, limit int) ([]Record, error) {
	dir := filepath.Join(s.root, levelDir(level))
	cutoff := time.Now().UTC().Add(-window)

	var records []Record
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch {
		case strings.HasSuffix(path, ".jsonl"):
			recs, err := readRecordLines(path)
			if err != nil {
				return err
			}
			records = append(records, recs...)
		case strings.HasSuffix(path, ".json"):
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	filtered := records[:0]
	for _, rec := range records {
		if window > 0 && rec.Timestamp.Before(cutoff) {
			continue
		}
		filtered = append(filtered, rec)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func readRecordLines(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return records, nil
}

// Entity is the read-side view of the entity reference index: how
// often a key was referenced inside the trailing window and when it was
// last seen.
type Entity struct {
	Key              string    `json:"key"`
	FrequencyWindow  int       `json:"frequency_window"`
	LastReferencedAt time.Time `json:"last_referenced_at"`
}

// Keep only the most recent reference timestamps per entity; anything
// older than any realistic window adds nothing to the counts.
const maxEntityRefs = 200

const entitiesFile = "memory/entities.json"

func (s *Store) loadEntityRefs() (map[string][]time.Time, error) {
	data, err := os.ReadFile(filepath.Join(s.root, entitiesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]time.Time{}, nil
		}
		return nil, fmt.Errorf("read entities: %w", err)
	}
	refs := map[string][]time.Time{}
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("parse entities: %w", err)
	}
	return refs, nil
}

// TouchEntities records one reference to each key at the given time.
// Entities are never deleted; old references simply age out of every
// read window.
func (s *Store) TouchEntities(keys []string, at time.Time) error {
	if len(keys) == 0 {
		return nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	refs, err := s.loadEntityRefs()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}
	for _, key := range keys {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		updated := append(refs[key], at.UTC())
		if len(updated) > maxEntityRefs {
			updated = updated[len(updated)-maxEntityRefs:]
		}
		refs[key] = updated
	}

	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal entities: %v", ErrPersistFailure, err)
	}
	if err := os.WriteFile(filepath.Join(s.root, entitiesFile), data, 0644); err != nil {
		return fmt.Errorf("%w: write entities: %v", ErrPersistFailure, err)
	}
	return nil
}

// ReadEntities returns the k most-referenced entities inside the
// trailing window, ties broken by most recent reference. Decay is
// evaluated here, at read time; the index itself is never pruned of
// keys.
func (s *Store) ReadEntities(window time.Duration, k int) ([]Entity, error) {
	refs, err := s.loadEntityRefs()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-window)
	var entities []Entity
	for key, times := range refs {
		var count int
		var last time.Time
		for _, t := range times {
			if t.After(last) {
				last = t
			}
			if window <= 0 || !t.Before(cutoff) {
				count++
			}
		}
		if count == 0 {
			continue
		}
		entities = append(entities, Entity{
			Key:              key,
			FrequencyWindow:  count,
			LastReferencedAt: last,
		})
	}

	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].FrequencyWindow != entities[j].FrequencyWindow {
			return entities[i].FrequencyWindow > entities[j].FrequencyWindow
		}
		return entities[i].LastReferencedAt.After(entities[j].LastReferencedAt)
	})
	if k > 0 && len(entities) > k {
		entities = entities[:k]
	}
	return entities, nil
}

const spIndexFile = "sp/index.json"

// SaveSPIndex rewrites sp/index.json with the given document.
func (s *Store) SaveSPIndex(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal sp index: %v", ErrPersistFailure, err)
	}
	path := filepath.Join(s.root, spIndexFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: create sp dir: %v", ErrPersistFailure, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: write sp index: %v", ErrPersistFailure, err)
	}
	return nil
}

// LoadSPIndex reads sp/index.json into v. A missing file leaves v
// untouched and returns false.
func (s *Store) LoadSPIndex(v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.root, spIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read sp index: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse sp index: %w", err)
	}
	return true, nil
}

// ReadJournal returns the raw journal markdown for one day, empty when
// none exists.
func (s *Store) ReadJournal(day time.Time) (string, error) {
	path := dayPath(filepath.Join(s.root, dirJournals), day, ".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read journal: %w", err)
	}
	return string(data), nil
}
