// Package intent defines the unit of work the daemon acts on and the
// queue manager that moves intents between their lifecycle partitions.
package intent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrInvalidIntent marks raw input that cannot become an intent. The
// input never enters a partition.
var ErrInvalidIntent = errors.New("invalid intent")

type Status string

const (
	StatusInbox    Status = "inbox"
	StatusDeferred Status = "deferred"
	StatusActive   Status = "active"
	StatusFailed   Status = "failed"
	StatusArchived Status = "archived"
)

// Intent is a markdown document with YAML front-matter. Its
// authoritative location on disk is derived from Status; the struct is
// an in-memory view, never the source of truth.
type Intent struct {
	ID             string
	Source         string
	Summary        string
	Body           string
	AlignmentScore float64
	CreatedAt      time.Time
	Status         Status
	FailureCount   int
	Refs           []string
	Path           string
}

type frontMatter struct {
	ID        string   `yaml:"id"`
	Source    string   `yaml:"source"`
	Summary   string   `yaml:"summary"`
	Alignment *float64 `yaml:"alignment"`
	CreatedAt string   `yaml:"created_at"`
	Refs      []string `yaml:"refs,omitempty"`
}

const frontMatterDelim = "---"

func splitFrontMatter(raw string) (meta string, body string, ok bool) {
	trimmed := strings.TrimLeft(raw, "\n\r \t")
	if !strings.HasPrefix(trimmed, frontMatterDelim) {
		return "", "", false
	}
	rest := trimmed[len(frontMatterDelim):]
	idx := strings.Index(rest, "\n"+frontMatterDelim)
	if idx < 0 {
		return "", "", false
	}
	meta = rest[:idx]
	body = rest[idx+len(frontMatterDelim)+1:]
	body = strings.TrimPrefix(body, "\n")
	return meta, strings.TrimSpace(body), true
}

// Parse decodes a raw markdown document strictly: front-matter must be
// present and carry a summary. A missing alignment score is allowed only
// when the caller can supply one (see Manager.Ingest).
func Parse(raw string) (*Intent, error) {
	meta, body, ok := splitFrontMatter(raw)
	if !ok {
		return nil, fmt.Errorf("%w: missing front-matter", ErrInvalidIntent)
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(meta), &fm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	if strings.TrimSpace(fm.Summary) == "" {
		return nil, fmt.Errorf("%w: missing summary", ErrInvalidIntent)
	}

	in := &Intent{
		ID:      fm.ID,
		Source:  fm.Source,
		Summary: strings.TrimSpace(fm.Summary),
		Body:    body,
		Refs:    fm.Refs,
		Status:  StatusInbox,
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Source == "" {
		in.Source = "inbox"
	}
	if fm.Alignment != nil {
		if *fm.Alignment < 0 || *fm.Alignment > 1 {
			return nil, fmt.Errorf("%w: alignment %v out of range", ErrInvalidIntent, *fm.Alignment)
		}
		in.AlignmentScore = *fm.Alignment
	} else {
		in.AlignmentScore = -1 // not yet scored
	}
	if fm.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339, fm.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: bad created_at: %v", ErrInvalidIntent, err)
		}
		in.CreatedAt = ts.UTC()
	} else {
		in.CreatedAt = time.Now().UTC()
	}
	return in, nil
}

// ParseLenient decodes an already-persisted partition file, defaulting
// anything missing. Files that made it into a partition are trusted.
func ParseLenient(raw string) *Intent {
	in, err := Parse(raw)
	if err == nil {
		if in.AlignmentScore < 0 {
			in.AlignmentScore = 0
		}
		return in
	}

	// No usable front-matter: treat the whole document as the body and
	// its first line as the summary.
	body := strings.TrimSpace(raw)
	summary := body
	if idx := strings.IndexByte(summary, '\n'); idx >= 0 {
		summary = summary[:idx]
	}
	summary = strings.TrimSpace(strings.TrimPrefix(summary, "#"))
	if summary == "" {
		summary = "(untitled intent)"
	}
	return &Intent{
		ID:        uuid.NewString(),
		Source:    "inbox",
		Summary:   summary,
		Body:      body,
		CreatedAt: time.Now().UTC(),
		Status:    StatusInbox,
	}
}

// Render encodes the intent back to its on-disk markdown form.
func (in *Intent) Render() ([]byte, error) {
	score := in.AlignmentScore
	fm := frontMatter{
		ID:        in.ID,
		Source:    in.Source,
		Summary:   in.Summary,
		Alignment: &score,
		CreatedAt: in.CreatedAt.UTC().Format(time.RFC3339),
		Refs:      in.Refs,
	}
	meta, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("marshal front-matter: %w", err)
	}

	var b strings.Builder
	b.WriteString(frontMatterDelim)
	b.WriteString("\n")
	b.Write(meta)
	b.WriteString(frontMatterDelim)
	b.WriteString("\n\n")
	b.WriteString(in.Body)
	b.WriteString("\n")
	return []byte(b.String()), nil
}
