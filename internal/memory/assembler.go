// Package memory builds per-beat context from the durable store and
// runs the compression jobs that keep the store's history levels
// populated. Context is never cached: every beat re-reads the store.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/telosd/internal/config"
	"github.com/stellarlinkco/telosd/internal/intent"
	"github.com/stellarlinkco/telosd/internal/store"
)

// ErrContextUnavailable means a store read failed while assembling.
// The beat aborts without mutating any state.
var ErrContextUnavailable = errors.New("context unavailable")

// Reader is the read-only slice of the store the assembler needs.
type Reader interface {
	ReadRecords(level int, window time.Duration, limit int) ([]store.Record, error)
	ReadEntities(window time.Duration, k int) ([]store.Entity, error)
}

type ContextSection struct {
	Title string
	Lines []string
}

// BeatContext is owned by the beat that assembled it and discarded
// when the beat ends.
type BeatContext struct {
	Intent         *intent.Intent
	BacklogDepth   int
	RecentRecords  []store.Record
	RankedEntities []store.Entity
	Sections       []ContextSection
	TokensUsed     int
}

// Render flattens the sections into the prompt block handed to the
// agent runtime.
func (bc *BeatContext) Render() string {
	var b strings.Builder
	for _, sec := range bc.Sections {
		if len(sec.Lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "### %s\n", sec.Title)
		for _, line := range sec.Lines {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Rough token estimate, four bytes per token.
func tokens(s string) int {
	return len(s)/4 + 1
}

// Assembler builds BeatContext under a token budget, in strict
// priority order: raw recency first, then ranking, then declared
// references, then compressed backfill.
type Assembler struct {
	reader Reader
	cfg    config.MemoryConfig
	logger *zap.Logger
}

func NewAssembler(reader Reader, cfg config.MemoryConfig, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{reader: reader, cfg: cfg, logger: logger}
}

// Assemble re-reads the store and builds the context for one beat.
func (a *Assembler) Assemble(in *intent.Intent, backlogDepth int) (*BeatContext, error) {
	bc := &BeatContext{
		Intent:       in,
		BacklogDepth: backlogDepth,
	}
	budget := a.cfg.ContextBudget
	window := time.Duration(a.cfg.WindowDays) * 24 * time.Hour
	entityWindow := time.Duration(a.cfg.EntityWindowDays) * 24 * time.Hour

	// 1. Raw L0 records inside the trailing window, newest first.
	raw, err := a.reader.ReadRecords(store.LevelRaw, window, a.cfg.TopK*4)
	if err != nil {
		return nil, fmt.Errorf("%w: read l0: %v", ErrContextUnavailable, err)
	}
	bc.RecentRecords = raw
	recent := ContextSection{Title: "Recent activity"}
	for _, rec := range raw {
		line := fmt.Sprintf("%s %s", rec.Timestamp.UTC().Format("2006-01-02 15:04"), rec.Text)
		if bc.TokensUsed+tokens(line) > budget {
			break
		}
		recent.Lines = append(recent.Lines, line)
		bc.TokensUsed += tokens(line)
	}
	bc.Sections = append(bc.Sections, recent)

	// 2. Top-used entities inside the entity window.
	entities, err := a.reader.ReadEntities(entityWindow, a.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("%w: read entities: %v", ErrContextUnavailable, err)
	}
	bc.RankedEntities = entities
	ranked := ContextSection{Title: "Ranked entities"}
	for _, ent := range entities {
		line := fmt.Sprintf("%s (%d refs, last %s)", ent.Key, ent.FrequencyWindow,
			ent.LastReferencedAt.UTC().Format("2006-01-02"))
		if bc.TokensUsed+tokens(line) > budget {
			break
		}
		ranked.Lines = append(ranked.Lines, line)
		bc.TokensUsed += tokens(line)
	}
	bc.Sections = append(bc.Sections, ranked)

	// 3. References the intent declares in its front-matter. Anchors
	// only, never the referenced content itself.
	if len(in.Refs) > 0 {
		refs := ContextSection{Title: "Declared references"}
		for _, ref := range in.Refs {
			line := fmt.Sprintf("anchor: %s", ref)
			if bc.TokensUsed+tokens(line) > budget {
				break
			}
			refs.Lines = append(refs.Lines, line)
			bc.TokensUsed += tokens(line)
		}
		bc.Sections = append(bc.Sections, refs)
	}

	// 4. Backfill with compressed history until the budget runs out.
	for _, level := range []struct {
		level int
		title string
	}{
		{store.LevelDaily, "Daily summaries"},
		{store.LevelEntity, "Entity cards"},
		{store.LevelSeasonal, "Periodic reports"},
	} {
		if bc.TokensUsed >= budget {
			break
		}
		recs, err := a.reader.ReadRecords(level.level, 0, a.cfg.TopK)
		if err != nil {
			return nil, fmt.Errorf("%w: read l%d: %v", ErrContextUnavailable, level.level, err)
		}
		sec := ContextSection{Title: level.title}
		for _, rec := range recs {
			line := rec.Text
			if rec.Anchor.Path != "" {
				line = fmt.Sprintf("%s (see %s)", rec.Text, rec.Anchor.Path)
			}
			if bc.TokensUsed+tokens(line) > budget {
				break
			}
			sec.Lines = append(sec.Lines, line)
			bc.TokensUsed += tokens(line)
		}
		if len(sec.Lines) > 0 {
			bc.Sections = append(bc.Sections, sec)
		}
	}

	a.logger.Debug("context assembled",
		zap.String("intent", in.ID),
		zap.Int("tokens", bc.TokensUsed),
		zap.Int("budget", budget),
		zap.Int("sections", len(bc.Sections)))
	return bc, nil
}
