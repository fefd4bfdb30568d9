package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/telosd/internal/config"
	"github.com/stellarlinkco/telosd/internal/model"
	"github.com/stellarlinkco/telosd/internal/store"
)

const dailyCompressPrompt = `Summarize the following activity log into at most five short bullet points.
Keep concrete names, decisions and outcomes. Plain text, one bullet per line.`

const weeklyCompressPrompt = `Merge the following daily summaries and entity cards into one short
weekly report: main themes, recurring subjects, open threads. Plain text.`

const maxSummaryLen = 800

// Compressor produces the L1/L2/L3 levels from the levels below them.
// It runs from cron, outside the beat. The router is optional in the
// sense that every job has a mechanical fallback: an LLM failure is
// logged and degraded output is written, never an error upward.
type Compressor struct {
	store  *store.Store
	router *model.Router
	cfg    config.MemoryConfig
	logger *zap.Logger
}

func NewCompressor(st *store.Store, router *model.Router, cfg config.MemoryConfig, logger *zap.Logger) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compressor{store: st, router: router, cfg: cfg, logger: logger}
}

func (c *Compressor) summarize(ctx context.Context, prompt, content string) (string, bool) {
	if c.router == nil {
		return "", false
	}
	res, err := c.router.Complete(ctx, uuid.NewString(), "COMPRESS",
		model.TaskRoutine, model.LevelLow, model.LevelLow, model.Request{
			System: "You compress an agent's activity history. Answer with plain text only.",
			Prompt: prompt + "\n\n" + content,
		})
	if err != nil {
		c.logger.Warn("compression llm call failed, using mechanical rollup", zap.Error(err))
		return "", false
	}
	return strings.TrimSpace(res.Text), true
}

func mechanicalRollup(lines []string, max int) string {
	if len(lines) > max {
		lines = lines[:max]
	}
	var b strings.Builder
	for _, line := range lines {
		b.WriteString("• ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// DailyCompress rolls the trailing day of L0 records into one L1
// summary record anchored at that day's journal.
func (c *Compressor) DailyCompress(ctx context.Context) error {
	day := time.Now().UTC().AddDate(0, 0, -1)

	records, err := c.store.ReadRecords(store.LevelRaw, 48*time.Hour, 0)
	if err != nil {
		return fmt.Errorf("daily compress read l0: %w", err)
	}
	var lines []string
	for _, rec := range records {
		if rec.Timestamp.UTC().Format("2006-01-02") != day.Format("2006-01-02") {
			continue
		}
		if strings.TrimSpace(rec.Text) != "" {
			lines = append(lines, rec.Text)
		}
	}
	if len(lines) == 0 {
		return nil
	}

	summary, ok := c.summarize(ctx, dailyCompressPrompt, strings.Join(lines, "\n"))
	if !ok || summary == "" {
		summary = mechanicalRollup(lines, 10)
	}

	rec := store.Record{
		Level: store.LevelDaily,
		Text:  truncate(summary, maxSummaryLen),
		Anchor: store.Anchor{
			Label: "journal " + day.Format("2006-01-02"),
			Path:  "journals/" + day.Format("2006/01/02") + ".md",
		},
		Timestamp: day,
	}
	if err := c.store.AppendRecord(rec); err != nil {
		return fmt.Errorf("daily compress write l1: %w", err)
	}
	c.logger.Info("daily compression complete",
		zap.String("day", day.Format("2006-01-02")),
		zap.Int("sourceLines", len(lines)))
	return nil
}

// RebuildEntityCards rewrites one L2 card per top-used entity from the
// L1 summaries that mention it.
func (c *Compressor) RebuildEntityCards(ctx context.Context) error {
	window := time.Duration(c.cfg.EntityWindowDays) * 24 * time.Hour
	entities, err := c.store.ReadEntities(window, c.cfg.TopK*2)
	if err != nil {
		return fmt.Errorf("entity cards read entities: %w", err)
	}
	if len(entities) == 0 {
		return nil
	}
	summaries, err := c.store.ReadRecords(store.LevelDaily, window, 0)
	if err != nil {
		return fmt.Errorf("entity cards read l1: %w", err)
	}

	for _, ent := range entities {
		var lines []string
		for _, rec := range summaries {
			if strings.Contains(strings.ToLower(rec.Text), ent.Key) {
				lines = append(lines, rec.Text)
			}
		}
		if len(lines) == 0 {
			continue
		}
		card := fmt.Sprintf("%s: referenced %d times since %s.\n%s",
			ent.Key, ent.FrequencyWindow,
			time.Now().UTC().Add(-window).Format("2006-01-02"),
			mechanicalRollup(lines, 5))

		rec := store.Record{
			Level:          store.LevelEntity,
			Text:           truncate(card, maxSummaryLen),
			Anchor:         store.Anchor{Label: "entity " + ent.Key, Path: "memory/entities.json"},
			Timestamp:      time.Now().UTC(),
			ReferenceCount: ent.FrequencyWindow,
		}
		if err := c.store.SaveDocumentRecord(sanitizeName(ent.Key), rec); err != nil {
			c.logger.Warn("entity card write failed", zap.String("entity", ent.Key), zap.Error(err))
		}
	}
	return nil
}

// WeeklyDeepCompress folds the L1 summaries and L2 cards into one L3
// report for the current ISO week.
func (c *Compressor) WeeklyDeepCompress(ctx context.Context) error {
	var lines []string
	for _, level := range []int{store.LevelDaily, store.LevelEntity} {
		recs, err := c.store.ReadRecords(level, 8*24*time.Hour, 0)
		if err != nil {
			return fmt.Errorf("weekly compress read l%d: %w", level, err)
		}
		for _, rec := range recs {
			if strings.TrimSpace(rec.Text) != "" {
				lines = append(lines, rec.Text)
			}
		}
	}
	if len(lines) == 0 {
		return nil
	}

	report, ok := c.summarize(ctx, weeklyCompressPrompt, strings.Join(lines, "\n"))
	if !ok || report == "" {
		report = mechanicalRollup(lines, 15)
	}

	now := time.Now().UTC()
	year, week := now.ISOWeek()
	name := fmt.Sprintf("week-%04d-%02d", year, week)
	rec := store.Record{
		Level:     store.LevelSeasonal,
		Text:      truncate(report, maxSummaryLen*2),
		Anchor:    store.Anchor{Label: name, Path: "memory/l3/" + name + ".json"},
		Timestamp: now,
	}
	if err := c.store.SaveDocumentRecord(name, rec); err != nil {
		return fmt.Errorf("weekly compress write l3: %w", err)
	}
	c.logger.Info("weekly compression complete", zap.String("report", name), zap.Int("sourceLines", len(lines)))
	return nil
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
