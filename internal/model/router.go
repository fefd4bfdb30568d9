package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/telosd/internal/config"
	"github.com/stellarlinkco/telosd/internal/store"
)

// Tier is one rung of the escalation chain.
type Tier struct {
	Name         string
	Provider     Provider
	CostPer1KIn  float64
	CostPer1KOut float64
}

// LogSink receives one entry per model attempt, success or failure.
type LogSink interface {
	AppendLLMLogs(entries []store.LLMLogEntry) error
}

// Result is one successful model call plus its routing metadata.
type Result struct {
	Text        string
	Tier        string
	Provider    string
	Model       string
	CostUSD     float64
	Latency     time.Duration
	Escalations int
}

// Router walks the tier chain: selection is static per task type,
// bumped one rung by high risk or impact, and escalates further only
// when a tier actually fails. Spend accumulates per calendar day;
// crossing the budget is a hard stop, not a fallback trigger.
type Router struct {
	tiers       []Tier
	dailyBudget float64
	logs        LogSink
	logger      *zap.Logger

	mu    sync.Mutex
	day   string
	spent float64
}

func NewRouter(cfg config.RouterConfig, logs LogSink, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var tiers []Tier
	for _, tc := range cfg.Tiers {
		provider, err := NewProvider(tc)
		if err != nil {
			// A tier without credentials is skipped, not fatal; the
			// chain just gets shorter.
			logger.Warn("model tier skipped", zap.String("tier", tc.Name), zap.Error(err))
			continue
		}
		tiers = append(tiers, Tier{
			Name:         tc.Name,
			Provider:     provider,
			CostPer1KIn:  tc.CostPer1KIn,
			CostPer1KOut: tc.CostPer1KOut,
		})
	}
	if len(tiers) == 0 {
		return nil, errors.New("no usable model tiers configured")
	}

	return &Router{
		tiers:       tiers,
		dailyBudget: cfg.DailyBudgetUSD,
		logs:        logs,
		logger:      logger,
	}, nil
}

// Tiers returns the names of the active chain, cheapest first.
func (r *Router) Tiers() []string {
	names := make([]string, len(r.tiers))
	for i, t := range r.tiers {
		names[i] = t.Name
	}
	return names
}

// Select maps a task to its starting tier index, escalated one rung
// when risk or impact is high.
func (r *Router) Select(task TaskType, risk, impact Level) int {
	var idx int
	switch task {
	case TaskRoutine:
		idx = 0
	case TaskReasoning:
		idx = 1
	case TaskCritical:
		idx = len(r.tiers) - 1
	default:
		idx = 0
	}
	if risk == LevelHigh || impact == LevelHigh {
		idx++
	}
	if idx > len(r.tiers)-1 {
		idx = len(r.tiers) - 1
	}
	return idx
}

// SpentToday reports the budget consumed this calendar day.
func (r *Router) SpentToday() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if today := time.Now().UTC().Format("2006-01-02"); today != r.day {
		return 0
	}
	return r.spent
}

func (r *Router) overBudget() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	today := time.Now().UTC().Format("2006-01-02")
	if today != r.day {
		r.day = today
		r.spent = 0
	}
	return r.spent >= r.dailyBudget
}

func (r *Router) charge(cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spent += cost
}

func (r *Router) logAttempt(entry store.LLMLogEntry) {
	if r.logs == nil {
		return
	}
	if err := r.logs.AppendLLMLogs([]store.LLMLogEntry{entry}); err != nil {
		r.logger.Warn("llm log append failed", zap.Error(err))
	}
}

// Execute runs exactly one tier and logs the attempt. It returns
// ErrBudgetExceeded before calling anything once the daily budget is
// spent.
func (r *Router) Execute(ctx context.Context, tierIdx int, runID, phase string, req Request) (*Result, error) {
	if tierIdx < 0 || tierIdx >= len(r.tiers) {
		return nil, fmt.Errorf("%w: tier index %d out of range", ErrModelUnavailable, tierIdx)
	}
	tier := r.tiers[tierIdx]

	if r.overBudget() {
		err := fmt.Errorf("%w: daily budget %.2f USD spent", ErrBudgetExceeded, r.dailyBudget)
		r.logAttempt(store.LLMLogEntry{
			RunID:     runID,
			Timestamp: time.Now().UTC(),
			Phase:     phase,
			Prompt:    req.Prompt,
			Provider:  tier.Provider.ProviderName(),
			Model:     tier.Provider.ModelName(),
			Err:       err.Error(),
		})
		return nil, err
	}

	start := time.Now()
	resp, err := tier.Provider.Complete(ctx, req)
	latency := time.Since(start)

	entry := store.LLMLogEntry{
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Phase:     phase,
		Prompt:    req.Prompt,
		Provider:  tier.Provider.ProviderName(),
		Model:     tier.Provider.ModelName(),
	}
	if err != nil {
		entry.Err = err.Error()
		r.logAttempt(entry)
		return nil, err
	}
	entry.Response = resp.Text
	r.logAttempt(entry)

	cost := float64(resp.InputTokens)/1000*tier.CostPer1KIn +
		float64(resp.OutputTokens)/1000*tier.CostPer1KOut
	r.charge(cost)

	return &Result{
		Text:     resp.Text,
		Tier:     tier.Name,
		Provider: tier.Provider.ProviderName(),
		Model:    tier.Provider.ModelName(),
		CostUSD:  cost,
		Latency:  latency,
	}, nil
}

// Complete selects a starting tier and escalates through the rest of
// the chain on failure. Budget exhaustion stops the walk immediately;
// otherwise the last tier's error comes back once the chain is
// exhausted.
func (r *Router) Complete(ctx context.Context, runID, phase string, task TaskType, risk, impact Level, req Request) (*Result, error) {
	start := r.Select(task, risk, impact)

	var lastErr error
	for idx := start; idx < len(r.tiers); idx++ {
		res, err := r.Execute(ctx, idx, runID, phase, req)
		if err == nil {
			res.Escalations = idx - start
			return res, nil
		}
		if errors.Is(err, ErrBudgetExceeded) {
			return nil, err
		}
		lastErr = err
		if idx+1 < len(r.tiers) {
			r.logger.Warn("model tier failed, escalating",
				zap.String("tier", r.tiers[idx].Name),
				zap.String("next", r.tiers[idx+1].Name),
				zap.Error(err))
		}
	}
	return nil, fmt.Errorf("all model tiers failed: %w", lastErr)
}
