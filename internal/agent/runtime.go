// Package agent runs the bounded ReAct loop that turns one intent and
// its assembled context into a final answer plus an auditable trace.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/telosd/internal/intent"
	"github.com/stellarlinkco/telosd/internal/memory"
	"github.com/stellarlinkco/telosd/internal/model"
)

// Step is one think/act/observe unit. Immutable once appended to the
// trace.
type Step struct {
	Index       int
	Thought     string
	Action      string
	Observation string
}

// Outcome is written once per completed loop and never mutated.
type Outcome struct {
	IntentID    string
	RunID       string
	Trace       []Step
	FinalAnswer string
	ModelUsed   string
	CostUSD     float64
	LatencyMs   int64
	Degraded    bool
}

// Completer is the router surface the runtime needs. The router
// already escalates through its tier chain on failure, which gives the
// THINK retry-on-next-tier semantics for free.
type Completer interface {
	Complete(ctx context.Context, runID, phase string, task model.TaskType, risk, impact model.Level, req model.Request) (*model.Result, error)
}

// Executor runs an abstract action outside the runtime and reports
// what happened. A nil executor leaves the model's own projected
// observation in place.
type Executor interface {
	ExecuteAction(ctx context.Context, action string, in *intent.Intent) (string, error)
}

type stepPayload struct {
	Thought     string `json:"thought"`
	Action      string `json:"action"`
	Observation string `json:"observation"`
}

type finalPayload struct {
	FinalAnswer string `json:"final_answer"`
}

const systemPrompt = "You are an autonomous agent executing a ReAct loop. Always answer with valid JSON."

// Terminal actions close the loop before the step ceiling.
func isTerminal(action string) bool {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "answer", "final", "done":
		return true
	}
	return false
}

type Runtime struct {
	router   Completer
	executor Executor
	persona  string
	maxSteps int
	logger   *zap.Logger
}

func NewRuntime(router Completer, executor Executor, persona string, maxSteps int, logger *zap.Logger) *Runtime {
	if maxSteps < 1 {
		maxSteps = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		router:   router,
		executor: executor,
		persona:  persona,
		maxSteps: maxSteps,
		logger:   logger,
	}
}

func formatHistory(steps []Step) string {
	if len(steps) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, step := range steps {
		fmt.Fprintf(&b, "%d. Thought: %s | Action: %s | Observation: %s\n",
			i+1, step.Thought, step.Action, step.Observation)
	}
	return strings.TrimSpace(b.String())
}

func (r *Runtime) thinkPrompt(in *intent.Intent, bc *memory.BeatContext, stepIndex int, steps []Step) string {
	return fmt.Sprintf("# Phase: THINK\nIntent: %s\nBacklog: %d\nPersona: %s\nStep: %d\nContext:\n%s\nHistory:\n%s\nRespond with JSON containing thought, action, observation.",
		in.Summary, bc.BacklogDepth, r.persona, stepIndex+1, bc.Render(), formatHistory(steps))
}

func (r *Runtime) finalPrompt(in *intent.Intent, steps []Step) string {
	return fmt.Sprintf("# Phase: FINAL\nIntent: %s\nPersona: %s\nHistory:\n%s\nRespond with JSON containing final_answer.",
		in.Summary, r.persona, formatHistory(steps))
}

// Retried work is riskier; high-alignment work has high impact. Both
// bump the router's starting tier one rung.
func classify(in *intent.Intent) (risk, impact model.Level) {
	risk = model.LevelLow
	if in.FailureCount > 0 {
		risk = model.LevelHigh
	}
	impact = model.LevelLow
	if in.AlignmentScore >= 0.9 {
		impact = model.LevelHigh
	}
	return risk, impact
}

// Run drives Start → Think → Act → Observe → {Think | Final} → Done.
// It always returns an Outcome: when every tier fails or the budget
// runs out, the outcome is a Final explicitly marked degraded, never
// an unhandled fault.
func (r *Runtime) Run(ctx context.Context, in *intent.Intent, bc *memory.BeatContext) *Outcome {
	started := time.Now()
	runID := uuid.NewString()
	risk, impact := classify(in)

	outcome := &Outcome{
		IntentID: in.ID,
		RunID:    runID,
	}

	degraded := false
	var steps []Step

	for i := 0; i < r.maxSteps; i++ {
		res, err := r.router.Complete(ctx, runID, "THINK", model.TaskReasoning, risk, impact, model.Request{
			System:      systemPrompt,
			Prompt:      r.thinkPrompt(in, bc, i, steps),
			Temperature: 0.2,
		})
		if err != nil {
			r.logger.Warn("think step failed on every tier",
				zap.String("run", runID), zap.Int("step", i+1), zap.Error(err))
			degraded = true
			break
		}
		outcome.ModelUsed = res.Model
		outcome.CostUSD += res.CostUSD

		var payload stepPayload
		if err := json.Unmarshal([]byte(res.Text), &payload); err != nil {
			r.logger.Warn("unparseable think response",
				zap.String("run", runID), zap.Int("step", i+1), zap.Error(err))
			degraded = true
			break
		}

		step := Step{
			Index:       i + 1,
			Thought:     payload.Thought,
			Action:      payload.Action,
			Observation: payload.Observation,
		}
		if r.executor != nil && step.Action != "" {
			observed, err := r.executor.ExecuteAction(ctx, step.Action, in)
			if err != nil {
				step.Observation = fmt.Sprintf("action %s failed: %v", step.Action, err)
			} else if observed != "" {
				step.Observation = observed
			}
		}
		steps = append(steps, step)

		if isTerminal(step.Action) {
			break
		}
	}
	outcome.Trace = steps

	if !degraded {
		res, err := r.router.Complete(ctx, runID, "FINAL", model.TaskReasoning, risk, impact, model.Request{
			System:      systemPrompt,
			Prompt:      r.finalPrompt(in, steps),
			Temperature: 0.2,
		})
		if err != nil {
			r.logger.Warn("final step failed on every tier", zap.String("run", runID), zap.Error(err))
			degraded = true
		} else {
			outcome.ModelUsed = res.Model
			outcome.CostUSD += res.CostUSD
			var payload finalPayload
			if err := json.Unmarshal([]byte(res.Text), &payload); err == nil && payload.FinalAnswer != "" {
				outcome.FinalAnswer = payload.FinalAnswer
			} else {
				outcome.FinalAnswer = strings.TrimSpace(res.Text)
			}
		}
	}

	if degraded || outcome.FinalAnswer == "" {
		outcome.Degraded = true
		outcome.FinalAnswer = degradedAnswer(in, steps)
	}
	outcome.LatencyMs = time.Since(started).Milliseconds()

	r.logger.Info("react loop done",
		zap.String("run", runID),
		zap.String("intent", in.ID),
		zap.Int("steps", len(steps)),
		zap.Bool("degraded", outcome.Degraded),
		zap.Float64("costUsd", outcome.CostUSD))
	return outcome
}

func degradedAnswer(in *intent.Intent, steps []Step) string {
	var observations []string
	for _, step := range steps {
		if strings.TrimSpace(step.Observation) != "" {
			observations = append(observations, step.Observation)
		}
	}
	if len(observations) == 0 {
		return fmt.Sprintf("Degraded completion: no model tier was available to process '%s'; no observations were collected.", in.Summary)
	}
	return fmt.Sprintf("Degraded completion for '%s' based on partial observations: %s",
		in.Summary, strings.Join(observations, "; "))
}
