package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/telosd/internal/intent"
	"github.com/stellarlinkco/telosd/internal/memory"
	"github.com/stellarlinkco/telosd/internal/model"
)

// scriptedCompleter answers THINK and FINAL calls from fixed scripts.
type scriptedCompleter struct {
	thinks    []string
	finals    []string
	err       error
	thinkIdx  int
	finalIdx  int
	calls     int
	lastPhase string
}

func (c *scriptedCompleter) Complete(_ context.Context, _, phase string, _ model.TaskType, _, _ model.Level, _ model.Request) (*model.Result, error) {
	c.calls++
	c.lastPhase = phase
	if c.err != nil {
		return nil, c.err
	}
	var text string
	switch phase {
	case "THINK":
		if c.thinkIdx < len(c.thinks) {
			text = c.thinks[c.thinkIdx]
			c.thinkIdx++
		}
	case "FINAL":
		if c.finalIdx < len(c.finals) {
			text = c.finals[c.finalIdx]
			c.finalIdx++
		}
	}
	return &model.Result{Text: text, Model: "scripted", CostUSD: 0.01}, nil
}

func thinkJSON(thought, action, observation string) string {
	return fmt.Sprintf(`{"thought":%q,"action":%q,"observation":%q}`, thought, action, observation)
}

func testBeatIntent() *intent.Intent {
	return &intent.Intent{
		ID:             "int-1",
		Summary:        "tidy inbox",
		AlignmentScore: 0.7,
		CreatedAt:      time.Now(),
	}
}

func emptyContext() *memory.BeatContext {
	return &memory.BeatContext{BacklogDepth: 2}
}

func TestRunCompletesWithFinalAnswer(t *testing.T) {
	c := &scriptedCompleter{
		thinks: []string{
			thinkJSON("look around", "summarize_intent", "2 items left"),
			thinkJSON("wrap up", "answer", "ready"),
		},
		finals: []string{`{"final_answer":"Inbox tidied."}`},
	}
	rt := NewRuntime(c, nil, "telosd", 4, nil)

	out := rt.Run(context.Background(), testBeatIntent(), emptyContext())
	require.Equal(t, "Inbox tidied.", out.FinalAnswer)
	require.False(t, out.Degraded)
	require.Len(t, out.Trace, 2)
	require.Equal(t, 1, out.Trace[0].Index)
	require.Equal(t, "scripted", out.ModelUsed)
	require.NotEmpty(t, out.RunID)
	// Two THINK calls plus one FINAL.
	require.Equal(t, 3, c.calls)
	require.Equal(t, "FINAL", c.lastPhase)
}

func TestRunStopsAtStepCeiling(t *testing.T) {
	// The model never emits a terminal action.
	loop := thinkJSON("keep going", "summarize_intent", "still busy")
	c := &scriptedCompleter{
		thinks: []string{loop, loop, loop, loop, loop, loop},
		finals: []string{`{"final_answer":"Capped."}`},
	}
	rt := NewRuntime(c, nil, "telosd", 3, nil)

	out := rt.Run(context.Background(), testBeatIntent(), emptyContext())
	require.Len(t, out.Trace, 3)
	require.Equal(t, "Capped.", out.FinalAnswer)
}

func TestRunTerminalActionStopsEarly(t *testing.T) {
	c := &scriptedCompleter{
		thinks: []string{thinkJSON("done already", "done", "nothing to do")},
		finals: []string{`{"final_answer":"Nothing needed."}`},
	}
	rt := NewRuntime(c, nil, "telosd", 4, nil)

	out := rt.Run(context.Background(), testBeatIntent(), emptyContext())
	require.Len(t, out.Trace, 1)
	require.False(t, out.Degraded)
}

func TestRunDegradedWhenAllTiersFail(t *testing.T) {
	c := &scriptedCompleter{err: errors.New("all model tiers failed: model unavailable")}
	rt := NewRuntime(c, nil, "telosd", 4, nil)

	out := rt.Run(context.Background(), testBeatIntent(), emptyContext())
	require.True(t, out.Degraded)
	require.Contains(t, out.FinalAnswer, "Degraded completion")
	require.Empty(t, out.Trace)
	// No FINAL call once THINK already failed on every tier.
	require.Equal(t, 1, c.calls)
}

func TestRunDegradedKeepsPartialObservations(t *testing.T) {
	c := &scriptedCompleter{
		thinks: []string{
			thinkJSON("first pass", "summarize_intent", "saw three items"),
			"this is not json",
		},
	}
	rt := NewRuntime(c, nil, "telosd", 4, nil)

	out := rt.Run(context.Background(), testBeatIntent(), emptyContext())
	require.True(t, out.Degraded)
	require.Len(t, out.Trace, 1)
	require.Contains(t, out.FinalAnswer, "saw three items")
}

func TestRunFinalFallsBackToRawText(t *testing.T) {
	c := &scriptedCompleter{
		thinks: []string{thinkJSON("t", "answer", "o")},
		finals: []string{"  plain text answer  "},
	}
	rt := NewRuntime(c, nil, "telosd", 4, nil)

	out := rt.Run(context.Background(), testBeatIntent(), emptyContext())
	require.Equal(t, "plain text answer", out.FinalAnswer)
	require.False(t, out.Degraded)
}

type recordingExecutor struct {
	actions []string
	result  string
	err     error
}

func (e *recordingExecutor) ExecuteAction(_ context.Context, action string, _ *intent.Intent) (string, error) {
	e.actions = append(e.actions, action)
	return e.result, e.err
}

func TestRunExecutorOverridesObservation(t *testing.T) {
	c := &scriptedCompleter{
		thinks: []string{thinkJSON("t", "flag-for-escalation", "projected")},
		finals: []string{`{"final_answer":"ok"}`},
	}
	ex := &recordingExecutor{result: "Escalation recorded."}
	rt := NewRuntime(c, ex, "telosd", 1, nil)

	out := rt.Run(context.Background(), testBeatIntent(), emptyContext())
	require.Equal(t, []string{"flag-for-escalation"}, ex.actions)
	require.Equal(t, "Escalation recorded.", out.Trace[0].Observation)
}

func TestRunExecutorFailureBecomesObservation(t *testing.T) {
	c := &scriptedCompleter{
		thinks: []string{thinkJSON("t", "deploy", "projected")},
		finals: []string{`{"final_answer":"ok"}`},
	}
	ex := &recordingExecutor{err: errors.New("tool broken")}
	rt := NewRuntime(c, ex, "telosd", 1, nil)

	out := rt.Run(context.Background(), testBeatIntent(), emptyContext())
	require.Contains(t, out.Trace[0].Observation, "action deploy failed")
	require.Contains(t, out.Trace[0].Observation, "tool broken")
}

func TestFormatHistory(t *testing.T) {
	require.Equal(t, "(none)", formatHistory(nil))

	steps := []Step{
		{Thought: "a", Action: "b", Observation: "c"},
		{Thought: "d", Action: "e", Observation: "f"},
	}
	text := formatHistory(steps)
	require.Contains(t, text, "1. Thought: a | Action: b | Observation: c")
	require.Contains(t, text, "2. Thought: d | Action: e | Observation: f")
}

func TestClassify(t *testing.T) {
	in := testBeatIntent()
	risk, impact := classify(in)
	require.Equal(t, model.LevelLow, risk)
	require.Equal(t, model.LevelLow, impact)

	in.FailureCount = 1
	in.AlignmentScore = 0.95
	risk, impact = classify(in)
	require.Equal(t, model.LevelHigh, risk)
	require.Equal(t, model.LevelHigh, impact)
}
