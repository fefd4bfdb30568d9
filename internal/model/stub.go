package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StubProvider is the zero-cost local tier. It understands the two
// beat phases and answers with well-formed phase JSON, which keeps the
// daemon fully operational with no API key configured.
type StubProvider struct{}

func NewStubProvider() *StubProvider { return &StubProvider{} }

func (s *StubProvider) ProviderName() string { return "local_stub" }
func (s *StubProvider) ModelName() string    { return "local_stub" }

func (s *StubProvider) Complete(_ context.Context, req Request) (*Response, error) {
	prompt := req.Prompt
	switch {
	case strings.Contains(prompt, "# Phase: THINK"):
		intent := extractValue(prompt, "Intent:")
		if intent == "" {
			intent = "intent"
		}
		backlog, _ := strconv.Atoi(extractValue(prompt, "Backlog:"))
		payload, _ := json.Marshal(map[string]string{
			"thought":     fmt.Sprintf("Focus on intent '%s' using available context", intent),
			"action":      "summarize_intent",
			"observation": fmt.Sprintf("Remaining backlog count: %d", backlog),
		})
		return &Response{Text: string(payload)}, nil
	case strings.Contains(prompt, "# Phase: FINAL"):
		intent := extractValue(prompt, "Intent:")
		if intent == "" {
			intent = "intent"
		}
		persona := extractValue(prompt, "Persona:")
		if persona == "" {
			persona = "Agent"
		}
		payload, _ := json.Marshal(map[string]string{
			"final_answer": fmt.Sprintf("%s completed the plan for '%s'", persona, intent),
		})
		return &Response{Text: string(payload)}, nil
	default:
		return nil, fmt.Errorf("%w: stub model only supports THINK and FINAL phases", ErrModelUnavailable)
	}
}

func extractValue(prompt, key string) string {
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, key); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}
