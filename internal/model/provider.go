// Package model routes reasoning requests across an ordered chain of
// model tiers, charging every call against a daily budget and logging
// every attempt to the durable LLM log.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/telosd/internal/config"
)

var (
	// ErrModelUnavailable covers provider failures that justify
	// falling back to another tier.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrRateLimited is a provider 429; also a fallback trigger.
	ErrRateLimited = errors.New("rate limited")
	// ErrBudgetExceeded is a hard stop: no further model calls today.
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// Level grades risk and impact for tier selection.
type Level int

const (
	LevelLow Level = iota
	LevelHigh
)

// TaskType maps to a static starting tier.
type TaskType string

const (
	// TaskRoutine starts at the cheapest tier (background work,
	// compression rollups).
	TaskRoutine TaskType = "routine"
	// TaskReasoning starts one tier up (beat THINK/FINAL phases).
	TaskReasoning TaskType = "reasoning"
	// TaskCritical starts at the most capable tier.
	TaskCritical TaskType = "critical"
)

type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Provider is one concrete model endpoint. Implementations return
// ErrRateLimited or ErrModelUnavailable (wrapped) on failure so the
// router can decide about fallback.
type Provider interface {
	ProviderName() string
	ModelName() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// NewProvider builds a provider from one tier's configuration.
func NewProvider(tc config.TierConfig) (Provider, error) {
	switch tc.Provider {
	case "stub", "local", "":
		return NewStubProvider(), nil
	case "openai":
		if tc.APIKey == "" {
			return nil, fmt.Errorf("tier %s: openai api key not configured", tc.Name)
		}
		return NewOpenAIProvider(tc.APIKey, tc.BaseURL, tc.Model, tc.MaxTokens), nil
	case "anthropic":
		if tc.APIKey == "" {
			return nil, fmt.Errorf("tier %s: anthropic api key not configured", tc.Name)
		}
		return NewAnthropicProvider(tc.APIKey, tc.BaseURL, tc.Model, tc.MaxTokens), nil
	default:
		return nil, fmt.Errorf("tier %s: unknown provider %q", tc.Name, tc.Provider)
	}
}

const defaultRequestTimeout = 120 * time.Second
