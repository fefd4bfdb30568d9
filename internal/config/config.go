package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultPersona          = "telosd"
	DefaultMaxSteps         = 4
	DefaultIntervalMinutes  = 30
	DefaultIntentThreshold  = 0.6
	DefaultMaxRetries       = 2
	DefaultDailyBudgetUSD   = 5.0
	DefaultMemoryWindowDays = 7
	DefaultEntityWindowDays = 14
	DefaultMemoryTopK       = 5
	DefaultContextBudget    = 4096
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Beat     BeatConfig     `json:"beat"`
	Router   RouterConfig   `json:"router"`
	Memory   MemoryConfig   `json:"memory"`
	Store    StoreConfig    `json:"store"`
	Channels ChannelsConfig `json:"channels"`
}

type AgentConfig struct {
	Persona  string `json:"persona"`
	MaxSteps int    `json:"maxSteps"`
}

type BeatConfig struct {
	IntervalMinutes int     `json:"intervalMinutes"`
	IntentThreshold float64 `json:"intentThreshold"`
	MaxRetries      int     `json:"maxRetries"`
}

// RouterConfig holds the ordered escalation chain. Tiers are evaluated
// top-down: index 0 is the cheapest tier, the last the most capable.
type RouterConfig struct {
	DailyBudgetUSD float64      `json:"dailyBudgetUsd"`
	Tiers          []TierConfig `json:"tiers"`
}

type TierConfig struct {
	Name         string  `json:"name"`
	Provider     string  `json:"provider"` // "stub", "openai" or "anthropic"
	Model        string  `json:"model,omitempty"`
	APIKey       string  `json:"apiKey,omitempty"`
	BaseURL      string  `json:"baseUrl,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
	CostPer1KIn  float64 `json:"costPer1kIn,omitempty"`
	CostPer1KOut float64 `json:"costPer1kOut,omitempty"`
}

type MemoryConfig struct {
	WindowDays       int `json:"windowDays"`
	EntityWindowDays int `json:"entityWindowDays"`
	TopK             int `json:"topK"`
	ContextBudget    int `json:"contextBudget"`
}

type StoreConfig struct {
	DataDir string `json:"dataDir"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Persona:  DefaultPersona,
			MaxSteps: DefaultMaxSteps,
		},
		Beat: BeatConfig{
			IntervalMinutes: DefaultIntervalMinutes,
			IntentThreshold: DefaultIntentThreshold,
			MaxRetries:      DefaultMaxRetries,
		},
		Router: RouterConfig{
			DailyBudgetUSD: DefaultDailyBudgetUSD,
			Tiers: []TierConfig{
				{Name: "local", Provider: "stub"},
				{Name: "cloud-fast", Provider: "openai", Model: "gpt-4o-mini", CostPer1KIn: 0.00015, CostPer1KOut: 0.0006},
				{Name: "cloud-max", Provider: "anthropic", Model: "claude-sonnet-4-5-20250929", CostPer1KIn: 0.003, CostPer1KOut: 0.015},
			},
		},
		Memory: MemoryConfig{
			WindowDays:       DefaultMemoryWindowDays,
			EntityWindowDays: DefaultEntityWindowDays,
			TopK:             DefaultMemoryTopK,
			ContextBudget:    DefaultContextBudget,
		},
		Store: StoreConfig{
			DataDir: filepath.Join(home, ".telosd", "data"),
		},
		Channels: ChannelsConfig{},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".telosd")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if dir := os.Getenv("TELOSD_DATA_DIR"); dir != "" {
		cfg.Store.DataDir = dir
	}
	if key := os.Getenv("TELOSD_API_KEY"); key != "" {
		for i := range cfg.Router.Tiers {
			if cfg.Router.Tiers[i].Provider != "stub" && cfg.Router.Tiers[i].APIKey == "" {
				cfg.Router.Tiers[i].APIKey = key
			}
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		for i := range cfg.Router.Tiers {
			if cfg.Router.Tiers[i].Provider == "anthropic" && cfg.Router.Tiers[i].APIKey == "" {
				cfg.Router.Tiers[i].APIKey = key
			}
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		for i := range cfg.Router.Tiers {
			if cfg.Router.Tiers[i].Provider == "openai" && cfg.Router.Tiers[i].APIKey == "" {
				cfg.Router.Tiers[i].APIKey = key
			}
		}
	}
	if url := os.Getenv("TELOSD_BASE_URL"); url != "" {
		for i := range cfg.Router.Tiers {
			if cfg.Router.Tiers[i].Provider != "stub" && cfg.Router.Tiers[i].BaseURL == "" {
				cfg.Router.Tiers[i].BaseURL = url
			}
		}
	}
	if token := os.Getenv("TELOSD_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if threshold := os.Getenv("TELOSD_INTENT_THRESHOLD"); threshold != "" {
		if parsed, err := strconv.ParseFloat(threshold, 64); err == nil {
			cfg.Beat.IntentThreshold = parsed
		}
	}
	if interval := os.Getenv("TELOSD_BEAT_INTERVAL_MINUTES"); interval != "" {
		if parsed, err := strconv.Atoi(interval); err == nil && parsed > 0 {
			cfg.Beat.IntervalMinutes = parsed
		}
	}
	if budget := os.Getenv("TELOSD_DAILY_BUDGET_USD"); budget != "" {
		if parsed, err := strconv.ParseFloat(budget, 64); err == nil && parsed > 0 {
			cfg.Router.DailyBudgetUSD = parsed
		}
	}

	if cfg.Agent.Persona == "" {
		cfg.Agent.Persona = DefaultPersona
	}
	if cfg.Agent.MaxSteps <= 0 {
		cfg.Agent.MaxSteps = DefaultMaxSteps
	}
	if cfg.Beat.IntervalMinutes <= 0 {
		cfg.Beat.IntervalMinutes = DefaultIntervalMinutes
	}
	if cfg.Beat.IntentThreshold <= 0 {
		cfg.Beat.IntentThreshold = DefaultIntentThreshold
	}
	if cfg.Beat.MaxRetries < 0 {
		cfg.Beat.MaxRetries = DefaultMaxRetries
	}
	if cfg.Router.DailyBudgetUSD <= 0 {
		cfg.Router.DailyBudgetUSD = DefaultDailyBudgetUSD
	}
	if len(cfg.Router.Tiers) == 0 {
		cfg.Router.Tiers = DefaultConfig().Router.Tiers
	}
	if cfg.Memory.WindowDays <= 0 {
		cfg.Memory.WindowDays = DefaultMemoryWindowDays
	}
	if cfg.Memory.EntityWindowDays <= 0 {
		cfg.Memory.EntityWindowDays = DefaultEntityWindowDays
	}
	if cfg.Memory.TopK <= 0 {
		cfg.Memory.TopK = DefaultMemoryTopK
	}
	if cfg.Memory.ContextBudget <= 0 {
		cfg.Memory.ContextBudget = DefaultContextBudget
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = DefaultConfig().Store.DataDir
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
