package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"TELOSD_DATA_DIR", "TELOSD_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY",
		"TELOSD_BASE_URL", "TELOSD_TELEGRAM_TOKEN", "TELOSD_INTENT_THRESHOLD",
		"TELOSD_BEAT_INTERVAL_MINUTES", "TELOSD_DAILY_BUDGET_USD",
	} {
		t.Setenv(key, "")
	}
	return home
}

func TestLoadConfigDefaults(t *testing.T) {
	isolateHome(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, DefaultPersona, cfg.Agent.Persona)
	require.Equal(t, DefaultMaxSteps, cfg.Agent.MaxSteps)
	require.Equal(t, DefaultIntervalMinutes, cfg.Beat.IntervalMinutes)
	require.Equal(t, DefaultIntentThreshold, cfg.Beat.IntentThreshold)
	require.Equal(t, DefaultMaxRetries, cfg.Beat.MaxRetries)
	require.Equal(t, DefaultDailyBudgetUSD, cfg.Router.DailyBudgetUSD)
	require.Len(t, cfg.Router.Tiers, 3)
	require.Equal(t, "stub", cfg.Router.Tiers[0].Provider)
	require.False(t, cfg.Channels.Telegram.Enabled)
}

func TestLoadConfigFromFile(t *testing.T) {
	home := isolateHome(t)

	dir := filepath.Join(home, ".telosd")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{
		"agent": {"persona": "custom", "maxSteps": 6},
		"beat": {"intentThreshold": 0.8}
	}`), 0644))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "custom", cfg.Agent.Persona)
	require.Equal(t, 6, cfg.Agent.MaxSteps)
	require.Equal(t, 0.8, cfg.Beat.IntentThreshold)
	// Unset fields fall back to defaults.
	require.Equal(t, DefaultIntervalMinutes, cfg.Beat.IntervalMinutes)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	isolateHome(t)

	t.Setenv("TELOSD_DATA_DIR", "/tmp/telosd-data")
	t.Setenv("OPENAI_API_KEY", "sk-openai-test")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("TELOSD_INTENT_THRESHOLD", "0.75")
	t.Setenv("TELOSD_BEAT_INTERVAL_MINUTES", "5")
	t.Setenv("TELOSD_DAILY_BUDGET_USD", "2.5")
	t.Setenv("TELOSD_TELEGRAM_TOKEN", "tg-token")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "/tmp/telosd-data", cfg.Store.DataDir)
	require.Equal(t, 0.75, cfg.Beat.IntentThreshold)
	require.Equal(t, 5, cfg.Beat.IntervalMinutes)
	require.Equal(t, 2.5, cfg.Router.DailyBudgetUSD)
	require.Equal(t, "tg-token", cfg.Channels.Telegram.Token)

	for _, tier := range cfg.Router.Tiers {
		switch tier.Provider {
		case "openai":
			require.Equal(t, "sk-openai-test", tier.APIKey)
		case "anthropic":
			require.Equal(t, "sk-ant-test", tier.APIKey)
		case "stub":
			require.Empty(t, tier.APIKey)
		}
	}
}

func TestLoadConfigSharedKeyFillsEmptyTiers(t *testing.T) {
	isolateHome(t)
	t.Setenv("TELOSD_API_KEY", "shared-key")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	for _, tier := range cfg.Router.Tiers {
		if tier.Provider != "stub" {
			require.Equal(t, "shared-key", tier.APIKey)
		}
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	isolateHome(t)

	cfg := DefaultConfig()
	cfg.Agent.Persona = "saved"
	require.NoError(t, SaveConfig(cfg))

	loaded, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "saved", loaded.Agent.Persona)
}

func TestLoadConfigBadThresholdIgnored(t *testing.T) {
	isolateHome(t)
	t.Setenv("TELOSD_INTENT_THRESHOLD", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, DefaultIntentThreshold, cfg.Beat.IntentThreshold)
}
