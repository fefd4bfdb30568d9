package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/telosd/internal/config"
	"github.com/stellarlinkco/telosd/internal/gateway"
	"github.com/stellarlinkco/telosd/internal/intent"
	"github.com/stellarlinkco/telosd/internal/logging"
	"github.com/stellarlinkco/telosd/internal/rank"
	"github.com/stellarlinkco/telosd/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "telosd",
	Short: "telosd - heartbeat-driven agent daemon",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the daemon (beats, channels, compression schedules)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and the data workspace",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show telosd status",
	RunE:  runStatus,
}

var intentCmd = &cobra.Command{
	Use:   "intent",
	Short: "Work with intents",
}

var intentAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Persist a new intent into the inbox",
	RunE:  runIntentAdd,
}

var (
	debugFlag   bool
	messageFlag string
	fileFlag    string
	summaryFlag string
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	intentAddCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Intent body text")
	intentAddCmd.Flags().StringVarP(&fileFlag, "file", "f", "", "Read a full intent markdown document from file")
	intentAddCmd.Flags().StringVar(&summaryFlag, "summary", "", "Intent summary (defaults to the first line of the body)")
	intentCmd.AddCommand(intentAddCmd)
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, intentCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(debugFlag)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st := store.New(cfg.Store.DataDir, nil)
	if err := st.EnsureLayout(); err != nil {
		return fmt.Errorf("create data layout: %w", err)
	}

	writeIfNotExists(filepath.Join(cfgDir, "MISSION.md"), defaultMissionMD)

	fmt.Printf("Workspace ready: %s\n", cfg.Store.DataDir)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to configure model tiers (the local stub works without keys)\n", cfgPath)
	fmt.Println("  2. Or set TELOSD_API_KEY / ANTHROPIC_API_KEY / OPENAI_API_KEY")
	fmt.Println("  3. Run 'telosd intent add -m \"review the weekly plan\"' and 'telosd gateway'")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Data dir: %s\n", cfg.Store.DataDir)
	fmt.Printf("Persona: %s (max %d steps)\n", cfg.Agent.Persona, cfg.Agent.MaxSteps)
	fmt.Printf("Beat: every %dm, threshold %.2f, max retries %d\n",
		cfg.Beat.IntervalMinutes, cfg.Beat.IntentThreshold, cfg.Beat.MaxRetries)
	fmt.Printf("Budget: %.2f USD/day\n", cfg.Router.DailyBudgetUSD)
	for _, tier := range cfg.Router.Tiers {
		fmt.Printf("Tier %s: provider=%s model=%s key=%s\n",
			tier.Name, tier.Provider, tier.Model, maskKey(tier.APIKey))
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	if _, err := os.Stat(cfg.Store.DataDir); err != nil {
		fmt.Println("Workspace: not found (run 'telosd onboard')")
		return nil
	}

	st := store.New(cfg.Store.DataDir, nil)
	fmt.Printf("Inbox: %d  Queue: %d  Deferred: %d\n",
		partitionLen(st.ScanInbox), partitionLen(st.ScanQueue), partitionLen(st.ScanDeferred))

	idx := rank.New(st, nil)
	fmt.Printf("SP index: %d entries\n", idx.Len())
	for _, entry := range idx.TopUsed(3) {
		fmt.Printf("  %s (%d)\n", entry.IntentSummary, entry.Count)
	}

	return nil
}

func runIntentAdd(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var raw string
	switch {
	case fileFlag != "":
		data, err := os.ReadFile(fileFlag)
		if err != nil {
			return fmt.Errorf("read %s: %w", fileFlag, err)
		}
		raw = string(data)
	case messageFlag != "":
		summary := summaryFlag
		if summary == "" {
			summary = messageFlag
			if len(summary) > 120 {
				summary = summary[:120]
			}
		}
		raw = fmt.Sprintf("---\nsource: cli\nsummary: %s\ncreated_at: %s\n---\n\n%s\n",
			strconv.Quote(summary), time.Now().UTC().Format(time.RFC3339), messageFlag)
	default:
		return fmt.Errorf("either --file or --message is required")
	}

	st := store.New(cfg.Store.DataDir, nil)
	if err := st.EnsureLayout(); err != nil {
		return fmt.Errorf("create data layout: %w", err)
	}
	queue := intent.NewManager(st, intent.NewKeywordScorer(nil),
		cfg.Beat.IntentThreshold, cfg.Beat.MaxRetries, nil)

	in, err := queue.Ingest(raw, "")
	if err != nil {
		return fmt.Errorf("ingest intent: %w", err)
	}

	fmt.Printf("Intent %s persisted (alignment %.2f)\n", in.ID, in.AlignmentScore)
	fmt.Println("A running gateway will pick it up on the next beat.")
	return nil
}

func partitionLen(scan func() ([]*intent.Intent, error)) int {
	items, err := scan()
	if err != nil {
		return 0
	}
	return len(items)
}

func maskKey(key string) string {
	if key == "" {
		return "not set"
	}
	if len(key) <= 8 {
		return "set"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func writeIfNotExists(path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}

const defaultMissionMD = `# Mission

telosd works on intents that move these areas forward:

- review and summarize incoming material
- plan and schedule upcoming work
- research open questions and write up findings
- monitor ongoing projects and report changes
- triage and deploy routine maintenance tasks

Edit this list; alignment scoring matches intents against these terms.
`
