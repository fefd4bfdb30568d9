// Package gateway is the composition root: it wires the store, queue,
// router, agent runtime, beat orchestrator, ranking index, channels
// and compression schedules into one long-running daemon.
package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stellarlinkco/telosd/internal/agent"
	"github.com/stellarlinkco/telosd/internal/beat"
	"github.com/stellarlinkco/telosd/internal/bus"
	"github.com/stellarlinkco/telosd/internal/channel"
	"github.com/stellarlinkco/telosd/internal/config"
	"github.com/stellarlinkco/telosd/internal/intent"
	"github.com/stellarlinkco/telosd/internal/memory"
	"github.com/stellarlinkco/telosd/internal/model"
	"github.com/stellarlinkco/telosd/internal/rank"
	"github.com/stellarlinkco/telosd/internal/store"
)

const (
	dailyCompressSpec  = "0 3 * * *"
	weeklyCompressSpec = "0 4 * * 1"
	busBufSize         = 100
)

// Options for creating a Gateway
type Options struct {
	SignalChan chan os.Signal // for testing signal handling
}

type replyTarget struct {
	Channel string
	ChatID  string
}

type Gateway struct {
	cfg        *config.Config
	logger     *zap.Logger
	bus        *bus.MessageBus
	store      *store.Store
	queue      *intent.Manager
	router     *model.Router
	index      *rank.Index
	orch       *beat.Orchestrator
	watcher    *beat.InboxWatcher
	channels   *channel.ChannelManager
	compressor *memory.Compressor
	cron       *cron.Cron
	signalChan chan os.Signal // for testing

	mu      sync.Mutex
	replies map[string]replyTarget
}

// New creates a Gateway with default options
func New(cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	return NewWithOptions(cfg, logger, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, logger *zap.Logger, opts Options) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		cfg:        cfg,
		logger:     logger,
		signalChan: opts.SignalChan,
		replies:    make(map[string]replyTarget),
	}

	g.bus = bus.NewMessageBus(busBufSize)

	g.store = store.New(cfg.Store.DataDir, logger)
	if err := g.store.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("prepare data layout: %w", err)
	}

	g.queue = intent.NewManager(g.store, intent.NewKeywordScorer(missionTerms()),
		cfg.Beat.IntentThreshold, cfg.Beat.MaxRetries, logger)

	router, err := model.NewRouter(cfg.Router, g.store, logger)
	if err != nil {
		return nil, fmt.Errorf("create model router: %w", err)
	}
	g.router = router

	assembler := memory.NewAssembler(g.store, cfg.Memory, logger)
	runtime := agent.NewRuntime(router, &actionExecutor{logger: logger},
		cfg.Agent.Persona, cfg.Agent.MaxSteps, logger)

	g.index = rank.New(g.store, logger)

	g.orch = beat.NewOrchestrator(cfg.Beat, g.store, g.queue, assembler,
		runtime, g.index, g.deliverOutcome, logger)
	g.watcher = beat.NewInboxWatcher(g.store.InboxDir(), g.orch.RequestBeat, logger)

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus, logger)
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	g.compressor = memory.NewCompressor(g.store, router, cfg.Memory, logger)
	g.cron = cron.New()
	if _, err := g.cron.AddFunc(dailyCompressSpec, g.runDailyCompression); err != nil {
		return nil, fmt.Errorf("schedule daily compression: %w", err)
	}
	if _, err := g.cron.AddFunc(weeklyCompressSpec, g.runWeeklyCompression); err != nil {
		return nil, fmt.Errorf("schedule weekly compression: %w", err)
	}

	return g, nil
}

func (g *Gateway) runDailyCompression() {
	ctx := context.Background()
	if err := g.compressor.DailyCompress(ctx); err != nil {
		g.logger.Warn("daily compression failed", zap.Error(err))
	}
	if err := g.compressor.RebuildEntityCards(ctx); err != nil {
		g.logger.Warn("entity card rebuild failed", zap.Error(err))
	}
}

func (g *Gateway) runWeeklyCompression() {
	if err := g.compressor.WeeklyDeepCompress(context.Background()); err != nil {
		g.logger.Warn("weekly compression failed", zap.Error(err))
	}
}

// actionExecutor handles the abstract actions the agent may emit.
// Anything unrecognized keeps the model's own projected observation.
type actionExecutor struct {
	logger *zap.Logger
}

func (e *actionExecutor) ExecuteAction(_ context.Context, action string, in *intent.Intent) (string, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "flag-for-escalation":
		e.logger.Warn("intent flagged for escalation",
			zap.String("intent", in.ID), zap.String("summary", in.Summary))
		return "Escalation recorded for operator review.", nil
	default:
		return "", nil
	}
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", zap.Strings("channels", g.channels.EnabledChannels()))

	if err := g.orch.Start(); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if err := g.watcher.Start(); err != nil {
		g.logger.Warn("inbox watcher unavailable, relying on interval trigger", zap.Error(err))
		g.watcher = nil
	}
	g.cron.Start()

	go g.processLoop(ctx)

	// Pick up anything already waiting in the workspace.
	g.orch.RequestBeat()

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	g.logger.Info("shutting down")
	return g.Shutdown()
}

// processLoop turns inbound channel messages into inbox intents and
// requests a beat for each.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound():
			g.handleInbound(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(msg bus.InboundMessage) {
	summary := firstLine(msg.Content)
	if len(summary) > 120 {
		summary = summary[:120]
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	raw := fmt.Sprintf("---\nsource: %s\nsummary: %s\ncreated_at: %s\n---\n\n%s\n",
		msg.Channel, strconv.Quote(summary), ts.UTC().Format(time.RFC3339), msg.Content)

	in, err := g.queue.Ingest(raw, msg.Channel)
	if err != nil {
		g.logger.Warn("inbound message rejected",
			zap.String("channel", msg.Channel),
			zap.String("sender", msg.SenderID),
			zap.Error(err))
		g.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: "Sorry, I could not turn that message into a work item.",
		})
		return
	}

	g.mu.Lock()
	g.replies[in.ID] = replyTarget{Channel: msg.Channel, ChatID: msg.ChatID}
	g.mu.Unlock()

	g.orch.RequestBeat()
}

// deliverOutcome sends the final answer back to the chat the intent
// came from, when it came from one.
func (g *Gateway) deliverOutcome(in *intent.Intent, outcome *agent.Outcome) {
	g.mu.Lock()
	target, ok := g.replies[in.ID]
	if ok {
		delete(g.replies, in.ID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	g.bus.PublishOutbound(bus.OutboundMessage{
		Channel: target.Channel,
		ChatID:  target.ChatID,
		Content: outcome.FinalAnswer,
	})
}

func (g *Gateway) Shutdown() error {
	if g.watcher != nil {
		g.watcher.Stop()
	}
	g.cron.Stop()
	g.orch.Stop()
	_ = g.channels.StopAll()
	g.logger.Info("shutdown complete")
	return nil
}

// missionTerms feeds the alignment scorer from the operator-edited
// mission document. No document means the scorer's built-in terms.
func missionTerms() []string {
	data, err := os.ReadFile(filepath.Join(config.ConfigDir(), "MISSION.md"))
	if err != nil {
		return nil
	}
	return memory.ExtractKeys(string(data), 32)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
