// Package beat owns the heartbeat: the Sense → Reflect → Decide → Act
// → Log cycle, its triggers, and its retry and isolation policy. At
// most one beat runs at a time; triggers arriving mid-beat coalesce
// into a single pending re-trigger.
package beat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stellarlinkco/telosd/internal/agent"
	"github.com/stellarlinkco/telosd/internal/config"
	"github.com/stellarlinkco/telosd/internal/intent"
	"github.com/stellarlinkco/telosd/internal/memory"
	"github.com/stellarlinkco/telosd/internal/rank"
	"github.com/stellarlinkco/telosd/internal/store"
)

const (
	persistAttempts = 3
	persistDelay    = 200 * time.Millisecond
)

// Notifier receives the outcome of every completed beat, e.g. to send
// the final answer back over the channel the intent came from.
type Notifier func(in *intent.Intent, outcome *agent.Outcome)

type Orchestrator struct {
	cfg       config.BeatConfig
	store     *store.Store
	queue     *intent.Manager
	assembler *memory.Assembler
	runtime   *agent.Runtime
	index     *rank.Index
	notifier  Notifier
	logger    *zap.Logger

	cron   *cron.Cron
	beatCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	running bool
}

func NewOrchestrator(
	cfg config.BeatConfig,
	st *store.Store,
	queue *intent.Manager,
	assembler *memory.Assembler,
	runtime *agent.Runtime,
	index *rank.Index,
	notifier Notifier,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		queue:     queue,
		assembler: assembler,
		runtime:   runtime,
		index:     index,
		notifier:  notifier,
		logger:    logger,
		beatCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start arms the interval trigger and the beat loop.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator already running")
	}

	o.cron = cron.New()
	spec := fmt.Sprintf("@every %dm", o.cfg.IntervalMinutes)
	if _, err := o.cron.AddFunc(spec, o.RequestBeat); err != nil {
		return fmt.Errorf("schedule beat interval: %w", err)
	}
	o.cron.Start()

	go o.loop()
	o.running = true
	o.logger.Info("beat orchestrator started",
		zap.Int("intervalMinutes", o.cfg.IntervalMinutes),
		zap.Float64("intentThreshold", o.cfg.IntentThreshold))
	return nil
}

// Stop halts the triggers and waits for any in-flight beat to reach a
// terminal state.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.cron.Stop()
	close(o.stopCh)
	<-o.doneCh
	o.logger.Info("beat orchestrator stopped")
}

// RequestBeat schedules a beat. Idempotent while a beat is in flight:
// any number of requests collapse into exactly one pending beat.
func (o *Orchestrator) RequestBeat() {
	select {
	case o.beatCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) loop() {
	defer close(o.doneCh)
	for {
		// Shutdown wins over a pending beat request.
		select {
		case <-o.stopCh:
			return
		default:
		}
		select {
		case <-o.stopCh:
			return
		case <-o.beatCh:
			o.runBeat(context.Background())
		}
	}
}

func runWithRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt < persistAttempts-1 {
			time.Sleep(persistDelay)
		}
	}
	return err
}

// runBeat walks one full cycle. Sensing and Reflecting failures abort
// without mutating intent state; Acting and Logging failures go
// through the requeue/isolation path.
func (o *Orchestrator) runBeat(ctx context.Context) {
	started := time.Now()

	// Sensing
	backlog, err := o.queue.Sync()
	if err != nil {
		o.logger.Error("sensing failed, beat aborted", zap.Error(err))
		return
	}
	in, ok, err := o.queue.Pop()
	if err != nil {
		o.logger.Error("queue pop failed, beat aborted", zap.Error(err))
		return
	}
	if !ok {
		if err := runWithRetry(func() error { return o.store.AppendHeartbeat(time.Now()) }); err != nil {
			o.logger.Warn("heartbeat journal append failed", zap.Error(err))
		}
		o.logger.Debug("no-op beat", zap.Duration("took", time.Since(started)))
		return
	}

	o.logger.Info("beat started",
		zap.String("intent", in.ID),
		zap.String("summary", in.Summary),
		zap.Int("backlog", backlog))

	// Reflecting
	bc, err := o.assembler.Assemble(in, backlog)
	if err != nil {
		o.logger.Error("context assembly failed, beat aborted", zap.String("intent", in.ID), zap.Error(err))
		return
	}

	// Deciding
	outcome := o.runtime.Run(ctx, in, bc)

	// Acting: persist the outcome as durable state.
	if err := runWithRetry(func() error { return o.persistOutcome(in, outcome) }); err != nil {
		o.logger.Error("acting failed", zap.String("intent", in.ID), zap.Error(err))
		o.handleFailure(in)
		return
	}

	// Logging: journal, ranking, archive.
	if err := runWithRetry(func() error { return o.logOutcome(in, outcome) }); err != nil {
		o.logger.Error("logging failed", zap.String("intent", in.ID), zap.Error(err))
		o.handleFailure(in)
		return
	}

	o.index.Update(in.Summary, outcome.FinalAnswer, time.Now().UTC())

	if err := runWithRetry(func() error { return o.queue.Archive(in, outcome.FinalAnswer) }); err != nil {
		o.logger.Error("archive failed", zap.String("intent", in.ID), zap.Error(err))
		o.handleFailure(in)
		return
	}

	if o.notifier != nil {
		o.notifier(in, outcome)
	}

	o.logger.Info("beat complete",
		zap.String("intent", in.ID),
		zap.Bool("degraded", outcome.Degraded),
		zap.Duration("took", time.Since(started)))
}

// persistOutcome is the Acting stage: one L0 record plus entity
// touches derived from the processed text.
func (o *Orchestrator) persistOutcome(in *intent.Intent, outcome *agent.Outcome) error {
	rec := store.Record{
		Level: store.LevelRaw,
		Text:  fmt.Sprintf("%s ⇒ %s", in.Summary, firstLine(outcome.FinalAnswer)),
		Anchor: store.Anchor{
			Label: "intent " + in.ID,
			Path:  "intent/history",
		},
		Timestamp: time.Now().UTC(),
	}
	if err := o.store.AppendRecord(rec); err != nil {
		return err
	}

	keys := memory.ExtractKeys(in.Summary+" "+outcome.FinalAnswer, 8)
	return o.store.TouchEntities(keys, time.Now().UTC())
}

func (o *Orchestrator) logOutcome(in *intent.Intent, outcome *agent.Outcome) error {
	trace := make([]store.TraceStep, len(outcome.Trace))
	for i, step := range outcome.Trace {
		trace[i] = store.TraceStep{
			Thought:     step.Thought,
			Action:      step.Action,
			Observation: step.Observation,
		}
	}
	return o.store.AppendJournal(store.JournalEntry{
		Time:        time.Now(),
		Summary:     in.Summary,
		FinalAnswer: outcome.FinalAnswer,
		Trace:       trace,
	})
}

func (o *Orchestrator) handleFailure(in *intent.Intent) {
	isolated, err := o.queue.Requeue(in)
	if err != nil {
		o.logger.Error("requeue failed", zap.String("intent", in.ID), zap.Error(err))
		return
	}
	if isolated {
		o.logger.Warn("intent moved to failed partition", zap.String("intent", in.ID))
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
