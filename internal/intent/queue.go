package intent

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Partitioner is the slice of the durable store the queue manager
// needs: persisting intents and moving them between partitions.
type Partitioner interface {
	PersistIntent(in *Intent) error
	ScanInbox() ([]*Intent, error)
	ScanQueue() ([]*Intent, error)
	ScanDeferred() ([]*Intent, error)
	PromoteToQueue(in *Intent) error
	DeferIntent(in *Intent) error
	QuarantineIntent(in *Intent) error
	ArchiveIntent(in *Intent, outcome string) error
}

// Manager owns intent classification and ordering. The partitions on
// disk are the source of truth; the manager re-derives the Active queue
// from a scan, so FIFO ordering is simply creation-time order — a
// requeued intent was the oldest Active member and stays at the front.
// Failure counts live in memory, keyed by intent ID, and reset on
// archive or isolation.
type Manager struct {
	store      Partitioner
	scorer     Scorer
	threshold  float64
	maxRetries int
	logger     *zap.Logger

	mu       sync.Mutex
	failures map[string]int
}

func NewManager(store Partitioner, scorer Scorer, threshold float64, maxRetries int, logger *zap.Logger) *Manager {
	if scorer == nil {
		scorer = NewKeywordScorer(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      store,
		scorer:     scorer,
		threshold:  threshold,
		maxRetries: maxRetries,
		logger:     logger,
		failures:   make(map[string]int),
	}
}

// SetThreshold replaces the classification threshold; deferred intents
// are re-evaluated against the new value on the next Sync.
func (m *Manager) SetThreshold(threshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = threshold
}

// Ingest validates raw markdown, scores it when the front-matter
// carries no score, and persists it into the inbox. Validation errors
// surface to the caller; nothing is written.
func (m *Manager) Ingest(raw, source string) (*Intent, error) {
	in, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if source != "" {
		in.Source = source
	}
	if in.AlignmentScore < 0 {
		in.AlignmentScore = m.scorer.Score(in.Summary, in.Body)
	}
	if err := m.store.PersistIntent(in); err != nil {
		return nil, fmt.Errorf("persist intent %s: %w", in.ID, err)
	}
	m.logger.Info("intent ingested",
		zap.String("id", in.ID),
		zap.String("source", in.Source),
		zap.Float64("alignment", in.AlignmentScore))
	return in, nil
}

// Sync runs one Sensing pass over the partitions: classify everything
// in the inbox, re-evaluate deferred intents against the current
// threshold, and return the Active backlog depth.
func (m *Manager) Sync() (int, error) {
	m.mu.Lock()
	threshold := m.threshold
	m.mu.Unlock()

	inbox, err := m.store.ScanInbox()
	if err != nil {
		return 0, fmt.Errorf("scan inbox: %w", err)
	}
	for _, in := range inbox {
		if err := m.classify(in, threshold); err != nil {
			return 0, err
		}
	}

	deferred, err := m.store.ScanDeferred()
	if err != nil {
		return 0, fmt.Errorf("scan deferred: %w", err)
	}
	for _, in := range deferred {
		if in.AlignmentScore >= threshold {
			if err := m.store.PromoteToQueue(in); err != nil {
				return 0, fmt.Errorf("promote deferred %s: %w", in.ID, err)
			}
			m.logger.Info("deferred intent promoted",
				zap.String("id", in.ID),
				zap.Float64("alignment", in.AlignmentScore))
		}
	}

	queue, err := m.store.ScanQueue()
	if err != nil {
		return 0, fmt.Errorf("scan queue: %w", err)
	}
	return len(queue), nil
}

func (m *Manager) classify(in *Intent, threshold float64) error {
	if in.AlignmentScore >= threshold {
		if err := m.store.PromoteToQueue(in); err != nil {
			return fmt.Errorf("promote %s: %w", in.ID, err)
		}
		m.logger.Debug("intent promoted", zap.String("id", in.ID))
		return nil
	}
	if err := m.store.DeferIntent(in); err != nil {
		return fmt.Errorf("defer %s: %w", in.ID, err)
	}
	m.logger.Debug("intent deferred",
		zap.String("id", in.ID),
		zap.Float64("alignment", in.AlignmentScore),
		zap.Float64("threshold", threshold))
	return nil
}

// Pop returns the oldest Active intent without moving its file; the
// file leaves the queue partition only on Archive or isolation, so a
// crash mid-beat leaves the intent where the next beat will find it.
func (m *Manager) Pop() (*Intent, bool, error) {
	queue, err := m.store.ScanQueue()
	if err != nil {
		return nil, false, fmt.Errorf("scan queue: %w", err)
	}
	if len(queue) == 0 {
		return nil, false, nil
	}

	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].CreatedAt.Before(queue[j].CreatedAt)
	})

	in := queue[0]
	in.Status = StatusActive
	m.mu.Lock()
	in.FailureCount = m.failures[in.ID]
	m.mu.Unlock()
	return in, true, nil
}

// Requeue records a failed beat for the intent. Up to maxRetries
// failures it stays at the front of the queue; past that it is
// quarantined for inspection and never retried again.
func (m *Manager) Requeue(in *Intent) (isolated bool, err error) {
	m.mu.Lock()
	m.failures[in.ID]++
	count := m.failures[in.ID]
	m.mu.Unlock()
	in.FailureCount = count

	if count > m.maxRetries {
		if err := m.store.QuarantineIntent(in); err != nil {
			return false, fmt.Errorf("quarantine %s: %w", in.ID, err)
		}
		m.mu.Lock()
		delete(m.failures, in.ID)
		m.mu.Unlock()
		m.logger.Warn("intent isolated",
			zap.String("id", in.ID),
			zap.Int("failures", count))
		return true, nil
	}

	m.logger.Warn("intent requeued",
		zap.String("id", in.ID),
		zap.Int("failures", count),
		zap.Int("maxRetries", m.maxRetries))
	return false, nil
}

// Archive moves a completed intent to history and forgets its failure
// count.
func (m *Manager) Archive(in *Intent, outcome string) error {
	if err := m.store.ArchiveIntent(in, outcome); err != nil {
		return fmt.Errorf("archive %s: %w", in.ID, err)
	}
	m.mu.Lock()
	delete(m.failures, in.ID)
	m.mu.Unlock()
	return nil
}
