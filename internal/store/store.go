// Package store implements the Sample Store (spec §4.5): an in-memory
// per-server ring for live queries plus an asynchronous flush to a
// durable sink.
package store

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwatcher/cwatcher/internal/cwerrors"
	"github.com/cwatcher/cwatcher/internal/model"
)

// SinkResult is the durable sink's verdict for one batch write.
type SinkResult int

const (
	SinkOK SinkResult = iota
	SinkRetryable
	SinkFatal
)

// Sink is the Sample Store's external collaborator: the durable
// time-series system of record for long retention.
type Sink interface {
	WriteBatch(ctx context.Context, samples []model.MetricsSample) SinkResult
}

const (
	flushBatchSize = 64
	flushInterval  = 5 * time.Second
	flushRetries   = 3
)

// Store serves recent samples from per-server rings and flushes them to
// Sink in the background.
type Store struct {
	logger   *slog.Logger
	sink     Sink
	capacity int

	mu    sync.RWMutex
	rings map[string]*ring

	pendingMu sync.Mutex
	pending   []model.MetricsSample

	degraded atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// New constructs a Store. capacity is the per-server ring size in
// samples, each slot holding one whole sample with all four metric
// records (default 240 slots = 2h at 30s cadence).
func New(logger *slog.Logger, sink Sink, capacity int) *Store {
	s := &Store{
		logger:   logger,
		sink:     sink,
		capacity: capacity,
		rings:    make(map[string]*ring),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

func (s *Store) ringFor(serverID string) *ring {
	s.mu.RLock()
	r, ok := s.rings[serverID]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rings[serverID]; ok {
		return r
	}
	r = newRing(s.capacity)
	s.rings[serverID] = r
	return r
}

// Submit appends sample to its server's ring and queues it for the
// background flush. Out-of-order samples (timestamp strictly less than
// the ring's newest) are logged and dropped.
func (s *Store) Submit(sample model.MetricsSample) error {
	r := s.ringFor(sample.ServerID)
	if !r.push(sample) {
		if s.logger != nil {
			s.logger.Warn("sample rejected as out of order", "server_id", sample.ServerID, "timestamp", sample.Timestamp)
		}
		return cwerrors.ErrOutOfOrder
	}

	s.pendingMu.Lock()
	s.pending = append(s.pending, sample)
	s.pendingMu.Unlock()

	return nil
}

// QueryResult wraps QueryRecent's output with the ring-truncation flag.
type QueryResult struct {
	Samples []model.MetricsSample
	Partial bool
}

// QueryRecent returns samples for serverID within [from, to], oldest
// first. If the ring does not hold enough history to cover the whole
// range, Partial is set and the caller must consult the durable sink for
// the remainder.
func (s *Store) QueryRecent(serverID string, from, to int64) QueryResult {
	r := s.ringFor(serverID)
	all := r.snapshot()

	var out []model.MetricsSample
	for _, sample := range all {
		if sample.Timestamp >= from && sample.Timestamp <= to {
			out = append(out, sample)
		}
	}

	partial := len(all) > 0 && all[0].Timestamp > from
	return QueryResult{Samples: out, Partial: partial}
}

// QueryLatest returns the freshest complete sample for serverID.
func (s *Store) QueryLatest(serverID string) (model.MetricsSample, error) {
	r := s.ringFor(serverID)
	sample, ok := r.latest()
	if !ok {
		return model.MetricsSample{}, cwerrors.ErrNoData
	}
	return sample, nil
}

// Degraded reports whether the durable sink is currently considered
// unavailable; live queries are unaffected either way.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Pending reports how many samples are queued for the next flush,
// used by the operator-visible exporter.
func (s *Store) Pending() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Close stops the background flusher. Idempotent.
func (s *Store) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Store) flushLoop() {
	defer close(s.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.flushOnce(context.Background())
			return
		case <-ticker.C:
			s.flushOnce(context.Background())
		}
	}
}

func (s *Store) flushOnce(ctx context.Context) {
	batch := s.drainPending(flushBatchSize)
	if len(batch) == 0 {
		return
	}

	for _, group := range groupByServer(batch) {
		s.flushGroup(ctx, group)
	}
}

func (s *Store) drainPending(max int) []model.MetricsSample {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	n := len(s.pending)
	if n > max {
		n = max
	}
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	return batch
}

func groupByServer(samples []model.MetricsSample) [][]model.MetricsSample {
	byServer := make(map[string][]model.MetricsSample)
	var order []string
	for _, sample := range samples {
		if _, ok := byServer[sample.ServerID]; !ok {
			order = append(order, sample.ServerID)
		}
		byServer[sample.ServerID] = append(byServer[sample.ServerID], sample)
	}
	groups := make([][]model.MetricsSample, 0, len(order))
	for _, id := range order {
		groups = append(groups, byServer[id])
	}
	return groups
}

func (s *Store) flushGroup(ctx context.Context, group []model.MetricsSample) {
	delay := time.Second
	for attempt := 1; attempt <= flushRetries; attempt++ {
		result := s.sink.WriteBatch(ctx, group)
		switch result {
		case SinkOK:
			s.degraded.Store(false)
			return
		case SinkFatal:
			s.degraded.Store(true)
			if s.logger != nil {
				s.logger.Error("sink write failed fatally, dropping batch", "server_id", group[0].ServerID, "count", len(group))
			}
			return
		case SinkRetryable:
			if attempt == flushRetries {
				s.degraded.Store(true)
				if s.logger != nil {
					s.logger.Warn("sink write exhausted retries", "server_id", group[0].ServerID, "count", len(group))
				}
				return
			}
			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			time.Sleep(delay + jitter)
			delay *= 2
		}
	}
}
