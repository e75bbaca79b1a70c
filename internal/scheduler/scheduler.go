// Package scheduler implements the Collector Scheduler (spec §4.4): one
// periodic collection cycle per monitoring-enabled Server, cancellable,
// non-overlapping, with an Idle/Running/Backoff state machine.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwatcher/cwatcher/internal/executor"
	"github.com/cwatcher/cwatcher/internal/model"
	"github.com/cwatcher/cwatcher/internal/parsers"
)

// State is a server's scheduling state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateBackoff State = "backoff"
)

const (
	sysInfoCadence       = 24 * time.Hour
	backoffCeiling       = 60 * time.Second
	reactivationCooldown = 10 * time.Minute
)

var backoffSteps = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second}

// Store is the Sample Store's ingestion contract, as seen by the
// Scheduler.
type Store interface {
	Submit(sample model.MetricsSample) error
}

// Evaluator computes a ServerStatus from a sample, emitting a
// StatusChangeEvent only on transition.
type Evaluator interface {
	Evaluate(sample model.MetricsSample) (model.Status, *model.StatusChangeEvent)
	EvaluateOffline(serverID string, reason string) (model.Status, *model.StatusChangeEvent)
}

// Publisher is the Push Fabric's publish contract, as seen by the
// Scheduler. Publish must never block on socket I/O.
type Publisher interface {
	PublishSample(sample model.MetricsSample)
	PublishStatusChange(event model.StatusChangeEvent)
}

// Scheduler runs one cycle per monitoring-enabled server on a fixed
// period, cancellable via the context passed to AddServer or by
// RemoveServer.
type Scheduler struct {
	logger   *slog.Logger
	exec     *executor.Executor
	store    Store
	eval     Evaluator
	pub      Publisher
	period   time.Duration

	mu      sync.Mutex
	tasks   map[string]*serverTask
}

// New constructs a Scheduler. period must already lie in [10s,300s]; the
// config loader rejects values outside that range.
func New(logger *slog.Logger, exec *executor.Executor, store Store, eval Evaluator, pub Publisher, period time.Duration) *Scheduler {
	return &Scheduler{
		logger: logger,
		exec:   exec,
		store:  store,
		eval:   eval,
		pub:    pub,
		period: period,
		tasks:  make(map[string]*serverTask),
	}
}

// serverTask is one Server's per-cycle state, including the previous
// parser snapshots needed for CPU and network rate deltas.
type serverTask struct {
	serverID string
	state    atomic.Value // State
	seq      uint64

	cpuSnapshot *parsers.CPUSnapshot
	netCounters map[string]parsers.NetCounter
	sysInfo     *model.SystemInfo
	sysInfoAt   time.Time

	backoffIdx      int
	consecutiveFail atomic.Int64
	backoffUntil    time.Time

	cancel context.CancelFunc
}

// AddServer registers a Server for periodic collection and starts its
// loop. Calling AddServer for an already-registered server is a no-op.
func (s *Scheduler) AddServer(ctx context.Context, serverID string) {
	s.mu.Lock()
	if _, exists := s.tasks[serverID]; exists {
		s.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &serverTask{serverID: serverID, netCounters: make(map[string]parsers.NetCounter), cancel: cancel}
	t.state.Store(StateIdle)
	s.tasks[serverID] = t
	s.mu.Unlock()

	go s.runLoop(taskCtx, t)
}

// RemoveServer cancels and forgets a Server's loop. In-flight I/O is
// aborted; the last-started cycle's parsers finish on whatever local
// data they already read.
func (s *Scheduler) RemoveServer(serverID string) {
	s.mu.Lock()
	t, ok := s.tasks[serverID]
	if ok {
		delete(s.tasks, serverID)
	}
	s.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// State reports a server's current scheduling state, used by the
// operator-visible exporter.
func (s *Scheduler) State(serverID string) (State, bool) {
	s.mu.Lock()
	t, ok := s.tasks[serverID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	return t.state.Load().(State), true
}

// ServerIDs lists every server currently registered with the
// Scheduler, used by the registry poller to detect removals.
func (s *Scheduler) ServerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

// TaskStat is one server's scheduling snapshot for the exporter.
type TaskStat struct {
	ServerID        string
	State           State
	ConsecutiveFail int
}

// Stats snapshots every registered server's current state, used by the
// operator-visible exporter.
func (s *Scheduler) Stats() []TaskStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStat, 0, len(s.tasks))
	for id, t := range s.tasks {
		out = append(out, TaskStat{ServerID: id, State: t.state.Load().(State), ConsecutiveFail: int(t.consecutiveFail.Load())})
	}
	return out
}

func (s *Scheduler) runLoop(ctx context.Context, t *serverTask) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler loop panic recovered", "server_id", t.serverID, "panic", r)
		}
	}()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.runCycle(ctx, t)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.state.Load().(State) == StateRunning {
				s.logger.Warn("scheduler cycle overran period, skipping tick", "server_id", t.serverID)
				continue
			}
			if t.state.Load().(State) == StateBackoff && time.Now().Before(t.backoffUntil) {
				continue
			}
			s.runCycle(ctx, t)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, t *serverTask) {
	t.state.Store(StateRunning)
	start := time.Now()

	cycleCtx, cancel := context.WithTimeout(ctx, s.period-time.Second)
	defer cancel()

	sample, failed := s.collect(cycleCtx, t, start)

	if failed {
		s.onCycleFailure(t)
		return
	}

	t.consecutiveFail.Store(0)
	t.backoffIdx = 0
	t.state.Store(StateIdle)

	status, event := s.eval.Evaluate(sample)
	sample.Status = status

	if err := s.store.Submit(sample); err != nil {
		s.logger.Warn("sample store submit failed", "server_id", t.serverID, "error", err)
	}
	s.pub.PublishSample(sample)
	if event != nil {
		s.pub.PublishStatusChange(*event)
	}
}

func (s *Scheduler) collect(ctx context.Context, t *serverTask, cycleStart time.Time) (model.MetricsSample, bool) {
	g, gctx := errgroup.WithContext(ctx)

	var cpuOut, memOut, diskOut, netOut, loadOut executor.RawOutput
	var cpuErr, memErr, diskErr, netErr, loadErr error

	g.Go(func() error { cpuOut, cpuErr = s.exec.Execute(gctx, t.serverID, executor.KeyCPU, 0); return nil })
	g.Go(func() error { memOut, memErr = s.exec.Execute(gctx, t.serverID, executor.KeyMemory, 0); return nil })
	g.Go(func() error { diskOut, diskErr = s.exec.Execute(gctx, t.serverID, executor.KeyDisk, 0); return nil })
	g.Go(func() error { netOut, netErr = s.exec.Execute(gctx, t.serverID, executor.KeyNetwork, 0); return nil })
	g.Go(func() error { loadOut, loadErr = s.exec.Execute(gctx, t.serverID, executor.KeyLoad, 0); return nil })

	refreshSysInfo := t.sysInfo == nil || time.Since(t.sysInfoAt) > sysInfoCadence
	var sysOut executor.RawOutput
	var sysErr error
	if refreshSysInfo {
		g.Go(func() error { sysOut, sysErr = s.exec.Execute(gctx, t.serverID, executor.KeySysInfo, 0); return nil })
	}

	_ = g.Wait()

	allFailed := cpuErr != nil && memErr != nil && diskErr != nil && netErr != nil
	if allFailed {
		return model.MetricsSample{}, true
	}

	sample := model.MetricsSample{
		ServerID:  t.serverID,
		Timestamp: cycleStart.UnixMilli(),
		Seq:       t.seq,
	}
	t.seq++

	if cpuErr != nil {
		sample.CPU.Missing = true
	} else {
		rec, snap, warnings := parsers.ParseCPU(cpuOut, t.cpuSnapshot)
		rec.Warnings = warnings
		t.cpuSnapshot = &snap
		sample.CPU = rec
	}
	if loadErr == nil {
		lr := parsers.ParseLoad(loadOut)
		if !lr.Missing {
			sample.CPU.Load1, sample.CPU.Load5, sample.CPU.Load15 = lr.Load1, lr.Load5, lr.Load15
		}
	}

	if memErr != nil {
		sample.Memory.Missing = true
	} else {
		rec, warnings := parsers.ParseMemory(memOut)
		rec.Warnings = warnings
		sample.Memory = rec
	}

	if diskErr != nil {
		sample.Disk.Missing = true
	} else {
		rec, warnings := parsers.ParseDisk(diskOut)
		rec.Warnings = warnings
		sample.Disk = rec
	}

	if netErr != nil {
		sample.Network.Missing = true
	} else {
		rec, counters, warnings := parsers.ParseNetwork(netOut, t.netCounters, s.period)
		rec.Warnings = warnings
		t.netCounters = counters
		sample.Network = rec
	}

	if refreshSysInfo && sysErr == nil {
		info, _ := parsers.ParseSysInfo(sysOut)
		info.CollectedAt = time.Now()
		t.sysInfo = &info
		t.sysInfoAt = time.Now()
	}

	return sample, false
}

func (s *Scheduler) onCycleFailure(t *serverTask) {
	t.consecutiveFail.Add(1)

	delay := backoffSteps[t.backoffIdx]
	if t.backoffIdx < len(backoffSteps)-1 {
		t.backoffIdx++
	}
	t.backoffUntil = time.Now().Add(delay)
	t.state.Store(StateBackoff)

	_, event := s.eval.EvaluateOffline(t.serverID, "collection_failed")
	if event != nil {
		s.pub.PublishStatusChange(*event)
	}

	if delay >= backoffCeiling && t.consecutiveFail.Load() > 10 {
		t.backoffUntil = time.Now().Add(reactivationCooldown)
		s.logger.Warn("server parked after sustained failures, retry after cooldown", "server_id", t.serverID, "cooldown", reactivationCooldown)
	}
}
