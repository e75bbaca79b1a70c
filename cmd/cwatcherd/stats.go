package main

import (
	"github.com/cwatcher/cwatcher/internal/metricsexport"
	"github.com/cwatcher/cwatcher/internal/push"
	"github.com/cwatcher/cwatcher/internal/scheduler"
	"github.com/cwatcher/cwatcher/internal/sshpool"
	"github.com/cwatcher/cwatcher/internal/store"
)

// statsSource adapts the Pool, Scheduler, Store, and Push Fabric's
// native accessors onto metricsexport.Source.
type statsSource struct {
	pool   *sshpool.Pool
	sched  *scheduler.Scheduler
	store  *store.Store
	fabric *push.Fabric
}

func newStatsSource(pool *sshpool.Pool, sched *scheduler.Scheduler, st *store.Store, fabric *push.Fabric) *statsSource {
	return &statsSource{pool: pool, sched: sched, store: st, fabric: fabric}
}

func (s *statsSource) PoolSnapshot() []metricsexport.PoolStats {
	stats := s.pool.Stats()
	out := make([]metricsexport.PoolStats, 0, len(stats))
	for _, stat := range stats {
		out = append(out, metricsexport.PoolStats{
			ServerID: stat.ServerID,
			Status:   string(stat.Status),
			Backoff:  stat.Backoff.Seconds(),
		})
	}
	return out
}

func (s *statsSource) SchedulerSnapshot() []metricsexport.SchedulerStats {
	stats := s.sched.Stats()
	out := make([]metricsexport.SchedulerStats, 0, len(stats))
	for _, stat := range stats {
		out = append(out, metricsexport.SchedulerStats{
			ServerID:        stat.ServerID,
			State:           string(stat.State),
			ConsecutiveFail: float64(stat.ConsecutiveFail),
		})
	}
	return out
}

func (s *statsSource) StoreSnapshot() metricsexport.StoreStats {
	return metricsexport.StoreStats{
		Degraded: s.store.Degraded(),
		Pending:  float64(s.store.Pending()),
	}
}

func (s *statsSource) PushSnapshot() metricsexport.PushStats {
	return metricsexport.PushStats{ActiveConnections: float64(s.fabric.ActiveConnections())}
}
