// Package core exposes the in-process API surface the REST adapter
// calls (spec §6): server CRUD, a connectivity probe, and sample
// reads. HTTP framing, authn/authz, pagination, and error mapping are
// the adapter's concern, not this package's.
package core

import (
	"context"
	"time"

	"github.com/cwatcher/cwatcher/internal/model"
	"github.com/cwatcher/cwatcher/internal/registry"
	"github.com/cwatcher/cwatcher/internal/sshpool"
	"github.com/cwatcher/cwatcher/internal/store"
)

const testConnectionTimeout = 10 * time.Second

// ConnectionResult is TestConnection's verdict: whether a lease could be
// acquired from the Pool and a no-op command run on it. A server the
// Pool is holding in connect backoff reports unreachable without a new
// dial.
type ConnectionResult struct {
	Reachable bool
	Latency   time.Duration
	Error     string
}

// Core composes the Registry, SSH Pool, and Sample Store into the
// operations CreateServer/UpdateServer/DeleteServer/ListServers/
// TestConnection/GetLatestSample/GetSampleHistory name.
type Core struct {
	reg   *registry.Registry
	pool  *sshpool.Pool
	store *store.Store
}

// New constructs a Core over the already-wired Registry, Pool, and
// Store.
func New(reg *registry.Registry, pool *sshpool.Pool, st *store.Store) *Core {
	return &Core{reg: reg, pool: pool, store: st}
}

// CreateServer registers a new monitoring target.
func (c *Core) CreateServer(ctx context.Context, srv model.Server, secret []byte) (model.Server, error) {
	return c.reg.Create(ctx, srv, secret)
}

// UpdateServer rewrites an existing server's connection facts. A nil
// secret leaves the stored credential untouched.
func (c *Core) UpdateServer(ctx context.Context, srv model.Server, secret []byte) (model.Server, error) {
	return c.reg.Update(ctx, srv, secret)
}

// DeleteServer soft-deletes a server and evicts its live Pool state so
// no further dials are attempted against it.
func (c *Core) DeleteServer(ctx context.Context, serverID string) error {
	if err := c.reg.Delete(ctx, serverID); err != nil {
		return err
	}
	c.pool.CloseServer(serverID)
	return nil
}

// ListServers returns every registered server, active or not.
func (c *Core) ListServers(ctx context.Context) ([]model.Server, error) {
	return c.reg.ListAll(ctx)
}

// TestConnection acquires a lease from the real Pool (reusing an idle
// session when one is available, otherwise dialing and authenticating a
// new one), runs a no-op command, and always invalidates the
// lease afterward — a test connection must never leave a session
// behind for a later collection cycle to inherit. This deliberately
// reuses the Pool's Acquire/Invalidate path rather than a parallel
// dial, so a server whose host key or credential has gone bad surfaces
// the exact same error class the Scheduler would hit.
func (c *Core) TestConnection(ctx context.Context, serverID string) ConnectionResult {
	start := time.Now()

	lease, err := c.pool.Acquire(ctx, serverID, testConnectionTimeout)
	if err != nil {
		return ConnectionResult{Reachable: false, Latency: time.Since(start), Error: err.Error()}
	}

	sess, err := lease.Client().NewSession()
	if err != nil {
		c.pool.Invalidate(lease, "test_connection_session_failed")
		return ConnectionResult{Reachable: false, Latency: time.Since(start), Error: err.Error()}
	}
	runErr := sess.Run("true")
	sess.Close()
	c.pool.Invalidate(lease, "test_connection")

	if runErr != nil {
		return ConnectionResult{Reachable: false, Latency: time.Since(start), Error: runErr.Error()}
	}
	return ConnectionResult{Reachable: true, Latency: time.Since(start)}
}

// GetLatestSample returns the freshest complete sample for serverID.
func (c *Core) GetLatestSample(serverID string) (model.MetricsSample, error) {
	return c.store.QueryLatest(serverID)
}

// GetSampleHistory returns samples for serverID within [from, to],
// optionally narrowed to a single metric kind. An empty metric means
// all four families are left on each returned sample.
func (c *Core) GetSampleHistory(serverID string, metric model.MetricKind, from, to int64) (store.QueryResult, error) {
	result := c.store.QueryRecent(serverID, from, to)
	if metric == "" {
		return result, nil
	}

	filtered := make([]model.MetricsSample, len(result.Samples))
	for i, sample := range result.Samples {
		filtered[i] = narrowToMetric(sample, metric)
	}
	return store.QueryResult{Samples: filtered, Partial: result.Partial}, nil
}

func narrowToMetric(sample model.MetricsSample, metric model.MetricKind) model.MetricsSample {
	narrowed := model.MetricsSample{ServerID: sample.ServerID, Timestamp: sample.Timestamp, Seq: sample.Seq, Status: sample.Status}
	switch metric {
	case model.MetricCPU:
		narrowed.CPU = sample.CPU
	case model.MetricMemory:
		narrowed.Memory = sample.Memory
	case model.MetricDisk:
		narrowed.Disk = sample.Disk
	case model.MetricNetwork:
		narrowed.Network = sample.Network
	default:
		return sample
	}
	return narrowed
}
