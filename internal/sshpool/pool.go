// Package sshpool implements the SSH Pool (spec §4.2): bounded, reusable
// authenticated sessions per Server, with strict host-key verification
// and exponential backoff on connect/auth failure.
package sshpool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cwatcher/cwatcher/internal/cwerrors"
	"github.com/cwatcher/cwatcher/internal/model"
)

// Credential is what the Pool needs to open a session: the Server's
// connection facts plus its already-decrypted secret. The Pool never
// touches the Vault directly — a CredentialResolver does that and hands
// back plaintext that lives only on this call stack.
type Credential struct {
	Server model.Server
	Secret []byte // password, or PEM-encoded private key bytes
}

// CredentialResolver resolves a Server's connection credential, typically
// backed by a server registry lookup plus a Vault decrypt.
type CredentialResolver interface {
	Resolve(ctx context.Context, serverID string) (Credential, error)
}

const (
	idleTTL            = 5 * time.Minute
	failureWindow      = 60 * time.Second
	failureEscalate    = 3
	backoffCap         = 60 * time.Second
	closeServerGrace   = 5 * time.Second
)

// Pool bounds concurrent authenticated sessions per Server at N (default
// 3, configurable 1-8) and recycles idle ones.
type Pool struct {
	logger      *slog.Logger
	resolver    CredentialResolver
	hostKeyPol  *HostKeyPolicy
	connectTO   time.Duration
	maxPerSrv   int

	mu      sync.RWMutex
	servers map[string]*serverState

	closed bool
}

type serverState struct {
	mu           sync.Mutex
	sem          chan struct{}
	idle         []*session
	failures     []time.Time
	backoff      time.Duration
	backoffUntil time.Time
	status       model.Status
	statusReason string
}

// New constructs a Pool. maxPerServer must be in [1,8].
func New(logger *slog.Logger, resolver CredentialResolver, hostKeyPol *HostKeyPolicy, connectTimeout time.Duration, maxPerServer int) *Pool {
	if maxPerServer < 1 {
		maxPerServer = 1
	}
	if maxPerServer > 8 {
		maxPerServer = 8
	}
	return &Pool{
		logger:     logger,
		resolver:   resolver,
		hostKeyPol: hostKeyPol,
		connectTO:  connectTimeout,
		maxPerSrv:  maxPerServer,
		servers:    make(map[string]*serverState),
	}
}

func (p *Pool) stateFor(serverID string) *serverState {
	p.mu.RLock()
	st, ok := p.servers[serverID]
	p.mu.RUnlock()
	if ok {
		return st
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.servers[serverID]; ok {
		return st
	}
	st = &serverState{
		sem:    make(chan struct{}, p.maxPerSrv),
		status: model.StatusUnknown,
	}
	p.servers[serverID] = st
	return st
}

// Lease is a single-command checkout of an authenticated session.
type Lease struct {
	pool     *Pool
	serverID string
	sess     *session
	released bool
}

// Client returns the underlying ssh.Client for the caller to open a
// command channel against.
func (l *Lease) Client() *ssh.Client { return l.sess.client }

// Acquire blocks up to timeout for a semaphore slot, then returns a ready
// session, opening a new one if the idle set is empty.
func (p *Pool) Acquire(ctx context.Context, serverID string, timeout time.Duration) (*Lease, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("sshpool: %w: pool closed", cwerrors.ErrPoolExhausted)
	}

	st := p.stateFor(serverID)

	st.mu.Lock()
	if !st.backoffUntil.IsZero() && time.Now().Before(st.backoffUntil) {
		st.mu.Unlock()
		return nil, fmt.Errorf("sshpool: %w: server %s in backoff until %s", cwerrors.ErrConnectFailed, serverID, st.backoffUntil.Format(time.RFC3339))
	}
	st.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case st.sem <- struct{}{}:
	case <-acquireCtx.Done():
		return nil, fmt.Errorf("sshpool: %w: server %s", cwerrors.ErrPoolExhausted, serverID)
	}

	sess, err := p.checkoutOrDial(ctx, serverID, st)
	if err != nil {
		<-st.sem
		return nil, err
	}

	return &Lease{pool: p, serverID: serverID, sess: sess}, nil
}

func (p *Pool) checkoutOrDial(ctx context.Context, serverID string, st *serverState) (*session, error) {
	st.mu.Lock()
	for len(st.idle) > 0 {
		s := st.idle[len(st.idle)-1]
		st.idle = st.idle[:len(st.idle)-1]
		st.mu.Unlock()

		if time.Since(s.lastUsed) > idleTTL {
			s.close()
			st.mu.Lock()
			continue
		}
		if s.healthy() {
			return s, nil
		}
		if err := s.ping(ctx); err == nil {
			s.lastUsed = time.Now()
			return s, nil
		}
		s.close()
		st.mu.Lock()
	}
	st.mu.Unlock()

	return p.dial(ctx, serverID, st)
}

func (p *Pool) dial(ctx context.Context, serverID string, st *serverState) (*session, error) {
	cred, err := p.resolver.Resolve(ctx, serverID)
	if err != nil {
		p.recordFailure(st, "credential_error")
		return nil, fmt.Errorf("sshpool: resolve credential for %s: %w", serverID, err)
	}

	authMethods, err := authMethodsFor(cred)
	if err != nil {
		p.recordFailure(st, "credential_error")
		return nil, err
	}

	hostKeyCB, err := p.hostKeyPol.Callback()
	if err != nil {
		return nil, fmt.Errorf("sshpool: build host key callback: %w", err)
	}

	addr := net.JoinHostPort(cred.Server.Host, portOrDefault(cred.Server.Port))
	clientCfg := &ssh.ClientConfig{
		User:            cred.Server.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCB,
		Timeout:         p.connectTO,
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.connectTO)
	defer cancel()

	client, err := dialContext(dialCtx, addr, clientCfg)
	if err != nil {
		if isHostKeyErr(err) {
			p.recordOffline(st, "host_key_mismatch")
			return nil, fmt.Errorf("sshpool: %w", cwerrors.ErrHostKeyMismatch)
		}
		if isAuthErr(err) {
			p.recordOffline(st, "auth_failed")
			return nil, fmt.Errorf("sshpool: %w: %v", cwerrors.ErrAuthFailed, err)
		}
		p.recordFailure(st, "connect_failed")
		return nil, fmt.Errorf("sshpool: %w: %v", cwerrors.ErrConnectFailed, err)
	}

	p.recordSuccess(st)
	return &session{serverID: serverID, client: client, lastUsed: time.Now()}, nil
}

func portOrDefault(port int) string {
	if port == 0 {
		return "22"
	}
	return fmt.Sprintf("%d", port)
}

// Release returns a lease's session to the idle set.
func (p *Pool) Release(l *Lease) {
	if l.released {
		return
	}
	l.released = true
	l.sess.lastUsed = time.Now()

	st := p.stateFor(l.serverID)
	st.mu.Lock()
	st.idle = append(st.idle, l.sess)
	st.mu.Unlock()
	<-st.sem
}

// Invalidate marks the leased session unusable; it is closed rather than
// returned to the idle set.
func (p *Pool) Invalidate(l *Lease, reason string) {
	if l.released {
		return
	}
	l.released = true
	l.sess.close()

	st := p.stateFor(l.serverID)
	<-st.sem

	if p.logger != nil {
		p.logger.Warn("ssh session invalidated", "server_id", l.serverID, "reason", reason)
	}
}

// CloseServer waits up to closeServerGrace for outstanding leases on
// serverID to be released or invalidated, then closes every idle
// session and forgets the server. Sessions still leased when the grace
// period ends are not closed by this call.
func (p *Pool) CloseServer(serverID string) {
	st := p.stateFor(serverID)

	deadline := time.Now().Add(closeServerGrace)
	for {
		st.mu.Lock()
		inUse := len(st.sem)
		st.mu.Unlock()
		if inUse <= 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	st.mu.Lock()
	for _, s := range st.idle {
		s.close()
	}
	st.idle = nil
	st.mu.Unlock()

	p.mu.Lock()
	delete(p.servers, serverID)
	p.mu.Unlock()
}

// Close tears the whole pool down. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ids := make([]string, 0, len(p.servers))
	for id := range p.servers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.CloseServer(id)
	}
}

func (p *Pool) recordSuccess(st *serverState) {
	st.mu.Lock()
	st.failures = nil
	st.backoff = 0
	st.backoffUntil = time.Time{}
	st.status = model.StatusOnline
	st.statusReason = ""
	st.mu.Unlock()
}

func (p *Pool) recordFailure(st *serverState, reason string) {
	now := time.Now()
	st.mu.Lock()
	st.failures = append(st.failures, now)
	cutoff := now.Add(-failureWindow)
	kept := st.failures[:0]
	for _, t := range st.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.failures = kept

	if st.backoff == 0 {
		st.backoff = 2 * time.Second
	} else {
		st.backoff *= 2
		if st.backoff > backoffCap {
			st.backoff = backoffCap
		}
	}
	st.backoffUntil = now.Add(st.backoff)

	if len(st.failures) >= failureEscalate {
		st.status = model.StatusOffline
		st.statusReason = reason
	}
	st.mu.Unlock()
}

func (p *Pool) recordOffline(st *serverState, reason string) {
	now := time.Now()
	st.mu.Lock()
	st.status = model.StatusOffline
	st.statusReason = reason
	if st.backoff == 0 {
		st.backoff = 2 * time.Second
	} else {
		st.backoff *= 2
		if st.backoff > backoffCap {
			st.backoff = backoffCap
		}
	}
	st.backoffUntil = now.Add(st.backoff)
	st.mu.Unlock()
}

// Status reports the Pool's last-observed connection status and reason
// for a server.
func (p *Pool) Status(serverID string) (model.Status, string) {
	st := p.stateFor(serverID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status, st.statusReason
}

// ServerStat is one server's connection health snapshot for the
// operator-visible exporter.
type ServerStat struct {
	ServerID string
	Status   model.Status
	Backoff  time.Duration
}

// Stats snapshots every server the Pool currently tracks (any server
// Acquire or Status has been called for, until CloseServer removes it),
// used by the operator-visible exporter.
func (p *Pool) Stats() []ServerStat {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ServerStat, 0, len(p.servers))
	for id, st := range p.servers {
		st.mu.Lock()
		out = append(out, ServerStat{ServerID: id, Status: st.status, Backoff: st.backoff})
		st.mu.Unlock()
	}
	return out
}
