package sshpool

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/cwatcher/cwatcher/internal/cwerrors"
	"github.com/cwatcher/cwatcher/internal/model"
)

// startTestSSHServer runs a minimal in-process SSH server accepting
// password "correct-password" for any user, so the Pool's dial/auth path
// can be exercised without a real host.
func startTestSSHServer(t *testing.T) (addr string, stop func()) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == "correct-password" {
				return nil, nil
			}
			return nil, assert.AnError
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
				if err != nil {
					return
				}
				defer sc.Close()
				go ssh.DiscardRequests(reqs)
				for newCh := range chans {
					if newCh.ChannelType() != "session" {
						newCh.Reject(ssh.UnknownChannelType, "unsupported")
						continue
					}
					ch, reqs, err := newCh.Accept()
					if err != nil {
						continue
					}
					go func() {
						for req := range reqs {
							if req.Type == "exec" {
								ch.Write([]byte("ok\n"))
								req.Reply(true, nil)
								ch.Close()
							} else {
								req.Reply(false, nil)
							}
						}
					}()
				}
			}()
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

type staticResolver struct {
	cred Credential
}

func (r staticResolver) Resolve(ctx context.Context, serverID string) (Credential, error) {
	return r.cred, nil
}

func hostAndPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestPoolAcquireReleaseRoundTrip(t *testing.T) {
	addr, stop := startTestSSHServer(t)
	defer stop()
	host, port := hostAndPort(t, addr)

	resolver := staticResolver{cred: Credential{
		Server: model.Server{ID: "srv-1", Host: host, Port: port, Username: "root", AuthKind: model.AuthPassword},
		Secret: []byte("correct-password"),
	}}

	pool := New(nil, resolver, NewHostKeyPolicy("", true), 2*time.Second, 2)
	defer pool.Close()

	lease, err := pool.Acquire(context.Background(), "srv-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease.Client())
	pool.Release(lease)

	status, _ := pool.Status("srv-1")
	assert.Equal(t, model.StatusOnline, status)
}

func TestPoolAcquireRespectsMaxPerServer(t *testing.T) {
	addr, stop := startTestSSHServer(t)
	defer stop()
	host, port := hostAndPort(t, addr)

	resolver := staticResolver{cred: Credential{
		Server: model.Server{ID: "srv-1", Host: host, Port: port, Username: "root", AuthKind: model.AuthPassword},
		Secret: []byte("correct-password"),
	}}

	pool := New(nil, resolver, NewHostKeyPolicy("", true), 2*time.Second, 1)
	defer pool.Close()

	lease1, err := pool.Acquire(context.Background(), "srv-1", time.Second)
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), "srv-1", 100*time.Millisecond)
	require.Error(t, err)

	pool.Release(lease1)

	lease2, err := pool.Acquire(context.Background(), "srv-1", time.Second)
	require.NoError(t, err)
	pool.Release(lease2)
}

func TestPoolAuthFailureBacksOffServer(t *testing.T) {
	addr, stop := startTestSSHServer(t)
	defer stop()
	host, port := hostAndPort(t, addr)

	resolver := staticResolver{cred: Credential{
		Server: model.Server{ID: "srv-1", Host: host, Port: port, Username: "root", AuthKind: model.AuthPassword},
		Secret: []byte("wrong-password"),
	}}

	pool := New(nil, resolver, NewHostKeyPolicy("", true), 2*time.Second, 1)
	defer pool.Close()

	_, err := pool.Acquire(context.Background(), "srv-1", time.Second)
	require.Error(t, err)

	status, reason := pool.Status("srv-1")
	assert.Equal(t, model.StatusOffline, status)
	assert.Equal(t, "auth_failed", reason)

	_, err = pool.Acquire(context.Background(), "srv-1", time.Second)
	assert.ErrorIs(t, err, cwerrors.ErrConnectFailed, "an acquire inside the backoff window should be refused")
}
