package executor

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
	"github.com/cwatcher/cwatcher/internal/sshpool"
)

// startFakeHost runs a minimal SSH server whose exec handler echoes
// canned output depending on the command it received, so the Executor's
// timeout/exit-status handling can be exercised end to end.
func startFakeHost(t *testing.T) string {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			return nil, nil
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
			go serveFakeHostConn(conn, cfg)
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func serveFakeHostConn(conn net.Conn, cfg *ssh.ServerConfig) {
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
		go handleFakeSession(ch, reqs)
	}
}

func handleFakeSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		// payload is a length-prefixed string per RFC 4254 6.5
		cmd := string(req.Payload[4:])
		switch {
		case cmd == "cat /proc/stat":
			ch.Write([]byte("cpu  100 0 50 800 0 0 0 0 0 0\n"))
			sendExit(ch, 0)
		case cmd == "cat /proc/loadavg":
			sendExit(ch, 1)
		case cmd == "sleep-forever":
			time.Sleep(5 * time.Second)
			sendExit(ch, 0)
		default:
			sendExit(ch, 0)
		}
		ch.Close()
	}
}

func sendExit(ch ssh.Channel, code int) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}

func newTestPool(t *testing.T) (*sshpool.Pool, string) {
	t.Helper()
	addr := startFakeHost(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	resolver := testResolver{cred: sshpool.Credential{
		Server: model.Server{ID: "srv-1", Host: host, Port: port, Username: "root", AuthKind: model.AuthPassword},
		Secret: []byte("anything"),
	}}
	pool := sshpool.New(nil, resolver, sshpool.NewHostKeyPolicy("", true), 2*time.Second, 2)
	t.Cleanup(pool.Close)
	return pool, "srv-1"
}

type testResolver struct {
	cred sshpool.Credential
}

func (r testResolver) Resolve(ctx context.Context, serverID string) (sshpool.Credential, error) {
	return r.cred, nil
}

func TestExecuteSuccess(t *testing.T) {
	pool, serverID := newTestPool(t)
	ex := New(pool)

	out, err := ex.Execute(context.Background(), serverID, KeyCPU, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Exit)
	assert.Contains(t, out.Stdout, "cpu")
}

func TestExecuteNonZeroExit(t *testing.T) {
	pool, serverID := newTestPool(t)
	ex := New(pool)

	_, err := ex.Execute(context.Background(), serverID, KeyLoad, 2*time.Second)
	require.Error(t, err)
}

func TestExecuteTimeoutInvalidatesSession(t *testing.T) {
	pool, serverID := newTestPool(t)
	ex := New(pool)

	lease, err := pool.Acquire(context.Background(), serverID, time.Second)
	require.NoError(t, err)
	pool.Release(lease)

	// Point KeyCPU at the command the fake host answers with a long
	// sleep, so executor.run's deadline fires before any exit status
	// arrives. The original registry entry is restored afterwards.
	orig := registry[KeyCPU]
	registry[KeyCPU] = definition{command: "sleep-forever", timeout: orig.timeout}
	t.Cleanup(func() { registry[KeyCPU] = orig })

	_, err = ex.Execute(context.Background(), serverID, KeyCPU, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, cwerrors.ErrCommandTimeout)
}

func TestExecuteUnknownKey(t *testing.T) {
	pool, serverID := newTestPool(t)
	ex := New(pool)

	_, err := ex.Execute(context.Background(), serverID, Key("bogus"), time.Second)
	require.Error(t, err)
}
