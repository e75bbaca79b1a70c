package sshpool

import (
	"context"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/cwatcher/cwatcher/internal/model"
)

// authMethodsFor builds the ssh.AuthMethod list for a credential, trying
// key auth when the Server is configured for it and password auth
// otherwise — the same two-path authentication the rest of the pack uses.
func authMethodsFor(cred Credential) ([]ssh.AuthMethod, error) {
	switch cred.Server.AuthKind {
	case model.AuthKey:
		signer, err := ssh.ParsePrivateKey(cred.Secret)
		if err != nil {
			return nil, fmt.Errorf("sshpool: parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case model.AuthPassword:
		return []ssh.AuthMethod{ssh.Password(string(cred.Secret))}, nil
	default:
		return nil, fmt.Errorf("sshpool: unknown auth kind %q", cred.Server.AuthKind)
	}
}

// dialContext wraps ssh.Dial with cooperative cancellation; the ssh
// package's own Timeout field bounds the TCP+handshake phase, but a
// context lets the caller's deadline win even sooner.
func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)

	go func() {
		conn, err := net.DialTimeout("tcp", addr, cfg.Timeout)
		if err != nil {
			ch <- result{nil, err}
			return
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			conn.Close()
			ch <- result{nil, err}
			return
		}
		ch <- result{ssh.NewClient(c, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.client, r.err
	}
}

func isHostKeyErr(err error) bool {
	return strings.Contains(err.Error(), "host key") || strings.Contains(err.Error(), "knownhosts")
}

func isAuthErr(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate") || strings.Contains(err.Error(), "auth")
}
