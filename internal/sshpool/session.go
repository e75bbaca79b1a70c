package sshpool

import (
	"context"
	"time"

	"golang.org/x/crypto/ssh"
)

// session wraps one authenticated SSH connection to a Server. A session
// itself is never used to run more than one command concurrently — the
// caller opens a fresh ssh.Session (channel) per command against the
// same underlying ssh.Client.
type session struct {
	serverID string
	client   *ssh.Client
	lastUsed time.Time
}

// healthy reports whether the session can be handed out without a
// round-trip check: recent activity within 30s is considered live.
func (s *session) healthy() bool {
	return time.Since(s.lastUsed) < 30*time.Second
}

// ping runs a cheap no-op command to verify the connection is alive
// before reuse when the recent-activity check is inconclusive.
func (s *session) ping(ctx context.Context) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	done := make(chan error, 1)
	go func() { done <- sess.Run("true") }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (s *session) close() {
	_ = s.client.Close()
}
