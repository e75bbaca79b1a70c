package sshpool

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cwatcher/cwatcher/internal/cwerrors"
)

// HostKeyPolicy builds the ssh.HostKeyCallback the Pool uses to dial a
// Server. Strict verification against an operator-managed known_hosts
// file is the default; an empty or missing file refuses every
// connection rather than falling back to trust-on-first-use. TOFU is
// only available when the operator explicitly opts in.
type HostKeyPolicy struct {
	knownHostsPath string
	allowTOFU      bool
}

// NewHostKeyPolicy constructs the policy from the two config keys that
// govern it (known_hosts_path, allow_tofu).
func NewHostKeyPolicy(knownHostsPath string, allowTOFU bool) *HostKeyPolicy {
	return &HostKeyPolicy{knownHostsPath: knownHostsPath, allowTOFU: allowTOFU}
}

// Callback returns the ssh.HostKeyCallback for a single dial attempt.
func (p *HostKeyPolicy) Callback() (ssh.HostKeyCallback, error) {
	if p.knownHostsPath == "" {
		if p.allowTOFU {
			return acceptAnyOnce(), nil
		}
		// No known-hosts store configured and TOFU not opted into: refuse
		// every connection rather than silently trusting anything offered.
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return fmt.Errorf("sshpool: %w: no known_hosts_path configured and allow_tofu=false", cwerrors.ErrHostKeyMismatch)
		}, nil
	}

	cb, err := knownhosts.New(p.knownHostsPath)
	if err != nil {
		if os.IsNotExist(err) && p.allowTOFU {
			return acceptAnyOnce(), nil
		}
		return nil, fmt.Errorf("sshpool: load known_hosts %q: %w", p.knownHostsPath, err)
	}

	if !p.allowTOFU {
		return strictCallback(cb), nil
	}

	// TOFU fallback: unknown hosts are appended to the known_hosts file on
	// first connect; key mismatches for already-known hosts still fail.
	return p.tofuWrapping(cb), nil
}

func strictCallback(cb ssh.HostKeyCallback) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := cb(hostname, remote, key); err != nil {
			return fmt.Errorf("sshpool: %w: %v", cwerrors.ErrHostKeyMismatch, err)
		}
		return nil
	}
}

func (p *HostKeyPolicy) tofuWrapping(cb ssh.HostKeyCallback) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
			// Host is known under a different key: always reject, even in
			// TOFU mode. TOFU only covers hosts never seen before.
			return fmt.Errorf("sshpool: %w: %v", cwerrors.ErrHostKeyMismatch, err)
		}
		if err := appendKnownHost(p.knownHostsPath, hostname, key); err != nil {
			return fmt.Errorf("sshpool: tofu append known_hosts: %w", err)
		}
		return nil
	}
}

// acceptAnyOnce is used only when there is no known_hosts file at all and
// the operator has opted into TOFU; there is nothing to append to, so the
// key is trusted for the lifetime of the process only.
func acceptAnyOnce() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return nil
	}
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	line := knownhosts.Line([]string{hostname}, key)
	_, err = f.WriteString(line + "\n")
	return err
}
