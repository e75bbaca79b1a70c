package executor

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cwatcher/cwatcher/internal/cwerrors"
	"github.com/cwatcher/cwatcher/internal/sshpool"
)

const stderrExcerptLimit = 1024

// RawOutput is one command's full result, handed to the Parser Suite.
// Elapsed is debug-only — it must never feed a MetricsSample timestamp.
type RawOutput struct {
	Stdout  string
	Stderr  string
	Exit    int
	Elapsed time.Duration
}

// LeaseAcquirer is the subset of *sshpool.Pool the Executor needs,
// narrowed so tests can substitute a fake.
type LeaseAcquirer interface {
	Acquire(ctx context.Context, serverID string, timeout time.Duration) (*sshpool.Lease, error)
	Release(l *sshpool.Lease)
	Invalidate(l *sshpool.Lease, reason string)
}

// Executor runs registry commands through a LeaseAcquirer.
type Executor struct {
	pool LeaseAcquirer
}

// New constructs an Executor bound to a Pool.
func New(pool LeaseAcquirer) *Executor {
	return &Executor{pool: pool}
}

// Execute acquires a lease for serverID, runs the registry command for
// key to completion or timeout, and returns its raw output. A non-zero
// exit status is reported as a *cwerrors.CommandFailed error alongside a
// (possibly empty) RawOutput; a timeout invalidates the session rather
// than the whole pool.
func (e *Executor) Execute(ctx context.Context, serverID string, key Key, timeout time.Duration) (RawOutput, error) {
	def, ok := lookup(key)
	if !ok {
		return RawOutput{}, fmt.Errorf("executor: unknown command key %q", key)
	}
	if timeout <= 0 {
		timeout = def.timeout
	}

	lease, err := e.pool.Acquire(ctx, serverID, 10*time.Second)
	if err != nil {
		return RawOutput{}, fmt.Errorf("executor: acquire lease: %w", err)
	}

	start := time.Now()
	out, err := e.run(ctx, lease, def.command, timeout)
	out.Elapsed = time.Since(start)

	if err != nil {
		if errIsTimeout(err) {
			e.pool.Invalidate(lease, "command_timeout")
			return out, fmt.Errorf("executor: %w", cwerrors.ErrCommandTimeout)
		}
		e.pool.Invalidate(lease, "command_io_error")
		return out, fmt.Errorf("executor: run %s: %w", key, err)
	}

	e.pool.Release(lease)

	if out.Exit != 0 {
		excerpt := out.Stderr
		if len(excerpt) > stderrExcerptLimit {
			excerpt = excerpt[:stderrExcerptLimit]
		}
		return out, &cwerrors.CommandFailed{Exit: out.Exit, StderrExcerpt: excerpt}
	}

	return out, nil
}

func (e *Executor) run(ctx context.Context, lease *sshpool.Lease, command string, timeout time.Duration) (RawOutput, error) {
	sess, err := lease.Client().NewSession()
	if err != nil {
		return RawOutput{}, fmt.Errorf("new ssh session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-runCtx.Done():
		sess.Close()
		return RawOutput{Stdout: stdout.String(), Stderr: stderr.String()}, timeoutError{}
	case err := <-done:
		exit := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exit = exitErr.ExitStatus()
			} else {
				return RawOutput{Stdout: stdout.String(), Stderr: stderr.String()}, err
			}
		}
		return RawOutput{Stdout: stdout.String(), Stderr: stderr.String(), Exit: exit}, nil
	}
}

type timeoutError struct{}

func (timeoutError) Error() string { return "command timed out" }

func errIsTimeout(err error) bool {
	_, ok := err.(timeoutError)
	return ok
}
