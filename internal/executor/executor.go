// Package executor runs agent commands through a shell under a hard timeout.
//
// This is the one place in omega where shell interpolation is intended, so
// commands must already have passed security.Filter before reaching it.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/treykane/omega/internal/model"
	"github.com/treykane/omega/internal/util"
)

// DefaultMaxOutput caps each captured stream.
const DefaultMaxOutput = 256 * 1024

// Executor runs shell commands. The zero value uses /bin/sh, the default
// timeout and the default output cap.
type Executor struct {
	Shell     string
	Timeout   time.Duration
	Dir       string
	MaxOutput int
	Now       func() time.Time
}

// New returns an executor using shell and timeout. Zero values fall back to
// /bin/sh and util.DefaultCommandTimeout.
func New(shell string, timeout time.Duration) *Executor {
	return &Executor{Shell: shell, Timeout: timeout}
}

// Execute runs command and always returns a result; failures to launch and
// timeouts are reported through the exit sentinel, never as an error.
//
// Cancelling ctx does not stop the command. The timeout is the only way an
// in-flight command ends early.
func (e *Executor) Execute(ctx context.Context, command string) model.CommandResult {
	shell := util.DefaultString(e.Shell, "/bin/sh")
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = util.DefaultCommandTimeout
	}
	limit := e.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	now := e.Now
	if now == nil {
		now = time.Now
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, shell, "-c", command)
	cmd.Dir = e.Dir
	util.SetProcessGroup(cmd)
	cmd.Cancel = func() error { return util.KillProcessGroup(cmd) }
	// Background children may hold the pipes open after the shell is killed.
	cmd.WaitDelay = time.Second

	stdout := &capped{limit: limit}
	stderr := &capped{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := now()
	err := cmd.Run()
	res := model.CommandResult{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: now().Sub(start),
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Stdout = ""
		res.Stderr = fmt.Sprintf("command timed out after %s", timeout)
		res.ExitCode = model.ExitSentinel
		res.TimedOut = true
		slog.Warn("agent command timed out", "command", command, "timeout", timeout)
	case err == nil:
		res.ExitCode = 0
		res.Success = true
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = model.ExitSentinel
			res.Stderr = strings.TrimSpace(res.Stderr + "\nfailed to execute command: " + err.Error())
			slog.Warn("agent command failed to run", "command", command, "error", err)
		}
	}
	slog.Debug("agent command finished", "command", command, "exit_code", res.ExitCode, "duration", res.Duration)
	return res
}

// capped is a goroutine-safe buffer that silently drops bytes past limit.
type capped struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *capped) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + "\n[output truncated]"
	}
	return c.buf.String()
}
