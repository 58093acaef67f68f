package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/treykane/omega/internal/model"
	"github.com/treykane/omega/internal/util"
)

// Process is one running tunnel provider.
//
// Standard output and standard error are merged into a single line stream,
// read with ReadLine by exactly one goroutine (the supervisor's monitor).
// Providers flagged PTY get a pseudo-terminal instead of a pipe; ssh-based
// providers only print their forwarding banner to a tty.
//
// Fields are private; the supervisor owns the lifecycle:
//   - ReadLine until it returns an error (io.EOF at end of stream).
//   - Wait to collect the exit status. The stream can outlive the process
//     when a child inherited it, so exit is watched through Done.
//   - Stop to terminate or, after an exit, to release the stream. Safe to
//     call any number of times.
type Process struct {
	cmd     *exec.Cmd
	out     io.ReadCloser
	lines   *bufio.Scanner
	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopped  chan struct{}
	grace    time.Duration
}

// Launcher abstracts tunnel process creation so the supervisor can be tested
// without the real provider binaries.
type Launcher interface {
	Launch(ctx context.Context, spec model.ProviderSpec) (*Process, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, spec model.ProviderSpec) (*Process, error)

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context, spec model.ProviderSpec) (*Process, error) {
	return f(ctx, spec)
}

// ExecLauncher starts providers as local child processes.
type ExecLauncher struct {
	// Dir is the working directory for provider processes. Empty means the
	// current directory.
	Dir string
}

// Launch implements Launcher.
func (l ExecLauncher) Launch(ctx context.Context, spec model.ProviderSpec) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("provider %s has no command", spec.ID)
	}
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = l.Dir
	if spec.PTY {
		return StartPTY(cmd)
	}
	return Start(cmd)
}

// Start launches cmd with stdout and stderr merged into one pipe.
func Start(cmd *exec.Cmd) (*Process, error) {
	util.SetProcessGroup(cmd)
	cmd.Cancel = func() error { return util.KillProcessGroup(cmd) }

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	// The child holds its own copy of the write end; closing ours lets the
	// reader see EOF once the child exits.
	_ = w.Close()
	return newProcess(cmd, r), nil
}

// StartPTY launches cmd attached to a new pseudo-terminal. The child becomes
// a session leader, so its process group can be signalled like Start's.
func StartPTY(cmd *exec.Cmd) (*Process, error) {
	cmd.Cancel = func() error { return util.KillProcessGroup(cmd) }
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	return newProcess(cmd, f), nil
}

func newProcess(cmd *exec.Cmd, out io.ReadCloser) *Process {
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	p := &Process{
		cmd:     cmd,
		out:     out,
		lines:   sc,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		grace:   util.StopGracePeriod,
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ReadLine returns the next output line without its line terminator, or
// io.EOF once the stream is finished or the process has been stopped.
func (p *Process) ReadLine() (string, error) {
	if p.lines.Scan() {
		return strings.TrimRight(p.lines.Text(), "\r"), nil
	}
	err := p.lines.Err()
	// A pty master reports EIO after the child exits, and Stop closes the
	// stream under a blocked reader.
	if err == nil || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
		return "", io.EOF
	}
	return "", err
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Exited reports whether the process has already exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stop sends SIGTERM to the process group, escalates to SIGKILL after the
// grace period, and releases the output stream. When the process already
// exited, anything left in its group is killed and the stream is released.
// Only the first call does anything.
func (p *Process) Stop() error {
	if p == nil {
		return nil
	}
	p.stopOnce.Do(func() {
		if p.Exited() {
			_ = util.KillProcessGroup(p.cmd)
		} else {
			_ = util.SignalProcessGroup(p.cmd, syscall.SIGTERM)
			select {
			case <-p.done:
			case <-time.After(p.grace):
				_ = util.KillProcessGroup(p.cmd)
				<-p.done
			}
		}
		_ = p.out.Close()
		close(p.stopped)
	})
	return nil
}
