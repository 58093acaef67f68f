//go:build !windows

package util

import (
	"os/exec"
	"syscall"
)

// SetProcessGroup puts the command in its own process group so the whole
// tree it spawns can be signalled together.
func SetProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// SignalProcessGroup sends sig to the process group led by cmd. It falls back
// to the single process when the group cannot be resolved.
//
// A command started with Setpgid or Setsid leads a group whose id is its
// pid, so the group is still signalled after the leader has been reaped.
// That is how children a provider left behind get cleaned up.
func SignalProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil && leadsGroup(cmd) {
		pgid, err = pid, nil
	}
	if err == nil && pgid > 0 {
		return syscall.Kill(-pgid, sig)
	}
	return cmd.Process.Signal(sig)
}

func leadsGroup(cmd *exec.Cmd) bool {
	a := cmd.SysProcAttr
	return a != nil && (a.Setpgid || a.Setsid)
}

// KillProcessGroup kills the process group led by cmd.
func KillProcessGroup(cmd *exec.Cmd) error {
	return SignalProcessGroup(cmd, syscall.SIGKILL)
}
