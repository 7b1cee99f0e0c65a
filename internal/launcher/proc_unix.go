//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// configureWorkerProcess puts the worker in its own process group so signals
// reach the agent subprocesses it spawns.
func configureWorkerProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalWorkerProcess(cmd *exec.Cmd) error {
	pgid, err := pgidOf(cmd)
	if err != nil {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	return syscall.Kill(-pgid, syscall.SIGTERM)
}

func killWorkerProcess(cmd *exec.Cmd) error {
	pgid, err := pgidOf(cmd)
	if err != nil {
		return cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}

func pgidOf(cmd *exec.Cmd) (int, error) {
	if cmd == nil || cmd.Process == nil || cmd.Process.Pid <= 0 {
		return 0, syscall.ESRCH
	}
	return syscall.Getpgid(cmd.Process.Pid)
}
