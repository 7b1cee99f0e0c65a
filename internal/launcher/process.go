package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
)

// ProcessLauncher runs workers as child processes of the orchestrator,
// re-invoking this binary's `worker` subcommand in its own process group.
type ProcessLauncher struct {
	*Base
}

func NewProcess(cfg model.Config, logger *logx.Logger) *ProcessLauncher {
	pb := &processBackend{
		agent: cfg.Workers.Agent,
		grace: time.Duration(cfg.Monitor.TerminateGraceSec) * time.Second,
		procs: make(map[string]*workerProc),
	}
	return &ProcessLauncher{Base: newBase(pb, cfg, logger)}
}

type workerProc struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
	logFile  *os.File
}

type processBackend struct {
	agent string
	grace time.Duration

	mu    sync.Mutex
	procs map[string]*workerProc
}

func (p *processBackend) start(ctx context.Context, spec SpawnSpec) (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}

	args := []string{
		"worker",
		"--run-dir", spec.RunDir,
		"--worker-id", spec.WorkerID,
		"--workspace", spec.Workspace,
		"--branch", spec.Branch,
		"--level", strconv.Itoa(spec.Level),
	}
	if p.agent != "" {
		args = append(args, "--agent", p.agent)
	}

	cmd := exec.Command(self, args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	configureWorkerProcess(cmd)

	logPath := filepath.Join(spec.RunDir, "logs", spec.WorkerID+".log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open worker log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return "", fmt.Errorf("start worker process: %w", err)
	}

	wp := &workerProc{cmd: cmd, done: make(chan struct{}), logFile: logFile}
	go func() {
		err := cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			wp.exitCode = exitErr.ExitCode()
		} else if err != nil {
			wp.exitCode = -1
		}
		logFile.Close()
		close(wp.done)
	}()

	p.mu.Lock()
	p.procs[spec.WorkerID] = wp
	p.mu.Unlock()

	return strconv.Itoa(cmd.Process.Pid), nil
}

func (p *processBackend) inspect(_ context.Context, workerID string) (model.WorkerStatus, error) {
	p.mu.Lock()
	wp, ok := p.procs[workerID]
	p.mu.Unlock()
	if !ok {
		return model.WorkerUnknown, fmt.Errorf("no process record for %s", workerID)
	}

	select {
	case <-wp.done:
		if wp.exitCode == 0 {
			return model.WorkerStopped, nil
		}
		return model.WorkerCrashed, nil
	default:
		return model.WorkerRunning, nil
	}
}

func (p *processBackend) stop(_ context.Context, workerID string, force bool) error {
	p.mu.Lock()
	wp, ok := p.procs[workerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no process record for %s", workerID)
	}

	select {
	case <-wp.done:
		return nil // already exited
	default:
	}

	if force {
		return killWorkerProcess(wp.cmd)
	}
	return signalWorkerProcess(wp.cmd)
}
