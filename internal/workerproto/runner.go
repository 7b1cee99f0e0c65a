package workerproto

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/gitutil"
	"github.com/smisawa/foreman/internal/heartbeat"
	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/rundir"
)

// CommandRunner executes one shell command and reports its exit code and
// combined output. Injectable so the protocol is testable without a shell.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, env []string) (exitCode int, output string, err error)
}

// ShellRunner runs commands through `sh -c`.
type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, dir, command string, env []string) (int, string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), string(out), nil
		}
		return -1, string(out), err
	}
	return 0, string(out), nil
}

// Options configures a worker protocol runner.
type Options struct {
	RunDir    string
	WorkerID  string
	Workspace string
	Branch    string
	Level     int
	Agent     string // execution agent command; receives task context via env
	Config    model.Config
	Logger    *logx.Logger

	// Overridable for tests.
	Commands CommandRunner
	Git      gitutil.Runner
	Sleep    func(ctx context.Context, d time.Duration) error
}

// Runner drives the claim/execute/verify/commit/report loop for one worker.
type Runner struct {
	runDir    string
	workerID  string
	workspace string // shared repository root
	workdir   string // this worker's own checkout of its branch
	branch    string
	level     int
	agent     string
	cfg       model.Config
	logger    *logx.Logger

	machine  *Machine
	emitter  *heartbeat.Emitter
	commands CommandRunner
	git      gitutil.Runner
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	curTask *string
	curStep string
}

func NewRunner(opts Options) *Runner {
	cfg := opts.Config
	cfg.ApplyDefaults()

	r := &Runner{
		runDir:    opts.RunDir,
		workerID:  opts.WorkerID,
		workspace: opts.Workspace,
		workdir:   opts.Workspace,
		branch:    opts.Branch,
		level:     opts.Level,
		agent:     opts.Agent,
		cfg:       cfg,
		logger:    opts.Logger,
		machine:   NewMachine(),
		emitter:   heartbeat.NewEmitter(opts.RunDir, opts.WorkerID, cfg.Limits.MaxHeartbeatRecords),
		commands:  opts.Commands,
		git:       opts.Git,
		sleep:     opts.Sleep,
	}
	if r.commands == nil {
		r.commands = ShellRunner{}
	}
	if r.git == nil {
		r.git = gitutil.CLI{}
	}
	if r.sleep == nil {
		r.sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return r
}

// Loop runs the protocol until ctx is cancelled. A returned error means the
// worker should exit non-zero, which the orchestrator treats as a crash.
func (r *Runner) Loop(ctx context.Context) error {
	r.setStep(nil, "preparing")
	if err := r.prepareWorkspace(ctx); err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}

	if err := r.machine.Transition(StateReady); err != nil {
		return err
	}
	r.setStep(nil, "ready")

	// Background heartbeat keeps liveness flowing during long agent runs.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go r.heartbeatLoop(hbCtx)

	idle := time.Duration(r.cfg.Heartbeat.IntervalSec) * time.Second

	for {
		if ctx.Err() != nil {
			return r.stop()
		}

		if err := r.machine.Transition(StateClaiming); err != nil {
			return err
		}
		r.setStep(nil, "claiming")

		entry, err := r.claimNextTask()
		if err != nil {
			r.logger.Warnf("claim_error worker=%s error=%v", r.workerID, err)
		}
		if entry == nil {
			if err := r.machine.Transition(StateReady); err != nil {
				return err
			}
			r.setStep(nil, "idle")
			if err := r.sleep(ctx, idle); err != nil {
				return r.stop()
			}
			continue
		}

		r.logger.Infof("claim_won worker=%s task=%s level=%d", r.workerID, entry.TaskID, entry.Level)
		if err := r.runTask(ctx, entry); err != nil {
			return err
		}
	}
}

// runTask walks one task through execute → verify → commit → report.
func (r *Runner) runTask(ctx context.Context, entry *model.BoardEntry) error {
	taskID := entry.TaskID

	if err := r.machine.Transition(StateExecuting); err != nil {
		return err
	}
	r.setStep(&taskID, "executing")

	if err := r.runAgent(ctx, entry); err != nil {
		// Infrastructure trouble running the agent: exit so the crash path
		// reassigns the task without charging its retry counter.
		return fmt.Errorf("agent execution for %s: %w", taskID, err)
	}

	if err := r.machine.Transition(StateVerifying); err != nil {
		return err
	}
	r.setStep(&taskID, "verifying")

	exitCode, output, durationMs, verr := r.runVerify(ctx, entry)
	if verr != nil {
		return fmt.Errorf("verify command for %s: %w", taskID, verr)
	}
	if exitCode != 0 {
		vf := &model.VerificationFailure{TaskID: taskID, ExitCode: exitCode, Output: output}
		r.logger.Warnf("verify_failed worker=%s task=%s exit=%d", r.workerID, taskID, exitCode)
		if err := r.report(model.TaskResult{
			TaskID:           taskID,
			Status:           model.TaskFailed,
			FailureReason:    model.FailureVerification,
			Summary:          vf.Error(),
			VerifyExitCode:   exitCode,
			VerifyDurationMs: durationMs,
		}); err != nil {
			return err
		}
		if err := r.machine.Transition(StateReady); err != nil {
			return err
		}
		r.setStep(nil, "ready")
		return nil
	}

	if err := r.machine.Transition(StateCommitting); err != nil {
		return err
	}
	r.setStep(&taskID, "committing")

	commitRef, err := r.commit(ctx, entry)
	if err != nil {
		return fmt.Errorf("commit for %s: %w", taskID, err)
	}

	if err := r.report(model.TaskResult{
		TaskID:           taskID,
		Status:           model.TaskCompleted,
		FailureReason:    model.FailureNone,
		Summary:          fmt.Sprintf("verified in %dms", durationMs),
		FilesChanged:     entry.Files,
		VerifyDurationMs: durationMs,
		CommitRef:        commitRef,
	}); err != nil {
		return err
	}
	r.logger.Infof("task_done worker=%s task=%s commit=%s", r.workerID, taskID, commitRef)

	if err := r.machine.Transition(StateReady); err != nil {
		return err
	}
	r.setStep(nil, "ready")
	return nil
}

// prepareWorkspace checks this worker's branch out into a private worktree
// under the run directory. Workers share one repository; a worktree apiece
// keeps concurrent commits off each other's index and HEAD, and keeps task
// commits off the baseline until finalize merges the branch.
func (r *Runner) prepareWorkspace(ctx context.Context) error {
	if r.branch == "" {
		return nil
	}
	if err := os.MkdirAll(rundir.WorktreesDir(r.runDir), 0o755); err != nil {
		return err
	}
	dir := rundir.WorktreePath(r.runDir, r.workerID)

	// Registrations left by a crashed predecessor whose directory is gone.
	if _, err := r.git.Run(ctx, r.workspace, "worktree", "prune"); err != nil {
		return err
	}

	if _, err := r.git.Run(ctx, r.workspace, "rev-parse", "--verify", "refs/heads/"+r.branch); err != nil {
		if _, err := r.git.Run(ctx, r.workspace, "worktree", "add", "-b", r.branch, dir); err != nil {
			return fmt.Errorf("create worktree for %s: %w", r.branch, err)
		}
	} else {
		// The branch outlives a crashed predecessor; pick it up where it left
		// off. --force allows the checkout while the dead worktree is still
		// registered against the branch.
		if _, err := r.git.Run(ctx, r.workspace, "worktree", "add", "--force", dir, r.branch); err != nil {
			return fmt.Errorf("attach worktree for %s: %w", r.branch, err)
		}
	}

	r.workdir = dir
	r.logger.Infof("workspace_ready worker=%s branch=%s dir=%s", r.workerID, r.branch, dir)
	return nil
}

// runAgent invokes the execution agent with the task context in env vars.
// No agent means the workspace is assumed prepared (useful in tests).
func (r *Runner) runAgent(ctx context.Context, entry *model.BoardEntry) error {
	if r.agent == "" {
		return nil
	}
	env := []string{
		"FOREMAN_TASK_ID=" + entry.TaskID,
		"FOREMAN_TASK_FILES=" + strings.Join(entry.Files, ","),
		"FOREMAN_WORKER_ID=" + r.workerID,
		"FOREMAN_BRANCH=" + r.branch,
	}
	exitCode, output, err := r.commands.Run(ctx, r.workdir, r.agent, env)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("agent exited %d: %s", exitCode, lastLine(output))
	}
	return nil
}

// runVerify executes the task's verification command under the configured
// timeout. A timeout surfaces as a non-zero exit, not an error.
func (r *Runner) runVerify(ctx context.Context, entry *model.BoardEntry) (int, string, int64, error) {
	if entry.VerifyCommand == "" {
		return 0, "", 0, nil
	}
	vctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.Verify.TimeoutSec)*time.Second)
	defer cancel()

	start := time.Now()
	exitCode, output, err := r.commands.Run(vctx, r.workdir, entry.VerifyCommand, nil)
	durationMs := time.Since(start).Milliseconds()
	if vctx.Err() == context.DeadlineExceeded {
		return 124, output, durationMs, nil
	}
	return exitCode, output, durationMs, err
}

// commit stages the task's owned files on the worker branch and returns the
// commit hash. Nothing staged still succeeds with the current HEAD.
func (r *Runner) commit(ctx context.Context, entry *model.BoardEntry) (string, error) {
	if len(entry.Files) == 0 {
		if _, err := r.git.Run(ctx, r.workdir, "add", "--all"); err != nil {
			return "", err
		}
	} else {
		args := append([]string{"add", "--"}, entry.Files...)
		if _, err := r.git.Run(ctx, r.workdir, args...); err != nil {
			return "", err
		}
	}

	msg := fmt.Sprintf("%s: task %s", r.branch, entry.TaskID)
	if _, err := r.git.Run(ctx, r.workdir, "commit", "--allow-empty", "-m", msg); err != nil {
		return "", err
	}
	return gitutil.RevParse(ctx, r.git, r.workdir, "HEAD")
}

// report appends one result to this worker's result stream. The worker is
// the only writer of its own file.
func (r *Runner) report(result model.TaskResult) error {
	path := rundir.ResultPath(r.runDir, r.workerID)

	var rf model.ResultFile
	if err := fsio.ReadYAML(path, &rf); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read result file: %w", err)
	}
	rf.SchemaVersion = fsio.CurrentSchemaVersion
	rf.FileType = "result_task"
	rf.WorkerID = r.workerID

	result.ID = model.NewResultID()
	result.WorkerID = r.workerID
	result.CreatedAt = model.Timestamp()
	rf.Results = append(rf.Results, result)

	if err := fsio.AtomicWrite(path, rf); err != nil {
		return fmt.Errorf("write result file: %w", err)
	}
	return nil
}

func (r *Runner) stop() error {
	if err := r.machine.Transition(StateStopped); err != nil {
		return err
	}
	r.setStep(nil, "stopped")
	r.logger.Infof("worker_stopped worker=%s", r.workerID)
	return nil
}

func (r *Runner) setStep(taskID *string, step string) {
	r.mu.Lock()
	r.curTask = taskID
	r.curStep = step
	r.mu.Unlock()
	r.beat()
}

func (r *Runner) beat() {
	r.mu.Lock()
	taskID, step := r.curTask, r.curStep
	r.mu.Unlock()
	if err := r.emitter.Beat(taskID, step, 0); err != nil {
		r.logger.Warnf("heartbeat_emit worker=%s error=%v", r.workerID, err)
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(r.cfg.Heartbeat.IntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat()
		}
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
