// Package merge implements run finalization: worker branches are integrated
// on a detached ref, quality gates run once against the integrated tree, and
// only then does the baseline branch move. Per-level execution never merges;
// everything is deferred to this step.
package merge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/smisawa/foreman/internal/events"
	"github.com/smisawa/foreman/internal/gitutil"
	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
)

// CommandRunner executes one gate command and reports its exit code.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, env []string) (exitCode int, output string, err error)
}

type shellRunner struct{}

func (shellRunner) Run(ctx context.Context, dir, command string, env []string) (int, string, error) {
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

// GateResult is the outcome of one quality gate command.
type GateResult struct {
	Name       string `yaml:"name"`
	ExitCode   int    `yaml:"exit_code"`
	DurationMs int64  `yaml:"duration_ms"`
}

// Report summarizes a finalized run.
type Report struct {
	BaselineBefore string       `yaml:"baseline_before"`
	BaselineAfter  string       `yaml:"baseline_after"`
	IntegrationRef string       `yaml:"integration_ref"`
	Merged         []string     `yaml:"merged"`
	Skipped        []string     `yaml:"skipped"`
	Gates          []GateResult `yaml:"gates"`
}

// Options configures a Coordinator. Git, Commands, and Events are
// overridable for tests.
type Options struct {
	Workspace string
	Baseline  string
	Gates     model.GatesConfig
	Logger    *logx.Logger
	Git       gitutil.Runner
	Commands  CommandRunner
	Events    *events.Log
}

// Coordinator integrates worker branches and promotes the baseline.
type Coordinator struct {
	workspace string
	baseline  string
	gates     model.GatesConfig
	logger    *logx.Logger
	git       gitutil.Runner
	commands  CommandRunner
	events    *events.Log
}

func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		workspace: opts.Workspace,
		baseline:  opts.Baseline,
		gates:     opts.Gates,
		logger:    opts.Logger,
		git:       opts.Git,
		commands:  opts.Commands,
		events:    opts.Events,
	}
	if c.git == nil {
		c.git = gitutil.CLI{}
	}
	if c.commands == nil {
		c.commands = shellRunner{}
	}
	return c
}

// Finalize integrates every worker branch from the run and moves the
// baseline forward. The run must be fully resolved first. The baseline only
// moves after every merge lands and every gate passes; any failure leaves it
// exactly where it was.
func (c *Coordinator) Finalize(ctx context.Context, state *model.RunState) (*Report, error) {
	for _, lvl := range state.Levels {
		if !model.IsLevelTerminal(lvl.Status) {
			return nil, fmt.Errorf("cannot finalize: level %d is %s", lvl.Index, lvl.Status)
		}
	}

	before, err := gitutil.RevParse(ctx, c.git, c.workspace, c.baseline)
	if err != nil {
		return nil, fmt.Errorf("resolve baseline %s: %w", c.baseline, err)
	}
	report := &Report{BaselineBefore: before}

	// Detached ref: gate failures and merge conflicts never touch a branch.
	if _, err := c.git.Run(ctx, c.workspace, "checkout", "--detach", before); err != nil {
		return nil, fmt.Errorf("detach at baseline: %w", err)
	}

	for _, w := range state.Workers {
		if w.Branch == "" {
			continue
		}
		// A worker that never committed has no branch to merge.
		if _, err := gitutil.RevParse(ctx, c.git, c.workspace, w.Branch); err != nil {
			report.Skipped = append(report.Skipped, w.Branch)
			continue
		}
		msg := fmt.Sprintf("integrate %s for run %s", w.Branch, state.RunID)
		if _, err := c.git.Run(ctx, c.workspace, "merge", "--no-ff", "-m", msg, w.Branch); err != nil {
			c.git.Run(ctx, c.workspace, "merge", "--abort")
			return nil, &model.MergeConflict{Branch: w.Branch, Err: err}
		}
		report.Merged = append(report.Merged, w.Branch)
		c.logger.Infof("branch_merged branch=%s", w.Branch)
	}

	integrated, err := gitutil.RevParse(ctx, c.git, c.workspace, "HEAD")
	if err != nil {
		return nil, err
	}
	report.IntegrationRef = integrated

	if err := c.runGates(ctx, report); err != nil {
		return report, err
	}

	if _, err := c.git.Run(ctx, c.workspace, "checkout", c.baseline); err != nil {
		return report, err
	}
	if _, err := c.git.Run(ctx, c.workspace, "merge", "--ff-only", integrated); err != nil {
		return report, fmt.Errorf("fast-forward %s: %w", c.baseline, err)
	}
	report.BaselineAfter = integrated

	c.emit(events.EventFinalize, events.Entry{RunID: state.RunID, Details: map[string]any{
		"baseline": c.baseline, "from": before, "to": integrated, "merged": len(report.Merged),
	}})
	c.logger.Infof("finalized run=%s baseline=%s from=%s to=%s",
		state.RunID, c.baseline, before, integrated)
	return report, nil
}

// runGates executes each configured gate command exactly once against the
// integration ref. The first failure stops the promotion.
func (c *Coordinator) runGates(ctx context.Context, report *Report) error {
	timeout := time.Duration(c.gates.TimeoutSec) * time.Second
	for _, gate := range c.gates.Commands {
		gctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		exitCode, output, err := c.commands.Run(gctx, c.workspace, gate.Command, nil)
		duration := time.Since(start).Milliseconds()
		cancel()
		if err != nil {
			return fmt.Errorf("gate %s: %w", gate.Name, err)
		}

		report.Gates = append(report.Gates, GateResult{
			Name: gate.Name, ExitCode: exitCode, DurationMs: duration,
		})
		c.emit(events.EventGate, events.Entry{Details: map[string]any{
			"gate": gate.Name, "exit_code": exitCode, "duration_ms": duration,
		}})

		if exitCode != 0 {
			c.logger.Errorf("gate_failed gate=%s exit=%d output=%q", gate.Name, exitCode, tail(output))
			return fmt.Errorf("quality gate %s failed (exit %d)", gate.Name, exitCode)
		}
		c.logger.Infof("gate_passed gate=%s duration_ms=%d", gate.Name, duration)
	}
	return nil
}

func (c *Coordinator) emit(eventType string, e events.Entry) {
	if c.events == nil {
		return
	}
	if err := c.events.Emit(eventType, e); err != nil {
		c.logger.Warnf("event_emit type=%s error=%v", eventType, err)
	}
}

func tail(s string) string {
	const max = 400
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
