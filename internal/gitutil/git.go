// Package gitutil wraps the git CLI invocations shared by the worker commit
// step and the merge coordinator.
package gitutil

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes git commands in a repository. The interface exists so the
// merge coordinator and worker protocol are testable without a repo.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// CLI shells out to the git binary.
type CLI struct {
	// Timeout bounds a single git invocation. Zero means 5 minutes.
	Timeout time.Duration
}

func (c CLI) Run(ctx context.Context, dir string, args ...string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(gctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when detached.
func CurrentBranch(ctx context.Context, r Runner, dir string) (string, error) {
	return r.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// RevParse resolves a ref to a commit hash.
func RevParse(ctx context.Context, r Runner, dir, ref string) (string, error) {
	return r.Run(ctx, dir, "rev-parse", ref)
}
