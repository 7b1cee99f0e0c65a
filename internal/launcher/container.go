package launcher

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
)

// ContainerLauncher runs workers as containers via the docker CLI. The run
// directory and workspace are bind-mounted so the file-based protocol
// (board, claims, results, heartbeats) works unchanged.
type ContainerLauncher struct {
	*Base
}

func NewContainer(cfg model.Config, logger *logx.Logger) *ContainerLauncher {
	cb := &containerBackend{
		image:     cfg.Workers.Image,
		agent:     cfg.Workers.Agent,
		resources: cfg.Workers.Resources,
		graceSec:  cfg.Monitor.TerminateGraceSec,
	}
	return &ContainerLauncher{Base: newBase(cb, cfg, logger)}
}

type containerBackend struct {
	image     string
	agent     string
	resources model.ResourcesConfig
	graceSec  int
}

func containerName(workerID string) string {
	return "foreman-" + workerID
}

func (c *containerBackend) start(ctx context.Context, spec SpawnSpec) (string, error) {
	if c.image == "" {
		return "", fmt.Errorf("container backend requires workers.image")
	}

	args := []string{
		"run", "--detach",
		"--name", containerName(spec.WorkerID),
		"--label", "foreman.feature=" + spec.Feature,
		"--volume", spec.RunDir + ":/run/foreman",
		"--volume", spec.Workspace + ":/workspace",
		"--workdir", "/workspace",
	}
	if c.resources.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(c.resources.CPUs, 'f', -1, 64))
	}
	if c.resources.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", c.resources.MemoryMB))
	}
	for k, v := range spec.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, c.image,
		"foreman", "worker",
		"--run-dir", "/run/foreman",
		"--worker-id", spec.WorkerID,
		"--workspace", "/workspace",
		"--branch", spec.Branch,
		"--level", strconv.Itoa(spec.Level),
	)
	if c.agent != "" {
		args = append(args, "--agent", c.agent)
	}

	out, err := runDocker(ctx, args...)
	if err != nil {
		return "", err
	}
	containerID := strings.TrimSpace(out)
	if containerID == "" {
		return "", fmt.Errorf("docker run returned no container id")
	}
	return containerID, nil
}

func (c *containerBackend) inspect(ctx context.Context, workerID string) (model.WorkerStatus, error) {
	out, err := runDocker(ctx, "inspect",
		"--format", "{{.State.Status}}:{{.State.ExitCode}}",
		containerName(workerID))
	if err != nil {
		return model.WorkerUnknown, err
	}

	state, code, ok := strings.Cut(strings.TrimSpace(out), ":")
	if !ok {
		return model.WorkerUnknown, fmt.Errorf("unexpected inspect output %q", out)
	}

	switch state {
	case "running", "created", "restarting":
		return model.WorkerRunning, nil
	case "exited", "dead":
		if code == "0" {
			return model.WorkerStopped, nil
		}
		return model.WorkerCrashed, nil
	case "paused":
		return model.WorkerStalled, nil
	default:
		return model.WorkerUnknown, fmt.Errorf("unknown container state %q", state)
	}
}

func (c *containerBackend) stop(ctx context.Context, workerID string, force bool) error {
	if force {
		_, err := runDocker(ctx, "rm", "--force", containerName(workerID))
		return err
	}
	_, err := runDocker(ctx, "stop", "--time", strconv.Itoa(c.graceSec), containerName(workerID))
	return err
}

func runDocker(ctx context.Context, args ...string) (string, error) {
	dctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	out, err := exec.CommandContext(dctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
