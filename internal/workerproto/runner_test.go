package workerproto

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/rundir"
)

const testWorkerID = "worker-01-aaaaaaaa"

// fakeCommands scripts exit codes per command string.
type fakeCommands struct {
	mu    sync.Mutex
	exits map[string]int
	calls []string
	dirs  []string
}

func (f *fakeCommands) Run(ctx context.Context, dir, command string, env []string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	f.dirs = append(f.dirs, dir)
	if code, ok := f.exits[command]; ok {
		return code, "scripted output", nil
	}
	return 0, "", nil
}

// fakeGit records invocations and resolves rev-parse to a fixed hash. Refs
// listed in missing fail rev-parse --verify, as an unborn branch would.
type fakeGit struct {
	mu      sync.Mutex
	missing map[string]bool
	calls   [][]string
	dirs    []string
}

func (f *fakeGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	f.dirs = append(f.dirs, dir)
	if args[0] == "rev-parse" {
		if len(args) >= 3 && args[1] == "--verify" && f.missing[args[2]] {
			return "", fmt.Errorf("unknown revision %s", args[2])
		}
		return "abc123def456", nil
	}
	return "", nil
}

// find returns the first recorded call whose leading args match the prefix,
// along with the directory it ran in.
func (f *fakeGit) find(prefix ...string) ([]string, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, call := range f.calls {
		if len(call) < len(prefix) {
			continue
		}
		match := true
		for j, p := range prefix {
			if call[j] != p {
				match = false
				break
			}
		}
		if match {
			return call, f.dirs[i], true
		}
	}
	return nil, "", false
}

func setupRunDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, rundir.EnsureLayout(dir))
	return dir
}

func publishBoard(t *testing.T, runDir string, level int, entries ...model.BoardEntry) {
	t.Helper()
	board := model.Board{
		SchemaVersion: fsio.CurrentSchemaVersion,
		FileType:      "board",
		RunID:         "run-test",
		Level:         level,
		Entries:       entries,
		UpdatedAt:     model.Timestamp(),
	}
	require.NoError(t, fsio.AtomicWrite(rundir.BoardPath(runDir), board))
}

func newTestRunner(t *testing.T, runDir string, cmds CommandRunner, git *fakeGit) *Runner {
	t.Helper()
	return NewRunner(Options{
		RunDir:    runDir,
		WorkerID:  testWorkerID,
		Workspace: t.TempDir(),
		Branch:    "worker/level-0/01",
		Level:     0,
		Agent:     "agent-cmd",
		Logger:    logx.New(&bytes.Buffer{}, "worker", logx.LevelDebug),
		Commands:  cmds,
		Git:       git,
		Sleep: func(ctx context.Context, d time.Duration) error {
			// Tests never wait; idle means the run is over.
			return context.Canceled
		},
	})
}

func readResults(t *testing.T, runDir string) model.ResultFile {
	t.Helper()
	var rf model.ResultFile
	require.NoError(t, fsio.ReadYAML(rundir.ResultPath(runDir, testWorkerID), &rf))
	return rf
}

func TestLoopClaimsExecutesAndReportsSuccess(t *testing.T) {
	runDir := setupRunDir(t)
	publishBoard(t, runDir, 0, model.BoardEntry{
		TaskID:        "task-a",
		Level:         0,
		Status:        model.TaskPending,
		DepsCompleted: true,
		Files:         []string{"pkg/a.go"},
		VerifyCommand: "go test ./pkg",
	})

	cmds := &fakeCommands{exits: map[string]int{}}
	git := &fakeGit{}
	r := newTestRunner(t, runDir, cmds, git)

	require.NoError(t, r.Loop(context.Background()))
	assert.Equal(t, StateStopped, r.machine.State())

	rf := readResults(t, runDir)
	require.Len(t, rf.Results, 1)
	res := rf.Results[0]
	assert.Equal(t, "task-a", res.TaskID)
	assert.Equal(t, model.TaskCompleted, res.Status)
	assert.Equal(t, model.FailureNone, res.FailureReason)
	assert.Equal(t, "abc123def456", res.CommitRef)
	assert.Equal(t, []string{"pkg/a.go"}, res.FilesChanged)

	// Agent then verify ran, in that order.
	require.Len(t, cmds.calls, 2)
	assert.Equal(t, "agent-cmd", cmds.calls[0])
	assert.Equal(t, "go test ./pkg", cmds.calls[1])

	// Claim file marks the task taken.
	claim, err := os.ReadFile(rundir.ClaimPath(runDir, "task-a"))
	require.NoError(t, err)
	assert.Contains(t, string(claim), testWorkerID)

	// Everything task-related ran in the worker's own worktree, not the
	// shared repository.
	wt := rundir.WorktreePath(runDir, testWorkerID)
	assert.Equal(t, wt, r.workdir)
	assert.Equal(t, []string{wt, wt}, cmds.dirs, "agent and verify run in the worktree")
	_, commitDir, ok := git.find("commit")
	require.True(t, ok)
	assert.Equal(t, wt, commitDir)
}

func TestLoopReportsVerificationFailure(t *testing.T) {
	runDir := setupRunDir(t)
	publishBoard(t, runDir, 0, model.BoardEntry{
		TaskID:        "task-a",
		Level:         0,
		Status:        model.TaskPending,
		DepsCompleted: true,
		VerifyCommand: "go test ./broken",
	})

	cmds := &fakeCommands{exits: map[string]int{"go test ./broken": 1}}
	git := &fakeGit{}
	r := newTestRunner(t, runDir, cmds, git)

	require.NoError(t, r.Loop(context.Background()))

	rf := readResults(t, runDir)
	require.Len(t, rf.Results, 1)
	res := rf.Results[0]
	assert.Equal(t, model.TaskFailed, res.Status)
	assert.Equal(t, model.FailureVerification, res.FailureReason)
	assert.Equal(t, 1, res.VerifyExitCode)

	// Nothing was committed.
	_, _, committed := git.find("commit")
	assert.False(t, committed)
}

func TestLoopIdlesWhenBoardAbsent(t *testing.T) {
	runDir := setupRunDir(t)
	r := newTestRunner(t, runDir, &fakeCommands{}, &fakeGit{})

	require.NoError(t, r.Loop(context.Background()))
	assert.Equal(t, StateStopped, r.machine.State())

	_, err := os.Stat(rundir.ResultPath(runDir, testWorkerID))
	assert.True(t, os.IsNotExist(err), "no result without a task")
}

func TestPrepareWorkspaceCreatesBranchWorktree(t *testing.T) {
	runDir := setupRunDir(t)
	git := &fakeGit{missing: map[string]bool{"refs/heads/worker/level-0/01": true}}
	r := newTestRunner(t, runDir, &fakeCommands{}, git)

	require.NoError(t, r.prepareWorkspace(context.Background()))

	wt := rundir.WorktreePath(runDir, testWorkerID)
	assert.Equal(t, wt, r.workdir)

	// The branch did not exist, so the worktree creates it.
	call, dir, ok := git.find("worktree", "add")
	require.True(t, ok)
	assert.Equal(t, []string{"worktree", "add", "-b", "worker/level-0/01", wt}, call)
	assert.Equal(t, r.workspace, dir, "worktree management runs in the shared repository")
}

func TestPrepareWorkspaceAttachesExistingBranch(t *testing.T) {
	runDir := setupRunDir(t)
	git := &fakeGit{}
	r := newTestRunner(t, runDir, &fakeCommands{}, git)

	require.NoError(t, r.prepareWorkspace(context.Background()))

	// A respawn finds the slot's branch already born; it continues there.
	wt := rundir.WorktreePath(runDir, testWorkerID)
	call, _, ok := git.find("worktree", "add")
	require.True(t, ok)
	assert.Equal(t, []string{"worktree", "add", "--force", wt, "worker/level-0/01"}, call)
}

func TestLoopEstablishesBranchBeforeFirstClaim(t *testing.T) {
	runDir := setupRunDir(t)
	publishBoard(t, runDir, 0, model.BoardEntry{
		TaskID: "task-a", Level: 0, Status: model.TaskPending, DepsCompleted: true,
	})

	git := &fakeGit{missing: map[string]bool{"refs/heads/worker/level-0/01": true}}
	r := newTestRunner(t, runDir, &fakeCommands{}, git)

	require.NoError(t, r.Loop(context.Background()))

	// The worktree (and with it the branch) exists before anything commits,
	// so the task commit lands on the worker branch and never on the
	// checkout the orchestrator integrates into.
	var addIdx, commitIdx = -1, -1
	for i, call := range git.calls {
		switch {
		case len(call) >= 2 && call[0] == "worktree" && call[1] == "add":
			addIdx = i
		case call[0] == "commit" && commitIdx == -1:
			commitIdx = i
		}
	}
	require.GreaterOrEqual(t, addIdx, 0, "branch worktree created")
	require.GreaterOrEqual(t, commitIdx, 0, "task committed")
	assert.Less(t, addIdx, commitIdx)
	assert.Equal(t, rundir.WorktreePath(runDir, testWorkerID), git.dirs[commitIdx])
	assert.NotEqual(t, r.workspace, git.dirs[commitIdx])
}

func TestClaimSkipsIneligibleEntries(t *testing.T) {
	runDir := setupRunDir(t)
	publishBoard(t, runDir, 1,
		model.BoardEntry{TaskID: "done", Level: 1, Status: model.TaskCompleted, DepsCompleted: true},
		model.BoardEntry{TaskID: "wrong-level", Level: 2, Status: model.TaskPending, DepsCompleted: true},
		model.BoardEntry{TaskID: "deps-open", Level: 1, Status: model.TaskPending, DepsCompleted: false},
		model.BoardEntry{TaskID: "eligible", Level: 1, Status: model.TaskPending, DepsCompleted: true},
	)

	r := newTestRunner(t, runDir, &fakeCommands{}, &fakeGit{})
	entry, err := r.claimNextTask()
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "eligible", entry.TaskID)
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	runDir := setupRunDir(t)

	a := newTestRunner(t, runDir, &fakeCommands{}, &fakeGit{})
	b := NewRunner(Options{
		RunDir:   runDir,
		WorkerID: "worker-02-bbbbbbbb",
		Logger:   logx.New(&bytes.Buffer{}, "worker", logx.LevelDebug),
	})

	wonA, err := a.tryClaim("task-a", 0)
	require.NoError(t, err)
	wonB, err := b.tryClaim("task-a", 0)
	require.NoError(t, err)

	assert.True(t, wonA)
	assert.False(t, wonB, "second claim loses the race")

	claim, err := os.ReadFile(rundir.ClaimPath(runDir, "task-a"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(claim), testWorkerID))
	assert.False(t, strings.Contains(string(claim), "worker-02-bbbbbbbb"))
}

func TestClaimRaceConcurrent(t *testing.T) {
	runDir := setupRunDir(t)

	const n = 8
	wins := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := model.NewWorkerID(i + 1)
		r := NewRunner(Options{
			RunDir:   runDir,
			WorkerID: id,
			Logger:   logx.New(&bytes.Buffer{}, "worker", logx.LevelDebug),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := r.tryClaim("task-a", 0)
			assert.NoError(t, err)
			if won {
				wins <- id
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	assert.Len(t, winners, 1, "exactly one claim wins")
}

func TestRunnerRestartAppendsToResults(t *testing.T) {
	runDir := setupRunDir(t)
	r := newTestRunner(t, runDir, &fakeCommands{}, &fakeGit{})

	require.NoError(t, r.report(model.TaskResult{TaskID: "task-a", Status: model.TaskCompleted}))
	require.NoError(t, r.report(model.TaskResult{TaskID: "task-b", Status: model.TaskFailed, FailureReason: model.FailureVerification}))

	rf := readResults(t, runDir)
	require.Len(t, rf.Results, 2)
	assert.Equal(t, "task-a", rf.Results[0].TaskID)
	assert.Equal(t, "task-b", rf.Results[1].TaskID)
	assert.NotEmpty(t, rf.Results[0].ID)
	assert.NotEqual(t, rf.Results[0].ID, rf.Results[1].ID)
}
