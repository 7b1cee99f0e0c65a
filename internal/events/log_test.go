package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e), "every line must be self-contained JSON")
		out = append(out, e)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestEmitAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	l, err := NewLog(path, "run-123", 0)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Emit(EventSpawn, Entry{WorkerID: "worker-01-aaaaaaaa"}))
	require.NoError(t, l.Emit(EventClaim, Entry{WorkerID: "worker-01-aaaaaaaa", TaskID: "task-a"}))

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, EventSpawn, entries[0].EventType)
	assert.Equal(t, "run-123", entries[0].RunID)
	assert.Equal(t, "task-a", entries[1].TaskID)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestRotationArchivesOldLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.jsonl")
	// Tiny cap so the second event forces rotation.
	l, err := NewLog(path, "run-123", 150)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Emit(EventSpawn, Entry{WorkerID: "worker-01-aaaaaaaa"}))
	require.NoError(t, l.Emit(EventCrash, Entry{WorkerID: "worker-01-aaaaaaaa"}))

	archive, err := os.ReadDir(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	require.Len(t, archive, 1)

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, EventCrash, entries[0].EventType)
}
