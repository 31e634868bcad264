package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFileJSON simulates a worker process writing directly, bypassing the
// manager.
func writeFileJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	// write-then-rename, like real workers: a truncate-and-write can be
	// observed mid-write and dispatched with partial content
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, data, 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestWatcherReportsExternalStatusChange(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	require.NoError(t, m.RegisterWorker("worker-0"))
	col := &collector{}
	m.On(EventWorkerStatusChanged, col.handler())
	require.NoError(t, m.StartWatching())

	time.Sleep(50 * time.Millisecond)
	writeFileJSON(t, filepath.Join(m.Dir(), "workers", "worker-0", "status.json"), &WorkerStatusFile{
		WorkerID:      "worker-0",
		Status:        WorkerFileSuccess,
		Progress:      1,
		LastHeartbeat: time.Now(),
		UpdatedAt:     time.Now(),
	})

	e := col.waitFor(t, EventWorkerStatusChanged)
	assert.Equal(t, "worker-0", e.WorkerID)
	data, ok := e.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "success", data["status"])
}

func TestWatcherReportsApprovalLifecycle(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	require.NoError(t, m.RegisterWorker("worker-0"))
	col := &collector{}
	m.On(EventPendingApprovalCreated, col.handler())
	m.On(EventPendingApprovalRemoved, col.handler())
	require.NoError(t, m.StartWatching())

	path := filepath.Join(m.Dir(), "workers", "worker-0", "pending_approval.json")
	time.Sleep(50 * time.Millisecond)
	writeFileJSON(t, path, &PendingApprovalFile{
		ID: "appr-1", WorkerID: "worker-0", Action: "delete file", RequestedAt: time.Now(),
	})
	col.waitFor(t, EventPendingApprovalCreated)

	require.NoError(t, os.Remove(path))
	e := col.waitFor(t, EventPendingApprovalRemoved)
	assert.Equal(t, "worker-0", e.WorkerID)
}

func TestWatcherReportsThinkingAndActions(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	require.NoError(t, m.RegisterWorker("worker-0"))
	col := &collector{}
	m.On(EventThinkingUpdated, col.handler())
	m.On(EventActionCompleted, col.handler())
	require.NoError(t, m.StartWatching())

	wd := filepath.Join(m.Dir(), "workers", "worker-0")
	time.Sleep(50 * time.Millisecond)

	line, err := json.Marshal(ThinkingRecord{Stage: StageAnalysis, Content: "reading inputs", Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wd, "thinking.jsonl"), append(line, '\n'), 0o644))
	col.waitFor(t, EventThinkingUpdated)

	line, err = json.Marshal(ActionRecord{Type: ActionToolCall, Name: "grep", Success: true, Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wd, "actions.jsonl"), append(line, '\n'), 0o644))
	col.waitFor(t, EventActionCompleted)
}

func TestWatcherDoesNotDuplicateManagerEvents(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	col := &collector{}
	m.On(EventProgressUpdated, col.handler())
	require.NoError(t, m.StartWatching())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.WriteProgress(&ProgressFile{TaskID: "task-1", CurrentStep: 1, TotalSteps: 2}))

	// give both fsnotify and several poll sweeps time to fire
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, col.snapshot(), 1, "manager-originated write must be reported exactly once")
}

func TestWatcherPicksUpNewWorkerDirectories(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	col := &collector{}
	m.On(EventWorkerStatusChanged, col.handler())
	require.NoError(t, m.StartWatching())

	// worker directory created after watching started
	wd := filepath.Join(m.Dir(), "workers", "worker-7")
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.MkdirAll(wd, 0o755))
	writeFileJSON(t, filepath.Join(wd, "status.json"), &WorkerStatusFile{
		WorkerID: "worker-7", Status: WorkerFileWorking, LastHeartbeat: time.Now(), UpdatedAt: time.Now(),
	})

	e := col.waitFor(t, EventWorkerStatusChanged)
	assert.Equal(t, "worker-7", e.WorkerID)
}

func TestStopWatchingSilencesEvents(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	require.NoError(t, m.RegisterWorker("worker-0"))
	col := &collector{}
	m.On(EventWorkerStatusChanged, col.handler())
	require.NoError(t, m.StartWatching())
	m.StopWatching()

	writeFileJSON(t, filepath.Join(m.Dir(), "workers", "worker-0", "status.json"), &WorkerStatusFile{
		WorkerID: "worker-0", Status: WorkerFileError, LastHeartbeat: time.Now(), UpdatedAt: time.Now(),
	})
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, col.snapshot())
}
