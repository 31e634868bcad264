package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"tachikoma/internal/session"
	"tachikoma/internal/task"
)

// awaitWorker is the completion gate: it polls the worker's session files
// until the worker reports a terminal status, the heartbeat goes stale, the
// timeout elapses, or the run is cancelled.
func (o *Orchestrator) awaitWorker(ctx context.Context, sm *session.Manager, taskID, workerID, subtaskID string, timeout time.Duration) (*task.Result, error) {
	poll := o.sessionCfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	started := time.Now()
	lastProgress := -1.0

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, err := sm.ReadWorkerStatus(workerID)
		if err != nil {
			o.logger.Warn("completion gate: %v", err)
		}
		// a terminal report for a different sub-task is a leftover from the
		// worker's previous assignment
		if status != nil && status.CurrentSubtask != "" && status.CurrentSubtask != subtaskID {
			status.Status = session.WorkerFileWorking
		}
		if status != nil {
			switch status.Status {
			case session.WorkerFileSuccess:
				return o.buildWorkerResult(sm, workerID, subtaskID, status, started), nil
			case session.WorkerFileError:
				return nil, fmt.Errorf("worker %s reported error: %s", workerID, status.Error)
			default:
				if status.Progress != lastProgress {
					lastProgress = status.Progress
					o.emit(Event{
						Type: EventSubtaskProgress, TaskID: taskID, SubtaskID: subtaskID,
						SessionID: sm.SessionID(),
						Data:      map[string]any{"workerId": workerID, "progress": status.Progress},
					})
				}
				if timeout > 0 && !status.LastHeartbeat.IsZero() && time.Since(status.LastHeartbeat) > timeout {
					return nil, fmt.Errorf("worker %s heartbeat stale (last %s)", workerID, status.LastHeartbeat.Format(time.RFC3339))
				}
			}
		}
		if timeout > 0 && time.Since(started) > timeout {
			return nil, fmt.Errorf("subtask %s timed out after %s on worker %s", subtaskID, timeout, workerID)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("aborted: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) buildWorkerResult(sm *session.Manager, workerID, subtaskID string, status *session.WorkerStatusFile, started time.Time) *task.Result {
	actions, err := sm.ReadActionLogs(workerID, 0)
	if err != nil {
		o.logger.Warn("reading action logs for %s: %v", workerID, err)
	}
	now := time.Now()
	return &task.Result{
		TaskID:    subtaskID,
		Status:    task.StatusSuccess,
		Output:    status.Output,
		Artifacts: collectArtifacts(sm, workerID),
		Metrics: task.Metrics{
			StartTime:  started,
			EndTime:    now,
			Duration:   now.Sub(started),
			TokensUsed: status.TokensUsed,
			ToolCalls:  len(actions),
		},
	}
}

func collectArtifacts(sm *session.Manager, workerID string) []task.Artifact {
	root := filepath.Join(sm.Dir(), "workers", workerID, "artifacts")
	var out []task.Artifact
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		out = append(out, task.Artifact{Name: d.Name(), Path: path})
		return nil
	})
	return out
}
