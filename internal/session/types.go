package session

import (
	"time"

	"tachikoma/internal/task"
)

// PlanFile is orchestrator/plan.json.
type PlanFile struct {
	SessionID     string                `json:"sessionId"`
	TaskID        string                `json:"taskId"`
	Objective     string                `json:"objective,omitempty"`
	SubTasks      []task.SubTask        `json:"subtasks"`
	ExecutionPlan task.ExecutionPlan    `json:"executionPlan"`
	Delegation    task.DelegationConfig `json:"delegation"`
	Reasoning     string                `json:"reasoning,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
}

// ProgressFile is orchestrator/progress.json.
type ProgressFile struct {
	SessionID         string    `json:"sessionId"`
	TaskID            string    `json:"taskId"`
	CurrentStep       int       `json:"currentStep"`
	TotalSteps        int       `json:"totalSteps"`
	CompletedSubtasks []string  `json:"completedSubtasks"`
	FailedSubtasks    []string  `json:"failedSubtasks"`
	RunningSubtasks   []string  `json:"runningSubtasks"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// DecisionType discriminates orchestrator decision records.
type DecisionType string

const (
	DecisionApproval         DecisionType = "approval"
	DecisionIntervention     DecisionType = "intervention"
	DecisionRetry            DecisionType = "retry"
	DecisionDelegationChange DecisionType = "delegation_change"
	DecisionAbort            DecisionType = "abort"
)

// DecisionRecord is one line of orchestrator/decisions.jsonl.
type DecisionRecord struct {
	Type        DecisionType   `json:"type"`
	WorkerID    string         `json:"workerId,omitempty"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// WorkerFileStatus is the lifecycle value a worker reports in status.json.
// success and error are terminal.
type WorkerFileStatus string

const (
	WorkerFileIdle    WorkerFileStatus = "idle"
	WorkerFileWorking WorkerFileStatus = "working"
	WorkerFileSuccess WorkerFileStatus = "success"
	WorkerFileError   WorkerFileStatus = "error"
)

// Terminal reports whether the status ends the worker's current assignment.
func (s WorkerFileStatus) Terminal() bool {
	return s == WorkerFileSuccess || s == WorkerFileError
}

// WorkerStatusFile is workers/<id>/status.json.
type WorkerStatusFile struct {
	WorkerID       string           `json:"workerId"`
	Status         WorkerFileStatus `json:"status"`
	CurrentSubtask string           `json:"currentSubtask,omitempty"`
	Progress       float64          `json:"progress"`
	Message        string           `json:"message,omitempty"`
	Output         any              `json:"output,omitempty"`
	Error          string           `json:"error,omitempty"`
	TokensUsed     int              `json:"tokensUsed,omitempty"`
	LastHeartbeat  time.Time        `json:"lastHeartbeat"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// ThinkingStage classifies worker reasoning entries.
type ThinkingStage string

const (
	StageAnalysis   ThinkingStage = "analysis"
	StagePlanning   ThinkingStage = "planning"
	StageDecision   ThinkingStage = "decision"
	StageReflection ThinkingStage = "reflection"
)

// ThinkingRecord is one line of workers/<id>/thinking.jsonl.
type ThinkingRecord struct {
	Stage     ThinkingStage `json:"stage"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
}

// ActionType discriminates worker action records.
type ActionType string

const (
	ActionToolCall      ActionType = "tool_call"
	ActionCodeExecution ActionType = "code_execution"
	ActionFileOperation ActionType = "file_operation"
	ActionAPICall       ActionType = "api_call"
	ActionMessage       ActionType = "message"
)

// ActionRecord is one line of workers/<id>/actions.jsonl.
type ActionRecord struct {
	Type      ActionType     `json:"type"`
	Name      string         `json:"name"`
	Params    map[string]any `json:"params,omitempty"`
	Result    any            `json:"result,omitempty"`
	Success   bool           `json:"success"`
	Duration  time.Duration  `json:"durationMs,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// PendingApprovalFile is workers/<id>/pending_approval.json, created by the
// worker when it needs a human or orchestrator decision.
type PendingApprovalFile struct {
	ID          string    `json:"id"`
	WorkerID    string    `json:"workerId"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	Risk        string    `json:"risk,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// ApprovalResponseFile is workers/<id>/approval_response.json.
type ApprovalResponseFile struct {
	ApprovalID  string    `json:"approvalId"`
	Approved    bool      `json:"approved"`
	Reason      string    `json:"reason,omitempty"`
	ResponderID string    `json:"responderId,omitempty"`
	RespondedAt time.Time `json:"respondedAt"`
}

// InterventionType discriminates orchestrator interventions.
type InterventionType string

const (
	InterventionRedirect InterventionType = "redirect"
	InterventionPause    InterventionType = "pause"
	InterventionResume   InterventionType = "resume"
	InterventionAbort    InterventionType = "abort"
	InterventionGuidance InterventionType = "guidance"
)

// InterventionFile is workers/<id>/intervention.json.
type InterventionFile struct {
	ID           string           `json:"id"`
	Type         InterventionType `json:"type"`
	Content      string           `json:"content"`
	Acknowledged bool             `json:"acknowledged"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// SharedContextFile is shared/context.json.
type SharedContextFile struct {
	SessionID string         `json:"sessionId"`
	Objective string         `json:"objective,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// MessageRecord is one line of shared/messages.jsonl.
type MessageRecord struct {
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Type      string    `json:"type,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType enumerates session change notifications.
type EventType string

const (
	EventPendingApprovalCreated   EventType = "pending_approval_created"
	EventPendingApprovalRemoved   EventType = "pending_approval_removed"
	EventWorkerStatusChanged      EventType = "worker_status_changed"
	EventThinkingUpdated          EventType = "thinking_updated"
	EventActionCompleted          EventType = "action_completed"
	EventInterventionCreated      EventType = "intervention_created"
	EventInterventionAcknowledged EventType = "intervention_acknowledged"
	EventProgressUpdated          EventType = "progress_updated"
)

// Event is one session change notification.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	WorkerID  string    `json:"workerId,omitempty"`
	FilePath  string    `json:"filePath"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives session events. Handlers run sequentially per event;
// panics are recovered and logged.
type Handler func(Event)
