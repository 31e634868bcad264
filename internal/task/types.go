package task

import (
	"time"

	"tachikoma/internal/errors"
)

// Kind distinguishes directly-executable tasks from decomposable ones.
type Kind string

const (
	KindAtomic    Kind = "atomic"
	KindComposite Kind = "composite"
)

// Priority orders tasks for scheduling decisions.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Complexity grades how much decomposition a task needs.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Task is the caller's request. Immutable after submission.
type Task struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	Objective    string     `json:"objective"`
	Constraints  []string   `json:"constraints,omitempty"`
	OutputSchema any        `json:"outputSchema,omitempty"`
	Priority     Priority   `json:"priority,omitempty"`
	Complexity   Complexity `json:"complexity,omitempty"`
}

// OrchestratorTask lifts a Task with scheduling defaults filled in.
type OrchestratorTask struct {
	Task
	Priority   Priority   `json:"priority"`
	Complexity Complexity `json:"complexity"`
}

// Lift converts a Task to an OrchestratorTask, applying the medium/moderate
// defaults when the caller left priority or complexity unset.
func Lift(t Task) OrchestratorTask {
	out := OrchestratorTask{Task: t, Priority: t.Priority, Complexity: t.Complexity}
	if out.Priority == "" {
		out.Priority = PriorityMedium
	}
	if out.Complexity == "" {
		out.Complexity = ComplexityModerate
	}
	return out
}

// SubTaskState is the lifecycle state of a planner-produced unit.
type SubTaskState string

const (
	SubTaskPending   SubTaskState = "pending"
	SubTaskAssigned  SubTaskState = "assigned"
	SubTaskRunning   SubTaskState = "running"
	SubTaskSuccess   SubTaskState = "success"
	SubTaskFailure   SubTaskState = "failure"
	SubTaskRetrying  SubTaskState = "retrying"
	SubTaskCancelled SubTaskState = "cancelled"
)

// SubTask is a planner-produced unit of work, owned by the orchestrator for
// the duration of a run.
type SubTask struct {
	ID                string        `json:"id"`
	ParentTaskID      string        `json:"parentTaskId"`
	Objective         string        `json:"objective"`
	Constraints       []string      `json:"constraints"`
	EstimatedDuration time.Duration `json:"estimatedDurationMs"`
	Dependencies      []string      `json:"dependencies"`
	State             SubTaskState  `json:"state"`
	AssignedWorker    string        `json:"assignedWorker,omitempty"`
	Result            *Result       `json:"result,omitempty"`
}

// ExecutionStep batches sub-task ids that run together.
type ExecutionStep struct {
	Order      int      `json:"order"`
	SubtaskIDs []string `json:"subtaskIds"`
	Parallel   bool     `json:"parallel"`
}

// ExecutionPlan is the ordered step list produced by the planner.
type ExecutionPlan struct {
	IsParallel bool            `json:"isParallel"`
	Steps      []ExecutionStep `json:"steps"`
}

// DelegationMode selects how the orchestrator mediates worker traffic.
type DelegationMode string

const (
	ModeCommunication DelegationMode = "communication"
	ModeSharedMemory  DelegationMode = "shared-memory"
)

// DelegationConfig drives worker allocation for one plan.
type DelegationConfig struct {
	Mode        DelegationMode     `json:"mode"`
	WorkerCount int                `json:"workerCount"`
	Timeout     time.Duration      `json:"timeoutMs"`
	RetryPolicy errors.RetryPolicy `json:"retryPolicy"`
}

// PlannerOutput is the validated product of planning one task.
type PlannerOutput struct {
	TaskID          string           `json:"taskId"`
	SubTasks        []SubTask        `json:"subtasks"`
	Delegation      DelegationConfig `json:"delegation"`
	ExecutionPlan   ExecutionPlan    `json:"executionPlan"`
	Reasoning       string           `json:"reasoning,omitempty"`
	TotalDuration   time.Duration    `json:"totalDurationMs,omitempty"`
	EstimatedTokens int              `json:"estimatedTokens,omitempty"`
}

// ResultStatus is the terminal status of a task or aggregate.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailure ResultStatus = "failure"
	StatusPartial ResultStatus = "partial"
)

// Metrics captures per-result accounting.
type Metrics struct {
	StartTime  time.Time     `json:"startTime"`
	EndTime    time.Time     `json:"endTime"`
	Duration   time.Duration `json:"durationMs"`
	TokensUsed int           `json:"tokensUsed"`
	ToolCalls  int           `json:"toolCalls"`
	RetryCount int           `json:"retryCount"`
}

// TraceData links a result back to its distributed trace.
type TraceData struct {
	TraceID    string            `json:"traceId"`
	SpanID     string            `json:"spanId"`
	Operation  string            `json:"operation"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Events     []string          `json:"events,omitempty"`
	Duration   time.Duration     `json:"durationMs"`
}

// Artifact is an output file or blob a worker produced.
type Artifact struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	MediaType string `json:"mediaType,omitempty"`
}

// Result is the outcome of one task or sub-task.
type Result struct {
	TaskID    string       `json:"taskId"`
	Status    ResultStatus `json:"status"`
	Output    any          `json:"output,omitempty"`
	Artifacts []Artifact   `json:"artifacts,omitempty"`
	Metrics   Metrics      `json:"metrics"`
	Trace     *TraceData   `json:"trace,omitempty"`
}

// AggregatedResult merges the outcomes of every sub-task in a run.
type AggregatedResult struct {
	Status       ResultStatus       `json:"status"`
	Output       any                `json:"output,omitempty"`
	Results      map[string]*Result `json:"results"`
	SuccessCount int                `json:"successCount"`
	FailureCount int                `json:"failureCount"`
	Metadata     AggregateMetadata  `json:"metadata"`
}

// AggregateMetadata carries run-level accounting.
type AggregateMetadata struct {
	TotalDuration time.Duration `json:"totalDurationMs"`
	TotalTokens   int           `json:"totalTokens"`
	TotalRetries  int           `json:"totalRetries"`
}

// WorkerStatus is the lifecycle state of a pool worker.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerDraining WorkerStatus = "draining"
	WorkerOffline  WorkerStatus = "offline"
)

// WorkerLoad is an optional load sample reported by a worker.
type WorkerLoad struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	QueuedTasks   int     `json:"queuedTasks"`
}

// Worker is a pool member. The pool is the sole mutator; readers obtain
// copies through the pool's accessors.
type Worker struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentTaskID string       `json:"currentTaskId,omitempty"`
	Load          *WorkerLoad  `json:"load,omitempty"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
}

// Clone returns a deep copy safe to hand to external readers.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	out := *w
	if w.Load != nil {
		load := *w.Load
		out.Load = &load
	}
	out.Capabilities = append([]string(nil), w.Capabilities...)
	return &out
}
