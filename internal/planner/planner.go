package planner

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"tachikoma/internal/config"
	"tachikoma/internal/errors"
	"tachikoma/internal/llm"
	"tachikoma/internal/logging"
	"tachikoma/internal/observability"
	"tachikoma/internal/task"
)

// ContextConstraints bounds planning from the caller's side.
type ContextConstraints struct {
	MaxTokenBudget   int           `json:"maxTokenBudget,omitempty"`
	MaxExecutionTime time.Duration `json:"maxExecutionTimeMs,omitempty"`
}

// Preferences tune decomposition style.
type Preferences struct {
	PreferParallel   bool `json:"preferParallel,omitempty"`
	ConservativeMode bool `json:"conservativeMode,omitempty"`
}

// PlanInput is one planning request.
type PlanInput struct {
	Task               task.OrchestratorTask
	AvailableTools     []string
	ContextConstraints *ContextConstraints
	MaxSubtasks        int
	Preferences        Preferences
}

// PlanResult is the outcome of Plan, including accounting for every
// completion issued along the way.
type PlanResult struct {
	Success    bool
	Output     *task.PlannerOutput
	Err        error
	TokensUsed int
	RetryCount int
	Degraded   bool
}

// Planner turns an objective into a validated sub-task graph by prompting the
// completer and repairing its output.
type Planner struct {
	completer llm.Completer
	parser    *RetryingParser
	cfg       config.PlannerConfig

	// defaults applied during delegation derivation
	defaultDelegation task.DelegationConfig

	logger  logging.Logger
	metrics *observability.MetricsCollector
}

// New builds a Planner. defaultDelegation supplies the worker count, timeout
// and retry policy that delegation derivation scales from.
func New(completer llm.Completer, cfg config.PlannerConfig, defaultDelegation task.DelegationConfig, metrics *observability.MetricsCollector) *Planner {
	if cfg.MaxSubtasks <= 0 {
		cfg.MaxSubtasks = 10
	}
	if cfg.MinSubtasks <= 0 {
		cfg.MinSubtasks = 3
	}
	parser := NewRetryingParser(completer, cfg.MaxParseRetry)
	if !cfg.EnableFeedback {
		parser.DisableFeedback()
	}
	return &Planner{
		completer:         completer,
		parser:            parser,
		cfg:               cfg,
		defaultDelegation: defaultDelegation,
		logger:            logging.NewComponentLogger("planner"),
		metrics:           metrics,
	}
}

// Plan decomposes input.Task. On a retryable completion failure it degrades
// once: halved sub-task cap, conservative mode, then a single recursion.
func (p *Planner) Plan(ctx context.Context, input PlanInput) PlanResult {
	if input.MaxSubtasks <= 0 {
		input.MaxSubtasks = p.cfg.MaxSubtasks
	}
	return p.plan(ctx, input, false)
}

func (p *Planner) plan(ctx context.Context, input PlanInput, degraded bool) PlanResult {
	result := PlanResult{Degraded: degraded}

	req := llm.CompletionRequest{
		SystemPrompt: planningSystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: buildUserPrompt(input)}},
	}

	resp, err := p.completer.Complete(ctx, req)
	if err != nil {
		if llm.IsRetryable(err) && !degraded {
			return p.degrade(ctx, input, result, err)
		}
		result.Err = err
		return result
	}
	result.TokensUsed += resp.Usage.InputTokens + resp.Usage.OutputTokens

	outcome := p.parser.ParseWithRetry(ctx, resp.Content, req)
	result.TokensUsed += outcome.TotalTokens
	result.RetryCount += outcome.RetryCount
	if !outcome.Result.OK {
		if !degraded {
			return p.degrade(ctx, input, result, outcome.Result.Err)
		}
		result.Err = outcome.Result.Err
		return result
	}

	output := p.assemble(input, outcome.Result.Data)
	result.Success = true
	result.Output = output
	p.logger.Info("planned task %s: %d subtasks, %d workers, timeout %s",
		input.Task.ID, len(output.SubTasks), output.Delegation.WorkerCount, output.Delegation.Timeout)
	return result
}

// degrade halves the sub-task cap and retries once in conservative mode.
// prior accounting carries into the recursive result.
func (p *Planner) degrade(ctx context.Context, input PlanInput, prior PlanResult, cause error) PlanResult {
	if input.MaxSubtasks <= p.cfg.MinSubtasks {
		prior.Err = fmt.Errorf("planning failed at minimum subtask cap %d: %w", input.MaxSubtasks, cause)
		return prior
	}

	next := input
	next.MaxSubtasks = input.MaxSubtasks / 2
	if next.MaxSubtasks < p.cfg.MinSubtasks {
		next.MaxSubtasks = p.cfg.MinSubtasks
	}
	next.Preferences.ConservativeMode = true
	p.logger.Warn("planning degraded for task %s: cap %d -> %d (%v)",
		input.Task.ID, input.MaxSubtasks, next.MaxSubtasks, cause)

	out := p.plan(ctx, next, true)
	out.TokensUsed += prior.TokensUsed
	out.RetryCount += prior.RetryCount
	out.Degraded = true
	return out
}

// assemble converts validated model output into the orchestrator-facing plan.
func (p *Planner) assemble(input PlanInput, parsed *PlanningOutput) *task.PlannerOutput {
	subtasks := make([]task.SubTask, 0, len(parsed.Subtasks))
	var totalEstimated time.Duration
	for _, st := range parsed.Subtasks {
		d := time.Duration(st.EstimatedMinutes * float64(time.Minute))
		totalEstimated += d
		subtasks = append(subtasks, task.SubTask{
			ID:                st.ID,
			ParentTaskID:      input.Task.ID,
			Objective:         st.Objective,
			Constraints:       st.Constraints,
			EstimatedDuration: d,
			Dependencies:      st.Dependencies,
			State:             task.SubTaskPending,
		})
	}

	return &task.PlannerOutput{
		TaskID:          input.Task.ID,
		SubTasks:        subtasks,
		Delegation:      p.deriveDelegation(input, parsed, totalEstimated),
		ExecutionPlan:   parsed.ExecutionPlan,
		Reasoning:       parsed.Reasoning,
		TotalDuration:   totalEstimated,
		EstimatedTokens: EstimateTokens(planningSystemPrompt + buildUserPrompt(input)),
	}
}

// deriveDelegation computes worker count and timeout from the plan shape and
// the task's complexity grade.
func (p *Planner) deriveDelegation(input PlanInput, parsed *PlanningOutput, totalEstimated time.Duration) task.DelegationConfig {
	out := task.DelegationConfig{
		Mode:        task.ModeCommunication,
		RetryPolicy: p.defaultDelegation.RetryPolicy,
	}
	if out.RetryPolicy.BaseDelay <= 0 {
		out.RetryPolicy = errors.DefaultRetryPolicy()
	}

	defaultCount := p.defaultDelegation.WorkerCount
	if defaultCount <= 0 {
		defaultCount = 3
	}
	defaultTimeout := p.defaultDelegation.Timeout
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}

	if !parsed.ExecutionPlan.IsParallel {
		out.WorkerCount = 1
	} else {
		factor := 1.0
		switch input.Task.Complexity {
		case task.ComplexityComplex:
			factor = 0.5
		case task.ComplexityModerate:
			factor = 0.7
		}
		count := int(math.Ceil(float64(len(parsed.Subtasks)) * factor))
		if count < 1 {
			count = 1
		}
		if max := 3 * defaultCount; count > max {
			count = max
		}
		out.WorkerCount = count
	}

	if totalEstimated > 0 {
		out.Timeout = time.Duration(1.5 * float64(totalEstimated))
		if out.Timeout < defaultTimeout {
			out.Timeout = defaultTimeout
		}
	} else {
		mult := time.Duration(1)
		switch input.Task.Complexity {
		case task.ComplexityModerate:
			mult = 2
		case task.ComplexityComplex:
			mult = 3
		}
		out.Timeout = defaultTimeout * mult
	}

	if input.ContextConstraints != nil && input.ContextConstraints.MaxExecutionTime > 0 &&
		out.Timeout > input.ContextConstraints.MaxExecutionTime {
		out.Timeout = input.ContextConstraints.MaxExecutionTime
	}

	return out
}

const planningSystemPrompt = `You are a task planning engine. Decompose the user's objective into sub-tasks.

Rules:
- Each sub-task must have a stable id of the form "subtask-N" (1-based).
- Each sub-task is independently executable given its dependencies.
- Dependencies may only reference other sub-task ids; no cycles.
- Group sub-tasks into ordered execution steps; sub-tasks inside a parallel step must not depend on each other.
- Respect the sub-task cap when one is given.

Respond with ONLY a JSON object of this shape:
{
  "reasoning": "why this decomposition",
  "subtasks": [
    {"id": "subtask-1", "objective": "...", "constraints": [], "estimatedMinutes": 5, "dependencies": []}
  ],
  "executionPlan": {"isParallel": true, "steps": [{"order": 1, "subtaskIds": ["subtask-1"], "parallel": false}]},
  "estimatedTotalMinutes": 5,
  "complexityScore": 3
}`

func buildUserPrompt(input PlanInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Objective: %s\n", input.Task.Objective)

	b.WriteString("\nConstraints:\n")
	if len(input.Task.Constraints) == 0 {
		b.WriteString("none\n")
	} else {
		for i, c := range input.Task.Constraints {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c)
		}
	}

	if len(input.AvailableTools) > 0 {
		fmt.Fprintf(&b, "\nAvailable tools: %s\n", strings.Join(input.AvailableTools, ", "))
	}

	if input.MaxSubtasks > 0 {
		fmt.Fprintf(&b, "\nProduce at most %d subtasks.\n", input.MaxSubtasks)
	}

	fmt.Fprintf(&b, "\nTask priority: %s\nTask complexity: %s\n", input.Task.Priority, input.Task.Complexity)
	if input.Preferences.PreferParallel {
		b.WriteString("Prefer parallel execution where dependencies allow.\n")
	}
	if input.Preferences.ConservativeMode {
		b.WriteString("Be conservative: fewer, coarser subtasks with simple dependencies.\n")
	}
	if input.ContextConstraints != nil {
		if input.ContextConstraints.MaxTokenBudget > 0 {
			fmt.Fprintf(&b, "Token budget: %d\n", input.ContextConstraints.MaxTokenBudget)
		}
		if input.ContextConstraints.MaxExecutionTime > 0 {
			fmt.Fprintf(&b, "Execution time budget: %s\n", input.ContextConstraints.MaxExecutionTime)
		}
	}

	b.WriteString("\nRespond with the JSON object only.")
	return b.String()
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text. It uses the cl100k
// encoding when the BPE tables are available and falls back to a bytes/4
// heuristic otherwise, so it never fails.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}
