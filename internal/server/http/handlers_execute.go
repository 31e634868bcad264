package http

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"

	"tachikoma/internal/task"
	id "tachikoma/internal/utils/id"
)

// Runner executes one task to completion. The orchestrator satisfies this.
type Runner interface {
	Run(ctx context.Context, t task.Task) *task.Result
}

// ToolFunc handles one named tool invocation from POST /api/execute/tool.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

// ExecutionRecord is one entry in the history cache.
type ExecutionRecord struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId,omitempty"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Output     any       `json:"output,omitempty"`
	DurationMS int64     `json:"duration"`
	StartedAt  time.Time `json:"startedAt"`
}

const historySize = 256

type executionHistory struct {
	cache *lru.Cache[string, *ExecutionRecord]
}

func newExecutionHistory() *executionHistory {
	cache, _ := lru.New[string, *ExecutionRecord](historySize)
	return &executionHistory{cache: cache}
}

func (h *executionHistory) record(rec *ExecutionRecord) {
	h.cache.Add(rec.ID, rec)
}

func (h *executionHistory) get(execID string) (*ExecutionRecord, bool) {
	return h.cache.Get(execID)
}

// entries returns newest-first.
func (h *executionHistory) entries() []*ExecutionRecord {
	keys := h.cache.Keys()
	out := make([]*ExecutionRecord, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if rec, ok := h.cache.Peek(keys[i]); ok {
			out = append(out, rec)
		}
	}
	return out
}

type executeRequest struct {
	Objective  string `json:"objective"`
	Priority   string `json:"priority"`
	Complexity string `json:"complexity"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, NewAPIError(CodeBadRequest, "invalid request body", nil))
		return
	}
	if req.Objective == "" {
		respondError(c, NewAPIError(CodeValidation, "objective is required", nil))
		return
	}
	if s.runner == nil {
		respondError(c, NewAPIError(CodeUnavailable, "no task runner configured", nil))
		return
	}

	t := task.Task{
		Kind:       task.KindComposite,
		Objective:  req.Objective,
		Priority:   task.Priority(req.Priority),
		Complexity: task.Complexity(req.Complexity),
	}
	start := time.Now()
	result := s.runner.Run(c.Request.Context(), t)

	rec := &ExecutionRecord{
		ID:         id.NewRequestID(),
		TaskID:     result.TaskID,
		Kind:       "task",
		Status:     string(result.Status),
		Output:     result.Output,
		DurationMS: time.Since(start).Milliseconds(),
		StartedAt:  start,
	}
	s.history.record(rec)
	respondOK(c, rec)
}

type toolRequest struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleExecuteTool(c *gin.Context) {
	var req toolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, NewAPIError(CodeBadRequest, "invalid request body", nil))
		return
	}
	fn, ok := s.tools[req.Name]
	if !ok {
		respondError(c, NewAPIError(CodeNotFound, "unknown tool: "+req.Name, nil))
		return
	}

	start := time.Now()
	out, err := fn(c.Request.Context(), req.Params)
	status := "success"
	if err != nil {
		status = "failure"
		out = gin.H{"error": err.Error()}
	}
	rec := &ExecutionRecord{
		ID:         id.NewRequestID(),
		Kind:       "tool",
		Status:     status,
		Output:     out,
		DurationMS: time.Since(start).Milliseconds(),
		StartedAt:  start,
	}
	s.history.record(rec)
	respondOK(c, rec)
}

func (s *Server) handleExecuteProxy(c *gin.Context) {
	var req ProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, NewAPIError(CodeBadRequest, "invalid request body", nil))
		return
	}
	if req.TargetURL == "" {
		respondError(c, NewAPIError(CodeValidation, "targetUrl is required", nil))
		return
	}
	resp, apiErr := s.proxy.Do(c.Request.Context(), req)
	if apiErr != nil {
		respondError(c, apiErr)
		return
	}
	respondOK(c, resp)
}

func (s *Server) handleExecuteMCP(c *gin.Context) {
	var req toolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, NewAPIError(CodeBadRequest, "invalid request body", nil))
		return
	}
	// MCP bridging is not wired in this deployment.
	respondError(c, NewAPIError(CodeUnavailable, "mcp bridge not configured", nil))
}

func (s *Server) handleExecuteHistory(c *gin.Context) {
	respondOK(c, s.history.entries())
}

func (s *Server) handleExecuteGet(c *gin.Context) {
	rec, ok := s.history.get(c.Param("id"))
	if !ok {
		respondError(c, NewAPIError(CodeNotFound, "execution not found", nil))
		return
	}
	respondOK(c, rec)
}
