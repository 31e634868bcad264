package http

import (
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	id "tachikoma/internal/utils/id"
)

// TaskRecord is the gateway's task resource.
type TaskRecord struct {
	ID         string    `json:"id"`
	Objective  string    `json:"objective"`
	Priority   string    `json:"priority,omitempty"`
	Complexity string    `json:"complexity,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type taskStore struct {
	mu    sync.RWMutex
	tasks map[string]*TaskRecord
}

func newTaskStore() *taskStore {
	return &taskStore{tasks: make(map[string]*TaskRecord)}
}

func (s *taskStore) list() []*TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TaskRecord, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *taskStore) get(taskID string) *TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

func (s *taskStore) put(t *TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

func (s *taskStore) delete(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return false
	}
	delete(s.tasks, taskID)
	return true
}

type createTaskRequest struct {
	Objective  string `json:"objective"`
	Priority   string `json:"priority"`
	Complexity string `json:"complexity"`
}

type updateTaskRequest struct {
	Objective  *string `json:"objective"`
	Priority   *string `json:"priority"`
	Complexity *string `json:"complexity"`
	Status     *string `json:"status"`
}

func (s *Server) handleListTasks(c *gin.Context) {
	respondOK(c, s.tasks.list())
}

func (s *Server) handleGetTask(c *gin.Context) {
	t := s.tasks.get(c.Param("id"))
	if t == nil {
		respondError(c, NewAPIError(CodeNotFound, "task not found", nil))
		return
	}
	respondOK(c, t)
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, NewAPIError(CodeBadRequest, "invalid request body", nil))
		return
	}
	if req.Objective == "" {
		respondError(c, NewAPIError(CodeValidation, "objective is required", nil))
		return
	}
	now := time.Now()
	t := &TaskRecord{
		ID:         id.NewRequestID(),
		Objective:  req.Objective,
		Priority:   req.Priority,
		Complexity: req.Complexity,
		Status:     "pending",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.tasks.put(t)
	respondOK(c, t)
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, NewAPIError(CodeBadRequest, "invalid request body", nil))
		return
	}
	t := s.tasks.get(c.Param("id"))
	if t == nil {
		respondError(c, NewAPIError(CodeNotFound, "task not found", nil))
		return
	}
	if req.Objective != nil {
		t.Objective = *req.Objective
	}
	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	if req.Complexity != nil {
		t.Complexity = *req.Complexity
	}
	if req.Status != nil {
		t.Status = *req.Status
	}
	t.UpdatedAt = time.Now()
	s.tasks.put(t)
	respondOK(c, t)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	if !s.tasks.delete(c.Param("id")) {
		respondError(c, NewAPIError(CodeNotFound, "task not found", nil))
		return
	}
	respondOK(c, gin.H{"deleted": true})
}
