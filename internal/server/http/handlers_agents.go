package http

import (
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	id "tachikoma/internal/utils/id"
)

// AgentRecord is the gateway's agent resource, mirroring a pool worker.
type AgentRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type agentStore struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
}

func newAgentStore() *agentStore {
	return &agentStore{agents: make(map[string]*AgentRecord)}
}

func (s *agentStore) list() []*AgentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AgentRecord, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *agentStore) get(agentID string) *AgentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

func (s *agentStore) put(a *AgentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
}

func (s *agentStore) delete(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return false
	}
	delete(s.agents, agentID)
	return true
}

type createAgentRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

type updateAgentRequest struct {
	Name         *string   `json:"name"`
	Capabilities *[]string `json:"capabilities"`
	Status       *string   `json:"status"`
}

func (s *Server) handleListAgents(c *gin.Context) {
	respondOK(c, s.agents.list())
}

func (s *Server) handleGetAgent(c *gin.Context) {
	a := s.agents.get(c.Param("id"))
	if a == nil {
		respondError(c, NewAPIError(CodeNotFound, "agent not found", nil))
		return
	}
	respondOK(c, a)
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, NewAPIError(CodeBadRequest, "invalid request body", nil))
		return
	}
	if req.Name == "" {
		respondError(c, NewAPIError(CodeValidation, "name is required", nil))
		return
	}
	now := time.Now()
	a := &AgentRecord{
		ID:           id.NewRequestID(),
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Status:       "idle",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.agents.put(a)
	respondOK(c, a)
}

func (s *Server) handleUpdateAgent(c *gin.Context) {
	var req updateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, NewAPIError(CodeBadRequest, "invalid request body", nil))
		return
	}
	a := s.agents.get(c.Param("id"))
	if a == nil {
		respondError(c, NewAPIError(CodeNotFound, "agent not found", nil))
		return
	}
	if req.Name != nil {
		a.Name = *req.Name
	}
	if req.Capabilities != nil {
		a.Capabilities = *req.Capabilities
	}
	if req.Status != nil {
		a.Status = *req.Status
	}
	a.UpdatedAt = time.Now()
	s.agents.put(a)
	respondOK(c, a)
}

func (s *Server) handleDeleteAgent(c *gin.Context) {
	if !s.agents.delete(c.Param("id")) {
		respondError(c, NewAPIError(CodeNotFound, "agent not found", nil))
		return
	}
	respondOK(c, gin.H{"deleted": true})
}

func (s *Server) handleAgentStatus(c *gin.Context) {
	a := s.agents.get(c.Param("id"))
	if a == nil {
		respondError(c, NewAPIError(CodeNotFound, "agent not found", nil))
		return
	}
	respondOK(c, gin.H{"id": a.ID, "status": a.Status, "updatedAt": a.UpdatedAt})
}
