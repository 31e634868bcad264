package orchestrator

import (
	"sort"
	"sync"
	"time"

	"tachikoma/internal/task"
)

// executionState is the per-run bookkeeping. Parallel steps mutate it from
// several goroutines.
type executionState struct {
	mu          sync.Mutex
	currentStep int
	totalSteps  int
	completed   map[string]*task.Result
	failed      map[string]string
	running     map[string]bool
	startTime   time.Time
	totalTokens int
	totalRetry  int
}

func newExecutionState() *executionState {
	return &executionState{
		completed: make(map[string]*task.Result),
		failed:    make(map[string]string),
		running:   make(map[string]bool),
		startTime: time.Now(),
	}
}

func (s *executionState) advanceStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentStep++
	return s.currentStep
}

func (s *executionState) setTotalSteps(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalSteps = n
}

func (s *executionState) markRunning(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[id] = true
}

func (s *executionState) markCompleted(id string, r *task.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	s.completed[id] = r
}

func (s *executionState) markFailed(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	s.failed[id] = reason
}

func (s *executionState) isCompleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.completed[id]
	return ok
}

func (s *executionState) addTokens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalTokens += n
}

func (s *executionState) addRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRetry++
}

// snapshot returns sorted id lists for progress persistence.
func (s *executionState) snapshot() (completed, failed, running []string, step, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.completed {
		completed = append(completed, id)
	}
	for id := range s.failed {
		failed = append(failed, id)
	}
	for id := range s.running {
		running = append(running, id)
	}
	sort.Strings(completed)
	sort.Strings(failed)
	sort.Strings(running)
	return completed, failed, running, s.currentStep, s.totalSteps
}

func (s *executionState) counters() (tokens, retries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalTokens, s.totalRetry
}
