package pool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"tachikoma/internal/config"
	"tachikoma/internal/logging"
	"tachikoma/internal/observability"
	"tachikoma/internal/task"
)

// Strategy names accepted by config.
const (
	StrategyRoundRobin      = "round-robin"
	StrategyLeastLoaded     = "least-loaded"
	StrategyRandom          = "random"
	StrategyCapabilityMatch = "capability-match"
)

// activeTask tracks one assignment from assign until cancel, complete, or
// the timeout timer fires.
type activeTask struct {
	subtask    *task.SubTask
	workerID   string
	timer      *time.Timer
	cancelled  bool
	assignedAt time.Time
}

// AssignResult is the outcome of Pool.Assign.
type AssignResult struct {
	Success  bool
	WorkerID string
	Cancel   func()
	Err      error
}

// Pool owns worker registration and task assignment. It is the sole mutator
// of Worker state; readers get copies.
type Pool struct {
	mu          sync.Mutex
	workers     map[string]*task.Worker
	order       []string // registration order, drives round-robin
	activeTasks map[string]*activeTask
	rrIndex     int
	shutdown    bool

	maxWorkers int
	strategy   string

	handlersMu sync.RWMutex
	handlers   map[EventType][]Handler

	logger  logging.Logger
	metrics *observability.MetricsCollector
}

// New builds a pool from configuration. Unknown strategies fall back to
// round-robin.
func New(cfg config.PoolConfig, metrics *observability.MetricsCollector) *Pool {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	strategy := cfg.Strategy
	switch strategy {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyRandom, StrategyCapabilityMatch:
	default:
		strategy = StrategyRoundRobin
	}
	return &Pool{
		workers:     make(map[string]*task.Worker),
		activeTasks: make(map[string]*activeTask),
		maxWorkers:  maxWorkers,
		strategy:    strategy,
		handlers:    make(map[EventType][]Handler),
		logger:      logging.NewComponentLogger("pool"),
		metrics:     metrics,
	}
}

// On subscribes a handler to one event type.
func (p *Pool) On(t EventType, h Handler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[t] = append(p.handlers[t], h)
}

func (p *Pool) emit(e Event) {
	e.Timestamp = time.Now()
	p.handlersMu.RLock()
	handlers := append([]Handler(nil), p.handlers[e.Type]...)
	p.handlersMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("pool handler panicked on %s: %v", e.Type, r)
				}
			}()
			h(e)
		}()
	}
}

// Register adds a worker. Returns false when the pool is full, shut down, or
// the id is already taken.
func (p *Pool) Register(w *task.Worker) bool {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return false
	}
	if _, exists := p.workers[w.ID]; exists {
		p.mu.Unlock()
		return false
	}
	if len(p.workers) >= p.maxWorkers {
		p.mu.Unlock()
		p.logger.Warn("pool full (%d workers), rejecting %s", p.maxWorkers, w.ID)
		p.emit(Event{Type: EventPoolFull, WorkerID: w.ID})
		return false
	}
	stored := w.Clone()
	if stored.Status == "" {
		stored.Status = task.WorkerIdle
	}
	if stored.LastHeartbeat.IsZero() {
		stored.LastHeartbeat = time.Now()
	}
	p.workers[w.ID] = stored
	p.order = append(p.order, w.ID)
	p.mu.Unlock()

	p.emit(Event{Type: EventWorkerRegistered, WorkerID: w.ID})
	return true
}

// Unregister removes a worker and cancels every task it owns.
func (p *Pool) Unregister(id string) bool {
	p.mu.Lock()
	if _, ok := p.workers[id]; !ok {
		p.mu.Unlock()
		return false
	}
	var owned []string
	for sid, at := range p.activeTasks {
		if at.workerID == id {
			owned = append(owned, sid)
		}
	}
	p.mu.Unlock()

	for _, sid := range owned {
		p.CancelTask(sid)
	}

	p.mu.Lock()
	delete(p.workers, id)
	for i, wid := range p.order {
		if wid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	empty := len(p.workers) == 0
	p.mu.Unlock()

	p.emit(Event{Type: EventWorkerUnregistered, WorkerID: id})
	if empty {
		p.emit(Event{Type: EventPoolEmpty})
	}
	return true
}

// UpdateWorkerStatus records a status (and optional load) report, refreshing
// the heartbeat. Emits worker:status-changed only on an actual transition.
func (p *Pool) UpdateWorkerStatus(id string, status task.WorkerStatus, load *task.WorkerLoad) bool {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	changed := w.Status != status
	prev := w.Status
	w.Status = status
	w.LastHeartbeat = time.Now()
	if load != nil {
		l := *load
		w.Load = &l
	}
	p.mu.Unlock()

	if changed {
		p.emit(Event{Type: EventWorkerStatusChanged, WorkerID: id, Data: map[string]any{
			"from": string(prev), "to": string(status),
		}})
	}
	return true
}

// GetWorker returns a copy of the worker, or nil if unknown.
func (p *Pool) GetWorker(id string) *task.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers[id].Clone()
}

// Workers returns copies of every registered worker in registration order.
func (p *Pool) Workers() []*task.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*task.Worker, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.workers[id].Clone())
	}
	return out
}

// MaxWorkers returns the pool's capacity.
func (p *Pool) MaxWorkers() int { return p.maxWorkers }

// WorkerCount returns the number of registered workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// SelectWorker picks an idle worker holding every required capability using
// the configured strategy. Returns "" when none qualifies.
func (p *Pool) SelectWorker(capabilities []string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectLocked(capabilities)
}

func (p *Pool) selectLocked(capabilities []string) string {
	var available []*task.Worker
	for _, id := range p.order {
		w := p.workers[id]
		if w.Status != task.WorkerIdle {
			continue
		}
		if !hasAllCapabilities(w, capabilities) {
			continue
		}
		available = append(available, w)
	}
	if len(available) == 0 {
		return ""
	}

	switch p.strategy {
	case StrategyLeastLoaded:
		return leastLoaded(available).ID
	case StrategyRandom:
		return available[rand.Intn(len(available))].ID
	case StrategyCapabilityMatch:
		if len(capabilities) == 0 {
			return leastLoaded(available).ID
		}
		return bestCapabilityMatch(available, capabilities).ID
	default: // round-robin
		w := available[p.rrIndex%len(available)]
		p.rrIndex++
		return w.ID
	}
}

func hasAllCapabilities(w *task.Worker, required []string) bool {
	for _, req := range required {
		found := false
		for _, c := range w.Capabilities {
			if c == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// loadScore weighs cpu, memory and queue depth; workers without a load
// sample score 0 and are preferred.
func loadScore(w *task.Worker) float64 {
	if w.Load == nil {
		return 0
	}
	return 0.4*w.Load.CPUPercent + 0.3*w.Load.MemoryPercent + 0.3*(10*float64(w.Load.QueuedTasks))
}

func leastLoaded(workers []*task.Worker) *task.Worker {
	best := workers[0]
	bestScore := loadScore(best)
	for _, w := range workers[1:] {
		if s := loadScore(w); s < bestScore {
			best, bestScore = w, s
		}
	}
	return best
}

func bestCapabilityMatch(workers []*task.Worker, required []string) *task.Worker {
	ratio := func(w *task.Worker) float64 {
		matched := 0
		for _, req := range required {
			for _, c := range w.Capabilities {
				if c == req {
					matched++
					break
				}
			}
		}
		return float64(matched) / float64(len(required))
	}
	best := workers[0]
	bestRatio := ratio(best)
	for _, w := range workers[1:] {
		r := ratio(w)
		if r > bestRatio || (r == bestRatio && loadScore(w) < loadScore(best)) {
			best, bestRatio = w, r
		}
	}
	return best
}

// Assign hands st to an available worker and arms a timeout timer when
// timeout > 0. The returned Cancel is idempotent.
func (p *Pool) Assign(st *task.SubTask, timeout time.Duration) AssignResult {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return AssignResult{Err: fmt.Errorf("pool is shut down")}
	}
	workerID := p.selectLocked(nil)
	if workerID == "" {
		p.mu.Unlock()
		return AssignResult{Err: fmt.Errorf("no available worker")}
	}

	w := p.workers[workerID]
	w.Status = task.WorkerBusy
	w.CurrentTaskID = st.ID

	at := &activeTask{
		subtask:    st,
		workerID:   workerID,
		assignedAt: time.Now(),
	}
	if timeout > 0 {
		sid := st.ID
		at.timer = time.AfterFunc(timeout, func() { p.handleTimeout(sid) })
	}
	p.activeTasks[st.ID] = at
	p.mu.Unlock()

	p.metrics.RecordAssignment(context.Background(), p.strategy)
	p.logger.Debug("assigned %s to %s (timeout %s)", st.ID, workerID, timeout)
	p.emit(Event{Type: EventTaskAssigned, WorkerID: workerID, SubtaskID: st.ID})

	return AssignResult{
		Success:  true,
		WorkerID: workerID,
		Cancel:   func() { p.CancelTask(st.ID) },
	}
}

func (p *Pool) handleTimeout(subtaskID string) {
	p.mu.Lock()
	at, ok := p.activeTasks[subtaskID]
	if !ok || at.cancelled {
		p.mu.Unlock()
		return
	}
	workerID := at.workerID
	p.mu.Unlock()

	p.metrics.RecordPoolTimeout(context.Background())
	p.logger.Warn("task %s timed out on %s", subtaskID, workerID)
	p.emit(Event{Type: EventTaskTimeout, WorkerID: workerID, SubtaskID: subtaskID})
	p.CancelTask(subtaskID)
}

// CancelTask stops the timer, frees the worker and removes the active task.
func (p *Pool) CancelTask(subtaskID string) bool {
	p.mu.Lock()
	at, ok := p.activeTasks[subtaskID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	at.cancelled = true
	if at.timer != nil {
		at.timer.Stop()
	}
	delete(p.activeTasks, subtaskID)
	if w, ok := p.workers[at.workerID]; ok && w.CurrentTaskID == subtaskID {
		w.Status = task.WorkerIdle
		w.CurrentTaskID = ""
	}
	workerID := at.workerID
	p.mu.Unlock()

	p.emit(Event{Type: EventTaskCancelled, WorkerID: workerID, SubtaskID: subtaskID})
	return true
}

// CompleteTask releases the worker without emitting a cancellation.
func (p *Pool) CompleteTask(subtaskID string) bool {
	p.mu.Lock()
	at, ok := p.activeTasks[subtaskID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if at.timer != nil {
		at.timer.Stop()
	}
	delete(p.activeTasks, subtaskID)
	if w, ok := p.workers[at.workerID]; ok && w.CurrentTaskID == subtaskID {
		w.Status = task.WorkerIdle
		w.CurrentTaskID = ""
	}
	p.mu.Unlock()
	return true
}

// ActiveTaskCount returns the number of in-flight assignments.
func (p *Pool) ActiveTaskCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeTasks)
}

// Shutdown cancels every active task, unregisters every worker and drops all
// observers. The pool rejects further registration and assignment.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	var active []string
	for sid := range p.activeTasks {
		active = append(active, sid)
	}
	p.mu.Unlock()

	for _, sid := range active {
		p.CancelTask(sid)
	}

	p.mu.Lock()
	p.workers = make(map[string]*task.Worker)
	p.order = nil
	p.mu.Unlock()

	p.handlersMu.Lock()
	p.handlers = make(map[EventType][]Handler)
	p.handlersMu.Unlock()
}
