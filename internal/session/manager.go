package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tachikoma/internal/config"
	"tachikoma/internal/logging"
	"tachikoma/internal/utils/id"
)

// Manager owns the on-disk state of one session. All JSON writes are atomic
// (temp file + rename); JSONL appends are single-shot. It is safe for
// concurrent use.
type Manager struct {
	rootDir      string
	sessionID    string
	dir          string
	pollInterval time.Duration
	logger       logging.Logger

	obsMu     sync.RWMutex
	observers map[EventType][]Handler

	watchMu sync.Mutex
	watcher *watcher
}

// NewManager builds a manager for sessionID under cfg.RootDir. Nothing is
// created on disk until InitializeSession.
func NewManager(cfg config.SessionConfig, sessionID string) *Manager {
	rootDir := cfg.RootDir
	if rootDir == "" {
		rootDir = ".tachikoma"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Manager{
		rootDir:      rootDir,
		sessionID:    sessionID,
		dir:          filepath.Join(rootDir, "sessions", sessionID),
		pollInterval: poll,
		logger:       logging.NewComponentLogger("session"),
		observers:    make(map[EventType][]Handler),
	}
}

// SessionID returns the session identifier.
func (m *Manager) SessionID() string { return m.sessionID }

// Dir returns the session root directory.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) orchestratorDir() string     { return filepath.Join(m.dir, "orchestrator") }
func (m *Manager) sharedDir() string           { return filepath.Join(m.dir, "shared") }
func (m *Manager) workerDir(wid string) string { return filepath.Join(m.dir, "workers", wid) }

func (m *Manager) planPath() string     { return filepath.Join(m.orchestratorDir(), "plan.json") }
func (m *Manager) progressPath() string { return filepath.Join(m.orchestratorDir(), "progress.json") }
func (m *Manager) decisionsPath() string {
	return filepath.Join(m.orchestratorDir(), "decisions.jsonl")
}
func (m *Manager) contextPath() string  { return filepath.Join(m.sharedDir(), "context.json") }
func (m *Manager) messagesPath() string { return filepath.Join(m.sharedDir(), "messages.jsonl") }

func (m *Manager) workerStatusPath(wid string) string {
	return filepath.Join(m.workerDir(wid), "status.json")
}
func (m *Manager) pendingApprovalPath(wid string) string {
	return filepath.Join(m.workerDir(wid), "pending_approval.json")
}
func (m *Manager) approvalResponsePath(wid string) string {
	return filepath.Join(m.workerDir(wid), "approval_response.json")
}
func (m *Manager) interventionPath(wid string) string {
	return filepath.Join(m.workerDir(wid), "intervention.json")
}
func (m *Manager) thinkingPath(wid string) string {
	return filepath.Join(m.workerDir(wid), "thinking.jsonl")
}
func (m *Manager) actionsPath(wid string) string {
	return filepath.Join(m.workerDir(wid), "actions.jsonl")
}

// InitializeSession idempotently creates the directory tree and seeds
// shared/context.json with an empty context when absent.
func (m *Manager) InitializeSession() error {
	for _, d := range []string{m.orchestratorDir(), filepath.Join(m.dir, "workers"), m.sharedDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
	}
	if _, err := os.Stat(m.contextPath()); os.IsNotExist(err) {
		seed := &SharedContextFile{SessionID: m.sessionID, UpdatedAt: time.Now()}
		if err := m.writeJSONAtomic(m.contextPath(), seed); err != nil {
			return err
		}
	}
	return nil
}

// RegisterWorker idempotently creates workers/<id>/ plus artifacts/ and seeds
// an idle status file.
func (m *Manager) RegisterWorker(workerID string) error {
	wd := m.workerDir(workerID)
	if err := os.MkdirAll(filepath.Join(wd, "artifacts"), 0o755); err != nil {
		return fmt.Errorf("create worker dir: %w", err)
	}
	if _, err := os.Stat(m.workerStatusPath(workerID)); os.IsNotExist(err) {
		now := time.Now()
		return m.writeJSONAtomic(m.workerStatusPath(workerID), &WorkerStatusFile{
			WorkerID:      workerID,
			Status:        WorkerFileIdle,
			Progress:      0,
			LastHeartbeat: now,
			UpdatedAt:     now,
		})
	}
	return nil
}

// WritePlan persists orchestrator/plan.json.
func (m *Manager) WritePlan(plan *PlanFile) error {
	plan.SessionID = m.sessionID
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now()
	}
	return m.writeJSONAtomic(m.planPath(), plan)
}

// ReadPlan returns nil without error when no plan exists yet.
func (m *Manager) ReadPlan() (*PlanFile, error) {
	return readJSON[PlanFile](m.planPath())
}

// WriteProgress persists orchestrator/progress.json and notifies observers.
func (m *Manager) WriteProgress(p *ProgressFile) error {
	p.SessionID = m.sessionID
	p.UpdatedAt = time.Now()
	if err := m.writeJSONAtomic(m.progressPath(), p); err != nil {
		return err
	}
	m.dispatch(Event{Type: EventProgressUpdated, FilePath: m.progressPath(), Data: p})
	return nil
}

// ReadProgress returns nil without error when no progress exists yet.
func (m *Manager) ReadProgress() (*ProgressFile, error) {
	return readJSON[ProgressFile](m.progressPath())
}

// AppendDecision appends to orchestrator/decisions.jsonl.
func (m *Manager) AppendDecision(rec DecisionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return m.appendJSONL(m.decisionsPath(), rec)
}

// ReadDecisions tail-reads decisions.jsonl. limit <= 0 returns all records.
func (m *Manager) ReadDecisions(limit int) ([]DecisionRecord, error) {
	return readJSONLTail[DecisionRecord](m.logger, m.decisionsPath(), limit)
}

// ReadWorkerStatus returns nil without error when the worker has no status
// file.
func (m *Manager) ReadWorkerStatus(workerID string) (*WorkerStatusFile, error) {
	return readJSON[WorkerStatusFile](m.workerStatusPath(workerID))
}

// WriteWorkerStatus persists a worker status and notifies observers.
func (m *Manager) WriteWorkerStatus(workerID string, status *WorkerStatusFile) error {
	status.WorkerID = workerID
	status.UpdatedAt = time.Now()
	if status.LastHeartbeat.IsZero() {
		status.LastHeartbeat = status.UpdatedAt
	}
	if err := m.writeJSONAtomic(m.workerStatusPath(workerID), status); err != nil {
		return err
	}
	m.dispatch(Event{
		Type: EventWorkerStatusChanged, WorkerID: workerID,
		FilePath: m.workerStatusPath(workerID), Data: status,
	})
	return nil
}

// WritePendingApproval creates the worker's approval request and notifies
// observers. Normally written by the worker process.
func (m *Manager) WritePendingApproval(workerID string, req *PendingApprovalFile) error {
	req.WorkerID = workerID
	if req.ID == "" {
		req.ID = id.NewRequestID()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	if err := m.writeJSONAtomic(m.pendingApprovalPath(workerID), req); err != nil {
		return err
	}
	m.dispatch(Event{
		Type: EventPendingApprovalCreated, WorkerID: workerID,
		FilePath: m.pendingApprovalPath(workerID), Data: req,
	})
	return nil
}

// ReadPendingApproval returns nil without error when no approval is pending.
func (m *Manager) ReadPendingApproval(workerID string) (*PendingApprovalFile, error) {
	return readJSON[PendingApprovalFile](m.pendingApprovalPath(workerID))
}

// WriteApprovalResponse writes the response, removes the pending request once
// the response is durable, notifies observers and records the decision.
func (m *Manager) WriteApprovalResponse(workerID string, resp *ApprovalResponseFile) error {
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now()
	}
	if err := m.writeJSONAtomic(m.approvalResponsePath(workerID), resp); err != nil {
		return err
	}
	m.noteSelfWrite(m.pendingApprovalPath(workerID))
	if err := os.Remove(m.pendingApprovalPath(workerID)); err != nil {
		m.undoSelfWrite(m.pendingApprovalPath(workerID))
		if !os.IsNotExist(err) {
			return fmt.Errorf("remove pending approval: %w", err)
		}
	}
	m.dispatch(Event{
		Type: EventPendingApprovalRemoved, WorkerID: workerID,
		FilePath: m.pendingApprovalPath(workerID), Data: resp,
	})
	return m.AppendDecision(DecisionRecord{
		Type:        DecisionApproval,
		WorkerID:    workerID,
		Description: fmt.Sprintf("approval %s: approved=%v", resp.ApprovalID, resp.Approved),
		Data:        map[string]any{"approvalId": resp.ApprovalID, "approved": resp.Approved, "reason": resp.Reason},
	})
}

// WriteIntervention writes workers/<id>/intervention.json with a fresh id,
// notifies observers and records the decision.
func (m *Manager) WriteIntervention(workerID string, typ InterventionType, content string) (*InterventionFile, error) {
	iv := &InterventionFile{
		ID:        id.NewRequestID(),
		Type:      typ,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := m.writeJSONAtomic(m.interventionPath(workerID), iv); err != nil {
		return nil, err
	}
	m.dispatch(Event{
		Type: EventInterventionCreated, WorkerID: workerID,
		FilePath: m.interventionPath(workerID), Data: iv,
	})
	if err := m.AppendDecision(DecisionRecord{
		Type:        DecisionIntervention,
		WorkerID:    workerID,
		Description: fmt.Sprintf("intervention %s (%s)", iv.ID, typ),
		Data:        map[string]any{"interventionId": iv.ID, "interventionType": string(typ)},
	}); err != nil {
		return nil, err
	}
	return iv, nil
}

// ReadIntervention returns nil without error when no intervention exists.
func (m *Manager) ReadIntervention(workerID string) (*InterventionFile, error) {
	return readJSON[InterventionFile](m.interventionPath(workerID))
}

// AcknowledgeIntervention flips acknowledged to true, preserving any fields
// this version of the code does not know about.
func (m *Manager) AcknowledgeIntervention(workerID string) error {
	path := m.interventionPath(workerID)
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read intervention: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode intervention: %w", err)
	}
	doc["acknowledged"] = true
	if err := m.writeJSONAtomic(path, doc); err != nil {
		return err
	}
	m.dispatch(Event{
		Type: EventInterventionAcknowledged, WorkerID: workerID,
		FilePath: path, Data: doc,
	})
	return nil
}

// AppendThinking appends to workers/<id>/thinking.jsonl and notifies
// observers. Normally written by the worker process.
func (m *Manager) AppendThinking(workerID string, rec ThinkingRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if err := m.appendJSONL(m.thinkingPath(workerID), rec); err != nil {
		return err
	}
	m.dispatch(Event{
		Type: EventThinkingUpdated, WorkerID: workerID,
		FilePath: m.thinkingPath(workerID), Data: rec,
	})
	return nil
}

// ReadThinkingLogs tail-reads thinking.jsonl. limit <= 0 returns all.
func (m *Manager) ReadThinkingLogs(workerID string, limit int) ([]ThinkingRecord, error) {
	return readJSONLTail[ThinkingRecord](m.logger, m.thinkingPath(workerID), limit)
}

// AppendAction appends to workers/<id>/actions.jsonl and notifies observers.
func (m *Manager) AppendAction(workerID string, rec ActionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if err := m.appendJSONL(m.actionsPath(workerID), rec); err != nil {
		return err
	}
	m.dispatch(Event{
		Type: EventActionCompleted, WorkerID: workerID,
		FilePath: m.actionsPath(workerID), Data: rec,
	})
	return nil
}

// ReadActionLogs tail-reads actions.jsonl. limit <= 0 returns all.
func (m *Manager) ReadActionLogs(workerID string, limit int) ([]ActionRecord, error) {
	return readJSONLTail[ActionRecord](m.logger, m.actionsPath(workerID), limit)
}

// ReadSharedContext returns nil without error when the context is absent.
func (m *Manager) ReadSharedContext() (*SharedContextFile, error) {
	return readJSON[SharedContextFile](m.contextPath())
}

// WriteSharedContext persists shared/context.json, stamping the session id.
func (m *Manager) WriteSharedContext(ctx *SharedContextFile) error {
	ctx.SessionID = m.sessionID
	ctx.UpdatedAt = time.Now()
	return m.writeJSONAtomic(m.contextPath(), ctx)
}

// UpdateSharedContext runs mutate over the current shared context under the
// advisory lock and writes the result back. The zero value is passed when no
// context exists yet.
func (m *Manager) UpdateSharedContext(mutate func(*SharedContextFile)) error {
	release, err := AcquireLock(m.contextPath(), 5*time.Second)
	if err != nil {
		return err
	}
	defer release()

	ctx, err := m.ReadSharedContext()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = &SharedContextFile{}
	}
	mutate(ctx)
	return m.WriteSharedContext(ctx)
}

// AppendMessage appends to shared/messages.jsonl.
func (m *Manager) AppendMessage(msg MessageRecord) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return m.appendJSONL(m.messagesPath(), msg)
}

// ReadMessages tail-reads messages.jsonl. limit <= 0 returns all.
func (m *Manager) ReadMessages(limit int) ([]MessageRecord, error) {
	return readJSONLTail[MessageRecord](m.logger, m.messagesPath(), limit)
}

// On subscribes a handler to one event type.
func (m *Manager) On(t EventType, h Handler) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers[t] = append(m.observers[t], h)
}

func (m *Manager) dispatch(e Event) {
	e.SessionID = m.sessionID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	m.obsMu.RLock()
	handlers := append([]Handler(nil), m.observers[e.Type]...)
	m.obsMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("session handler panicked on %s: %v", e.Type, r)
				}
			}()
			h(e)
		}()
	}
}

// noteSelfWrite is called just before the manager makes a change visible on
// disk; the watcher swallows the matching observation.
func (m *Manager) noteSelfWrite(path string) {
	m.watchMu.Lock()
	w := m.watcher
	m.watchMu.Unlock()
	if w != nil {
		w.expectSelfWrite(path)
	}
}

func (m *Manager) undoSelfWrite(path string) {
	m.watchMu.Lock()
	w := m.watcher
	m.watchMu.Unlock()
	if w != nil {
		w.undoSelfWrite(path)
	}
}

// StartWatching begins change notification for worker-side writes. Idempotent.
func (m *Manager) StartWatching() error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watcher != nil {
		return nil
	}
	w, err := newWatcher(m, m.pollInterval)
	if err != nil {
		return err
	}
	m.watcher = w
	return nil
}

// StopWatching disables change notification. Idempotent.
func (m *Manager) StopWatching() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watcher != nil {
		m.watcher.stop()
		m.watcher = nil
	}
}

// Cleanup removes the entire session tree.
func (m *Manager) Cleanup() error {
	m.StopWatching()
	if err := os.RemoveAll(m.dir); err != nil {
		return fmt.Errorf("cleanup session: %w", err)
	}
	return nil
}

// Close stops watching and drops observers. The files remain.
func (m *Manager) Close() {
	m.StopWatching()
	m.obsMu.Lock()
	m.observers = make(map[EventType][]Handler)
	m.obsMu.Unlock()
}

// writeJSONAtomic writes pretty-printed JSON to a temp file in the target
// directory and renames it over the target.
func (m *Manager) writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	tmp := fmt.Sprintf("%s.%s.tmp", path, id.NewSpanID())
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	m.noteSelfWrite(path)
	if err := os.Rename(tmp, path); err != nil {
		m.undoSelfWrite(path)
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// appendJSONL appends one compact record in a single O_APPEND write.
func (m *Manager) appendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()
	m.noteSelfWrite(path)
	if _, err := f.Write(append(data, '\n')); err != nil {
		m.undoSelfWrite(path)
		return fmt.Errorf("append %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON reads one JSON document, returning nil (no error) when the file
// does not exist.
func readJSON[T any](path string) (*T, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &out, nil
}

// readJSONLTail returns the last limit successfully parsed records in file
// order. Unparseable lines are logged and skipped.
func readJSONLTail[T any](logger logging.Logger, path string, limit int) ([]T, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var out []T
	for i, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec T
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logging.OrNop(logger).Warn("skipping bad line %d in %s: %v", i+1, filepath.Base(path), err)
			continue
		}
		out = append(out, rec)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
