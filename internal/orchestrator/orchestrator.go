package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"tachikoma/internal/config"
	tkerrors "tachikoma/internal/errors"
	"tachikoma/internal/logging"
	"tachikoma/internal/observability"
	"tachikoma/internal/planner"
	"tachikoma/internal/pool"
	"tachikoma/internal/session"
	"tachikoma/internal/task"
	"tachikoma/internal/utils/id"
)

// Orchestrator drives one task through plan, assign and aggregate. A single
// orchestrator serves one run at a time.
type Orchestrator struct {
	cfg        config.OrchestratorConfig
	sessionCfg config.SessionConfig
	planner    *planner.Planner
	pool       *pool.Pool
	tracer     *observability.TracerProvider
	metrics    *observability.MetricsCollector
	logger     logging.Logger

	handlersMu sync.RWMutex
	handlers   map[EventType][]Handler

	mu       sync.Mutex
	cancel   context.CancelFunc
	injected *session.Manager
	active   *session.Manager
}

// Option customizes construction.
type Option func(*Orchestrator)

// WithSession injects a session manager instead of creating one per run.
// The orchestrator will not close an injected session.
func WithSession(sm *session.Manager) Option {
	return func(o *Orchestrator) { o.injected = sm }
}

// WithTracer attaches a tracer provider.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp }
}

// New builds an orchestrator over the given planner and pool.
func New(cfg config.OrchestratorConfig, sessionCfg config.SessionConfig, pl *planner.Planner, p *pool.Pool, metrics *observability.MetricsCollector, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		sessionCfg: sessionCfg,
		planner:    pl,
		pool:       p,
		metrics:    metrics,
		logger:     logging.NewComponentLogger("orchestrator"),
		handlers:   make(map[EventType][]Handler),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer, _ = observability.NewTracerProvider(observability.TracingConfig{Enabled: false})
	}
	return o
}

// On subscribes a handler to one event type.
func (o *Orchestrator) On(t EventType, h Handler) {
	o.handlersMu.Lock()
	defer o.handlersMu.Unlock()
	o.handlers[t] = append(o.handlers[t], h)
}

func (o *Orchestrator) emit(e Event) {
	e.Timestamp = time.Now()
	o.handlersMu.RLock()
	handlers := append([]Handler(nil), o.handlers[e.Type]...)
	o.handlersMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("orchestrator handler panicked on %s: %v", e.Type, r)
				}
			}()
			h(e)
		}()
	}
}

// Stop cancels the current run, closes its session, shuts the pool down and
// drops all event handlers.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	active := o.active
	injected := o.injected
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if active != nil && active != injected {
		active.Close()
	}
	o.pool.Shutdown()

	o.handlersMu.Lock()
	o.handlers = make(map[EventType][]Handler)
	o.handlersMu.Unlock()
}

// Run executes one task to completion. It never returns an error: every
// internal failure becomes a failure Result.
func (o *Orchestrator) Run(ctx context.Context, t task.Task) *task.Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ot := task.Lift(t)
	if ot.ID == "" {
		ot.ID = id.NewRequestID()
	}

	sm := o.injected
	if sm == nil {
		sm = session.NewManager(o.sessionCfg, id.NewSessionID())
	}
	o.mu.Lock()
	o.cancel = cancel
	o.active = sm
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancel = nil
		o.active = nil
		o.mu.Unlock()
		if o.injected == nil {
			sm.Close()
		}
	}()

	state := newExecutionState()

	runCtx, span := o.tracer.StartSpan(runCtx, observability.SpanOrchestratorRun,
		attribute.String(observability.AttrTaskID, ot.ID),
		attribute.String(observability.AttrSessionID, sm.SessionID()))
	defer span.End()

	if err := sm.InitializeSession(); err != nil {
		return o.failureResult(ot, state, fmt.Sprintf("session init failed: %v", err))
	}

	if prior, err := sm.ReadProgress(); err == nil && prior != nil {
		o.emit(Event{Type: EventCheckpointRestored, TaskID: ot.ID, SessionID: sm.SessionID(), Data: prior})
	}

	// plan phase
	o.emit(Event{Type: EventPlanStart, TaskID: ot.ID, SessionID: sm.SessionID()})
	if runCtx.Err() != nil {
		return o.failureResult(ot, state, "run cancelled before planning")
	}

	planCtx, planSpan := o.tracer.StartSpan(runCtx, observability.SpanPlannerPlan,
		attribute.String(observability.AttrTaskID, ot.ID))
	planRes := o.planner.Plan(planCtx, planner.PlanInput{Task: ot})
	if !planRes.Success {
		planSpan.SetAttributes(attribute.String(observability.AttrError, fmt.Sprint(planRes.Err)))
	}
	planSpan.End()
	state.addTokens(planRes.TokensUsed)
	for i := 0; i < planRes.RetryCount; i++ {
		state.addRetry()
	}
	if !planRes.Success {
		o.emit(Event{Type: EventPlanFailed, TaskID: ot.ID, SessionID: sm.SessionID(),
			Data: map[string]any{"error": fmt.Sprint(planRes.Err)}})
		return o.failureResult(ot, state, fmt.Sprintf("planning failed: %v", planRes.Err))
	}
	plan := planRes.Output

	subtasks := make(map[string]*task.SubTask, len(plan.SubTasks))
	order := make([]string, 0, len(plan.SubTasks))
	for i := range plan.SubTasks {
		st := &plan.SubTasks[i]
		subtasks[st.ID] = st
		order = append(order, st.ID)
	}
	state.setTotalSteps(len(plan.ExecutionPlan.Steps))

	if err := sm.WritePlan(&session.PlanFile{
		TaskID:        ot.ID,
		Objective:     ot.Objective,
		SubTasks:      plan.SubTasks,
		ExecutionPlan: plan.ExecutionPlan,
		Delegation:    plan.Delegation,
		Reasoning:     plan.Reasoning,
	}); err != nil {
		return o.failureResult(ot, state, fmt.Sprintf("persisting plan failed: %v", err))
	}
	o.emit(Event{Type: EventPlanComplete, TaskID: ot.ID, SessionID: sm.SessionID(), Data: map[string]any{
		"subtasks": len(plan.SubTasks),
		"steps":    len(plan.ExecutionPlan.Steps),
		"workers":  plan.Delegation.WorkerCount,
		"degraded": planRes.Degraded,
	}})

	if err := validatePlan(subtasks, plan.ExecutionPlan); err != nil {
		return o.failureResult(ot, state, fmt.Sprintf("plan validation failed: %v", err))
	}

	// assign phase
	policy := plan.Delegation.RetryPolicy
	timeout := plan.Delegation.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}

	for _, step := range plan.ExecutionPlan.Steps {
		if runCtx.Err() != nil {
			break
		}
		state.advanceStep()
		o.persistProgress(sm, ot.ID, state)

		if step.Parallel {
			g, gctx := errgroup.WithContext(runCtx)
			for _, sid := range step.SubtaskIDs {
				sid := sid
				g.Go(func() error {
					o.executeSubtask(gctx, sm, state, subtasks, sid, plan, policy, timeout)
					return nil
				})
			}
			_ = g.Wait()
		} else {
			for _, sid := range step.SubtaskIDs {
				if runCtx.Err() != nil {
					break
				}
				o.executeSubtask(runCtx, sm, state, subtasks, sid, plan, policy, timeout)
			}
		}
	}
	o.persistProgress(sm, ot.ID, state)

	// aggregate phase
	o.emit(Event{Type: EventAggregateStart, TaskID: ot.ID, SessionID: sm.SessionID()})
	agg := o.aggregate(state, order)
	o.emit(Event{Type: EventAggregateComplete, TaskID: ot.ID, SessionID: sm.SessionID(), Data: map[string]any{
		"status":       string(agg.Status),
		"successCount": agg.SuccessCount,
		"failureCount": agg.FailureCount,
	}})

	span.SetAttributes(attribute.String(observability.AttrStatus, string(agg.Status)))
	result := o.composeResult(runCtx, ot, state, agg)
	o.metrics.RecordRun(runCtx, string(agg.Status), time.Since(state.startTime).Seconds())
	o.logger.Info("run %s finished: %s (%d/%d subtasks, %d tokens)",
		ot.ID, agg.Status, agg.SuccessCount, len(order), result.Metrics.TokensUsed)
	return result
}

// executeSubtask runs the dependency gate, the assignment retry loop and the
// completion gate for one sub-task. Outcomes land in state; nothing is
// returned.
func (o *Orchestrator) executeSubtask(ctx context.Context, sm *session.Manager, state *executionState,
	subtasks map[string]*task.SubTask, sid string, plan *task.PlannerOutput,
	policy tkerrors.RetryPolicy, timeout time.Duration) {

	st, ok := subtasks[sid]
	if !ok {
		state.markFailed(sid, "unknown subtask")
		o.emit(Event{Type: EventSubtaskFailed, TaskID: plan.TaskID, SubtaskID: sid, SessionID: sm.SessionID(),
			Data: map[string]any{"error": "unknown subtask"}})
		return
	}

	for _, dep := range st.Dependencies {
		if !state.isCompleted(dep) {
			o.failSubtask(sm, state, st, plan.TaskID, fmt.Sprintf("Dependency %s not completed", dep))
			return
		}
	}

	st.State = task.SubTaskRunning
	state.markRunning(sid)
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanSubtaskExecute,
		attribute.String(observability.AttrSubtaskID, sid))
	defer span.End()
	o.emit(Event{Type: EventSubtaskAssigned, TaskID: plan.TaskID, SubtaskID: sid, SessionID: sm.SessionID()})

	attempt := 0
	retry := func(cause error) bool {
		if !tkerrors.ShouldRetry(policy, attempt) {
			return false
		}
		attempt++
		state.addRetry()
		st.State = task.SubTaskRetrying
		o.metrics.RecordSubtaskRetry(ctx)
		o.emit(Event{Type: EventSubtaskRetrying, TaskID: plan.TaskID, SubtaskID: sid, SessionID: sm.SessionID(),
			Data: map[string]any{"attempt": attempt, "error": fmt.Sprint(cause)}})
		_ = sm.AppendDecision(session.DecisionRecord{
			Type:        session.DecisionRetry,
			Description: fmt.Sprintf("retrying %s (attempt %d): %v", sid, attempt, cause),
		})
		return tkerrors.SleepWithContext(ctx, tkerrors.CalculateRetryDelay(policy, attempt)) == nil
	}

	for {
		if ctx.Err() != nil {
			st.State = task.SubTaskCancelled
			o.failSubtask(sm, state, st, plan.TaskID, "cancelled")
			return
		}

		if o.pool.WorkerCount() == 0 {
			o.registerDefaultWorkers(sm, plan.Delegation.WorkerCount)
		}

		res := o.pool.Assign(st, timeout)
		if !res.Success {
			if retry(res.Err) {
				continue
			}
			o.failSubtask(sm, state, st, plan.TaskID, fmt.Sprintf("assignment failed: %v", res.Err))
			return
		}
		st.AssignedWorker = res.WorkerID

		result, err := o.awaitWorker(ctx, sm, plan.TaskID, res.WorkerID, sid, timeout)
		if err != nil {
			o.pool.CancelTask(sid)
			if ctx.Err() == nil && retry(err) {
				continue
			}
			o.failSubtask(sm, state, st, plan.TaskID, fmt.Sprint(err))
			return
		}
		o.pool.CompleteTask(sid)

		span.SetAttributes(
			attribute.String(observability.AttrWorkerID, res.WorkerID),
			attribute.String(observability.AttrStatus, string(task.StatusSuccess)))

		result.Metrics.RetryCount = attempt
		st.State = task.SubTaskSuccess
		st.Result = result
		state.markCompleted(sid, result)
		state.addTokens(result.Metrics.TokensUsed)
		o.emit(Event{Type: EventSubtaskComplete, TaskID: plan.TaskID, SubtaskID: sid, SessionID: sm.SessionID(),
			Data: map[string]any{"workerId": res.WorkerID, "tokens": result.Metrics.TokensUsed}})
		if err := sm.UpdateSharedContext(func(sc *session.SharedContextFile) {
			if sc.Data == nil {
				sc.Data = map[string]any{}
			}
			sc.Data[sid] = result.Output
		}); err != nil {
			o.logger.Warn("shared context update for %s: %v", sid, err)
		}
		return
	}
}

func (o *Orchestrator) failSubtask(sm *session.Manager, state *executionState, st *task.SubTask, taskID, reason string) {
	if st.State != task.SubTaskCancelled {
		st.State = task.SubTaskFailure
	}
	state.markFailed(st.ID, reason)
	o.emit(Event{Type: EventSubtaskFailed, TaskID: taskID, SubtaskID: st.ID, SessionID: sm.SessionID(),
		Data: map[string]any{"error": reason}})
}

// registerDefaultWorkers seeds the pool with the plan's worker complement,
// capped by the pool's capacity, and mirrors each into the session tree.
func (o *Orchestrator) registerDefaultWorkers(sm *session.Manager, planCount int) {
	count := planCount
	if count <= 0 {
		count = o.cfg.DefaultWorkerCount
	}
	if count <= 0 {
		count = 3
	}
	if max := o.pool.MaxWorkers(); count > max {
		count = max
	}
	for i := 0; i < count; i++ {
		wid := id.NewWorkerID(i)
		if o.pool.Register(&task.Worker{ID: wid, Status: task.WorkerIdle}) {
			if err := sm.RegisterWorker(wid); err != nil {
				o.logger.Warn("registering %s in session: %v", wid, err)
			}
		}
	}
}

func (o *Orchestrator) persistProgress(sm *session.Manager, taskID string, state *executionState) {
	completed, failed, running, step, total := state.snapshot()
	progress := &session.ProgressFile{
		TaskID:            taskID,
		CurrentStep:       step,
		TotalSteps:        total,
		CompletedSubtasks: completed,
		FailedSubtasks:    failed,
		RunningSubtasks:   running,
	}
	if err := sm.WriteProgress(progress); err != nil {
		o.logger.Warn("persisting progress: %v", err)
		return
	}
	o.emit(Event{Type: EventCheckpointCreated, TaskID: taskID, SessionID: sm.SessionID(), Data: progress})
}

func (o *Orchestrator) composeResult(ctx context.Context, ot task.OrchestratorTask, state *executionState, agg task.AggregatedResult) *task.Result {
	tokens, retries := state.counters()
	now := time.Now()

	var artifacts []task.Artifact
	state.mu.Lock()
	ordered := make([]*task.Result, 0, len(state.completed))
	for _, r := range state.completed {
		ordered = append(ordered, r)
	}
	state.mu.Unlock()
	for _, r := range ordered {
		artifacts = append(artifacts, r.Artifacts...)
	}

	res := &task.Result{
		TaskID:    ot.ID,
		Status:    agg.Status,
		Output:    agg.Output,
		Artifacts: artifacts,
		Metrics: task.Metrics{
			StartTime:  state.startTime,
			EndTime:    now,
			Duration:   now.Sub(state.startTime),
			TokensUsed: tokens,
			RetryCount: retries,
		},
	}
	res.Trace = traceData(ctx, now.Sub(state.startTime))
	return res
}

func traceData(ctx context.Context, d time.Duration) *task.TraceData {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return &task.TraceData{
		TraceID:   sc.TraceID().String(),
		SpanID:    sc.SpanID().String(),
		Operation: observability.SpanOrchestratorRun,
		Duration:  d,
	}
}

func (o *Orchestrator) failureResult(ot task.OrchestratorTask, state *executionState, msg string) *task.Result {
	tokens, retries := state.counters()
	now := time.Now()
	o.metrics.RecordRun(context.Background(), string(task.StatusFailure), time.Since(state.startTime).Seconds())
	return &task.Result{
		TaskID: ot.ID,
		Status: task.StatusFailure,
		Output: map[string]any{"error": msg},
		Metrics: task.Metrics{
			StartTime:  state.startTime,
			EndTime:    now,
			Duration:   now.Sub(state.startTime),
			TokensUsed: tokens,
			RetryCount: retries,
		},
	}
}
