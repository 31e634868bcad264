package pool

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachikoma/internal/config"
	"tachikoma/internal/task"
)

func newTestPool(maxWorkers int, strategy string) *Pool {
	return New(config.PoolConfig{MaxWorkers: maxWorkers, Strategy: strategy}, nil)
}

func idleWorker(id string, caps ...string) *task.Worker {
	return &task.Worker{ID: id, Status: task.WorkerIdle, Capabilities: caps}
}

// recorder collects events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handler() Handler {
	return func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	}
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, want EventType) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, typ := range r.types() {
			if typ == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s not observed, saw %v", want, r.types())
}

func TestRegisterAndPoolFull(t *testing.T) {
	t.Parallel()

	p := newTestPool(2, StrategyRoundRobin)
	rec := &recorder{}
	p.On(EventWorkerRegistered, rec.handler())
	p.On(EventPoolFull, rec.handler())

	assert.True(t, p.Register(idleWorker("worker-0")))
	assert.True(t, p.Register(idleWorker("worker-1")))
	assert.False(t, p.Register(idleWorker("worker-2")), "pool at capacity")
	assert.False(t, p.Register(idleWorker("worker-0")), "duplicate id")

	assert.Equal(t, 2, p.WorkerCount())
	assert.Equal(t, []EventType{EventWorkerRegistered, EventWorkerRegistered, EventPoolFull}, rec.types())
}

func TestRoundRobinAdvances(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyRoundRobin)
	for i := 0; i < 3; i++ {
		require.True(t, p.Register(idleWorker(fmt.Sprintf("worker-%d", i))))
	}

	got := []string{
		p.SelectWorker(nil), p.SelectWorker(nil), p.SelectWorker(nil), p.SelectWorker(nil),
	}
	assert.Equal(t, []string{"worker-0", "worker-1", "worker-2", "worker-0"}, got)
}

func TestLeastLoadedPrefersNilLoad(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyLeastLoaded)
	busyish := idleWorker("worker-0")
	busyish.Load = &task.WorkerLoad{CPUPercent: 10, MemoryPercent: 10, QueuedTasks: 0}
	light := idleWorker("worker-1")
	heavy := idleWorker("worker-2")
	heavy.Load = &task.WorkerLoad{CPUPercent: 90, MemoryPercent: 80, QueuedTasks: 4}

	require.True(t, p.Register(busyish))
	require.True(t, p.Register(light))
	require.True(t, p.Register(heavy))

	assert.Equal(t, "worker-1", p.SelectWorker(nil), "missing load sample scores 0")
}

func TestLeastLoadedScoring(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyLeastLoaded)
	a := idleWorker("worker-a")
	a.Load = &task.WorkerLoad{CPUPercent: 50, MemoryPercent: 0, QueuedTasks: 0} // 20.0
	b := idleWorker("worker-b")
	b.Load = &task.WorkerLoad{CPUPercent: 0, MemoryPercent: 0, QueuedTasks: 5} // 15.0
	require.True(t, p.Register(a))
	require.True(t, p.Register(b))

	assert.Equal(t, "worker-b", p.SelectWorker(nil))
}

func TestCapabilityFiltering(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyRoundRobin)
	require.True(t, p.Register(idleWorker("worker-0", "search")))
	require.True(t, p.Register(idleWorker("worker-1", "search", "code")))

	assert.Equal(t, "worker-1", p.SelectWorker([]string{"search", "code"}))
	assert.Equal(t, "", p.SelectWorker([]string{"deploy"}), "no worker has the capability")
}

func TestCapabilityMatchTieBreaksByLoad(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyCapabilityMatch)
	a := idleWorker("worker-a", "search", "code")
	a.Load = &task.WorkerLoad{CPUPercent: 80}
	b := idleWorker("worker-b", "search", "code")
	require.True(t, p.Register(a))
	require.True(t, p.Register(b))

	assert.Equal(t, "worker-b", p.SelectWorker([]string{"search", "code"}))
}

func TestAssignMarksWorkerBusy(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyRoundRobin)
	rec := &recorder{}
	p.On(EventTaskAssigned, rec.handler())
	require.True(t, p.Register(idleWorker("worker-0")))

	st := &task.SubTask{ID: "subtask-1", Objective: "do the thing"}
	res := p.Assign(st, 0)
	require.True(t, res.Success, "assign failed: %v", res.Err)
	assert.Equal(t, "worker-0", res.WorkerID)
	assert.Equal(t, 1, p.ActiveTaskCount())

	w := p.GetWorker("worker-0")
	require.NotNil(t, w)
	assert.Equal(t, task.WorkerBusy, w.Status)
	assert.Equal(t, "subtask-1", w.CurrentTaskID)
	rec.waitFor(t, EventTaskAssigned)

	// the only worker is busy now
	res2 := p.Assign(&task.SubTask{ID: "subtask-2"}, 0)
	assert.False(t, res2.Success)
	assert.ErrorContains(t, res2.Err, "no available worker")
}

func TestAssignTimeoutCancelsTask(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyRoundRobin)
	rec := &recorder{}
	p.On(EventTaskTimeout, rec.handler())
	p.On(EventTaskCancelled, rec.handler())
	require.True(t, p.Register(idleWorker("worker-0")))

	res := p.Assign(&task.SubTask{ID: "subtask-1"}, 30*time.Millisecond)
	require.True(t, res.Success)

	rec.waitFor(t, EventTaskTimeout)
	rec.waitFor(t, EventTaskCancelled)

	assert.Equal(t, 0, p.ActiveTaskCount())
	w := p.GetWorker("worker-0")
	assert.Equal(t, task.WorkerIdle, w.Status)
	assert.Empty(t, w.CurrentTaskID)
}

func TestCompleteTaskFreesWorkerSilently(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyRoundRobin)
	rec := &recorder{}
	p.On(EventTaskCancelled, rec.handler())
	require.True(t, p.Register(idleWorker("worker-0")))

	res := p.Assign(&task.SubTask{ID: "subtask-1"}, time.Minute)
	require.True(t, res.Success)

	assert.True(t, p.CompleteTask("subtask-1"))
	assert.False(t, p.CompleteTask("subtask-1"), "already completed")
	assert.Equal(t, 0, p.ActiveTaskCount())
	assert.Equal(t, task.WorkerIdle, p.GetWorker("worker-0").Status)
	assert.Empty(t, rec.types(), "completion must not emit task:cancelled")
}

func TestCancelTask(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyRoundRobin)
	rec := &recorder{}
	p.On(EventTaskCancelled, rec.handler())
	require.True(t, p.Register(idleWorker("worker-0")))

	res := p.Assign(&task.SubTask{ID: "subtask-1"}, time.Minute)
	require.True(t, res.Success)

	res.Cancel()
	rec.waitFor(t, EventTaskCancelled)
	assert.Equal(t, 0, p.ActiveTaskCount())
	assert.Equal(t, task.WorkerIdle, p.GetWorker("worker-0").Status)

	assert.False(t, p.CancelTask("subtask-1"), "cancel is idempotent")
	assert.False(t, p.CancelTask("nope"))
}

func TestUnregisterCancelsOwnedTasks(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyRoundRobin)
	rec := &recorder{}
	p.On(EventTaskCancelled, rec.handler())
	p.On(EventWorkerUnregistered, rec.handler())
	p.On(EventPoolEmpty, rec.handler())
	require.True(t, p.Register(idleWorker("worker-0")))

	res := p.Assign(&task.SubTask{ID: "subtask-1"}, time.Minute)
	require.True(t, res.Success)

	assert.True(t, p.Unregister("worker-0"))
	assert.False(t, p.Unregister("worker-0"))

	rec.waitFor(t, EventTaskCancelled)
	rec.waitFor(t, EventWorkerUnregistered)
	rec.waitFor(t, EventPoolEmpty)
	assert.Equal(t, 0, p.WorkerCount())
	assert.Equal(t, 0, p.ActiveTaskCount())
}

func TestUpdateWorkerStatus(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyRoundRobin)
	rec := &recorder{}
	p.On(EventWorkerStatusChanged, rec.handler())
	require.True(t, p.Register(idleWorker("worker-0")))

	assert.True(t, p.UpdateWorkerStatus("worker-0", task.WorkerBusy, nil))
	assert.True(t, p.UpdateWorkerStatus("worker-0", task.WorkerBusy, &task.WorkerLoad{CPUPercent: 40}))
	assert.False(t, p.UpdateWorkerStatus("ghost", task.WorkerIdle, nil))

	rec.waitFor(t, EventWorkerStatusChanged)
	assert.Len(t, rec.types(), 1, "same-status update must not emit")
	require.NotNil(t, p.GetWorker("worker-0").Load)
	assert.Equal(t, 40.0, p.GetWorker("worker-0").Load.CPUPercent)
}

func TestHandlerPanicDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyRoundRobin)
	rec := &recorder{}
	p.On(EventWorkerRegistered, func(Event) { panic("boom") })
	p.On(EventWorkerRegistered, rec.handler())

	require.True(t, p.Register(idleWorker("worker-0")))
	rec.waitFor(t, EventWorkerRegistered)
}

func TestShutdownRejectsFurtherWork(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyRoundRobin)
	require.True(t, p.Register(idleWorker("worker-0")))
	res := p.Assign(&task.SubTask{ID: "subtask-1"}, time.Minute)
	require.True(t, res.Success)

	p.Shutdown()
	assert.Equal(t, 0, p.WorkerCount())
	assert.Equal(t, 0, p.ActiveTaskCount())
	assert.False(t, p.Register(idleWorker("worker-1")))

	res2 := p.Assign(&task.SubTask{ID: "subtask-2"}, 0)
	assert.False(t, res2.Success)
}

func TestWorkersReturnsCopies(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, StrategyRoundRobin)
	require.True(t, p.Register(idleWorker("worker-0")))

	snapshot := p.Workers()
	require.Len(t, snapshot, 1)
	snapshot[0].Status = task.WorkerOffline

	assert.Equal(t, task.WorkerIdle, p.GetWorker("worker-0").Status, "mutating a copy must not affect the pool")
}
