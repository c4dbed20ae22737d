// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

package memsched

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abudnik/gomaster/master"
)

// dispatchRecorder captures every task handed to the outbound
// dispatch hook, for assertions without needing a real worker.
type dispatchRecorder struct {
	mu    sync.Mutex
	tasks []master.WorkerTask
	ips   []string
}

func (r *dispatchRecorder) record(task master.WorkerTask, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	r.ips = append(r.ips, ip)
}

func (r *dispatchRecorder) last() (master.WorkerTask, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) == 0 {
		return master.WorkerTask{}, ""
	}
	return r.tasks[len(r.tasks)-1], r.ips[len(r.ips)-1]
}

func (r *dispatchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

type completionRecorder struct {
	mu       sync.Mutex
	statuses map[int64]master.CompletionStatus
}

func newCompletionRecorder() *completionRecorder {
	return &completionRecorder{statuses: make(map[int64]master.CompletionStatus)}
}

func (r *completionRecorder) record(jobID int64, status master.CompletionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[jobID] = status
}

func (r *completionRecorder) statusOf(jobID int64) (master.CompletionStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[jobID]
	return s, ok
}

func newTestCore(t *testing.T) (*Core, *clock.Mock, *dispatchRecorder, *completionRecorder) {
	mock := clock.NewMock()
	dispatched := &dispatchRecorder{}
	completions := newCompletionRecorder()
	core := New(Config{
		Clock:           mock,
		MaxDropped:      3,
		OnJobCompletion: completions.record,
		Dispatch:        dispatched.record,
	})
	t.Cleanup(core.Stop)
	return core, mock, dispatched, completions
}

func addReadyWorker(core *Core, group, host, ip string) {
	core.AddWorkerHost(group, host)
	core.SetWorkerIP(host, ip)
}

// S1: single job, single worker.
func TestSingleJobSingleWorker(t *testing.T) {
	core, _, dispatched, completions := newTestCore(t)
	addReadyWorker(core, "g", "w1", "10.0.0.1")

	err := core.SubmitJob(master.Job{
		JobID: 1, Priority: 5, NumTasks: 1, MaxExec: 2, HostGroup: "g",
		QueueTimeout: -1, JobTimeout: -1, TaskTimeout: -1,
	})
	require.NoError(t, err)
	require.Equal(t, 1, dispatched.count())

	task, ip := dispatched.last()
	assert.Equal(t, "10.0.0.1", ip)
	assert.Equal(t, int64(1), task.JobID)

	workers := core.GetWorkers("")
	require.Len(t, workers, 1)
	assert.Equal(t, 1, workers[0].NumExec)

	core.OnTaskCompletion(true, task, ip)

	status, ok := completions.statusOf(1)
	require.True(t, ok)
	assert.Equal(t, master.StatusSuccess, status)

	workers = core.GetWorkers("")
	assert.Equal(t, 0, workers[0].NumExec)
	_, found := core.scheduled.FindJobByJobID(1)
	assert.False(t, found)
}

// S2: retry then give up.
func TestRetryThenGiveUp(t *testing.T) {
	core, _, dispatched, completions := newTestCore(t)
	addReadyWorker(core, "g", "w1", "10.0.0.1")

	err := core.SubmitJob(master.Job{
		JobID: 2, NumTasks: 1, MaxExec: 2, HostGroup: "g",
		QueueTimeout: -1, JobTimeout: -1, TaskTimeout: -1,
	})
	require.NoError(t, err)

	task, ip := dispatched.last()
	core.OnTaskCompletion(false, task, ip)
	assert.Equal(t, 2, dispatched.count(), "should redispatch after first failure")
	// History is read before the final failure: once the job reaches
	// a terminal state its per-job history is released.
	assert.Equal(t, 2, core.history.get(2, "10.0.0.1"))

	task, ip = dispatched.last()
	core.OnTaskCompletion(false, task, ip)

	assert.Equal(t, 2, dispatched.count(), "no further dispatch once maxExec reached")

	status, ok := completions.statusOf(2)
	require.True(t, ok)
	assert.Equal(t, master.StatusFailed, status)
}

// S3: worker lost mid-task.
func TestWorkerLostMidTask(t *testing.T) {
	core, _, dispatched, completions := newTestCore(t)
	addReadyWorker(core, "g", "w1", "10.0.0.1")
	addReadyWorker(core, "g", "w2", "10.0.0.2")

	err := core.SubmitJob(master.Job{
		JobID: 3, NumTasks: 1, MaxExec: 1, HostGroup: "g",
		QueueTimeout: -1, JobTimeout: -1, TaskTimeout: -1,
	})
	require.NoError(t, err)

	task, ip := dispatched.last()
	assert.Equal(t, "10.0.0.1", ip)

	core.DeleteWorker("w1")

	workers := core.GetWorkers("")
	for _, w := range workers {
		if w.Host == "w1" {
			assert.Equal(t, 0, w.NumExec)
			assert.Equal(t, master.StateNotAvail, w.State)
		}
	}

	require.Equal(t, 2, dispatched.count(), "should redispatch to w2")
	task, ip = dispatched.last()
	assert.Equal(t, "10.0.0.2", ip)

	core.OnTaskCompletion(true, task, ip)
	status, ok := completions.statusOf(3)
	require.True(t, ok)
	assert.Equal(t, master.StatusSuccess, status)
}

// S4: priority preemption of a future slot.
func TestPriorityPreemption(t *testing.T) {
	core, _, dispatched, completions := newTestCore(t)
	addReadyWorker(core, "g", "w1", "10.0.0.1")

	require.NoError(t, core.SubmitJob(master.Job{
		JobID: 10, Priority: 1, NumTasks: 1, MaxExec: 1, HostGroup: "g",
		QueueTimeout: -1, JobTimeout: -1, TaskTimeout: -1,
	}))
	taskA, ipA := dispatched.last()

	require.NoError(t, core.SubmitJob(master.Job{
		JobID: 11, Priority: 9, NumTasks: 1, MaxExec: 1, HostGroup: "g",
		QueueTimeout: -1, JobTimeout: -1, TaskTimeout: -1,
	}))
	assert.Equal(t, 1, dispatched.count(), "B should not be dispatched yet, worker busy with A")

	core.OnTaskCompletion(true, taskA, ipA)
	_, ok := completions.statusOf(10)
	require.True(t, ok)

	require.Equal(t, 2, dispatched.count())
	taskB, _ := dispatched.last()
	assert.Equal(t, int64(11), taskB.JobID, "B should be picked over any lower-priority job")
}

// S5: queue timeout.
func TestQueueTimeout(t *testing.T) {
	core, mock, _, completions := newTestCore(t)

	require.NoError(t, core.SubmitJob(master.Job{
		JobID: 5, NumTasks: 1, MaxExec: 1, QueueTimeout: 2 * time.Second,
		JobTimeout: -1, TaskTimeout: -1,
	}))

	mock.Add(3 * time.Second)
	time.Sleep(10 * time.Millisecond)

	_, found := core.queue.Get(5)
	assert.False(t, found)
	_, found = core.scheduled.FindJobByJobID(5)
	assert.False(t, found)

	status, ok := completions.statusOf(5)
	require.True(t, ok)
	assert.Equal(t, master.StatusTimeout, status)
}

// S6: meta dependency.
func TestMetaDependency(t *testing.T) {
	core, _, dispatched, completions := newTestCore(t)
	addReadyWorker(core, "g", "w1", "10.0.0.1")

	jobA := master.Job{JobID: 100, NumTasks: 1, MaxExec: 1, HostGroup: "g", QueueTimeout: -1, JobTimeout: -1, TaskTimeout: -1}
	jobB := master.Job{JobID: 101, NumTasks: 1, MaxExec: 1, HostGroup: "g", QueueTimeout: -1, JobTimeout: -1, TaskTimeout: -1}

	err := core.SubmitMetaJob(42, []master.Job{jobA, jobB}, [][2]int64{{100, 101}})
	require.NoError(t, err)

	_, found := core.queue.Get(101)
	assert.False(t, found, "B must not be admitted before A completes")

	taskA, ipA := dispatched.last()
	require.Equal(t, int64(100), taskA.JobID)

	core.OnTaskCompletion(true, taskA, ipA)

	require.Equal(t, 2, dispatched.count(), "B should be released and dispatched after A succeeds")
	taskB, _ := dispatched.last()
	assert.Equal(t, int64(101), taskB.JobID)

	core.OnTaskCompletion(true, taskB, "10.0.0.1")
	status, ok := completions.statusOf(101)
	require.True(t, ok)
	assert.Equal(t, master.StatusSuccess, status)
}

// TestMetaDependencyParentFailureCancelsChild covers the failure half
// of meta release: a parent that never recovers must keep its child
// out of C4 entirely.
func TestMetaDependencyParentFailureCancelsChild(t *testing.T) {
	core, _, _, completions := newTestCore(t)
	addReadyWorker(core, "g", "w1", "10.0.0.1")

	jobA := master.Job{JobID: 200, NumTasks: 1, MaxExec: 1, HostGroup: "g", QueueTimeout: -1, JobTimeout: -1, TaskTimeout: -1}
	jobB := master.Job{JobID: 201, NumTasks: 1, MaxExec: 1, HostGroup: "g", QueueTimeout: -1, JobTimeout: -1, TaskTimeout: -1}

	require.NoError(t, core.SubmitMetaJob(43, []master.Job{jobA, jobB}, [][2]int64{{200, 201}}))

	task, ip := dispatched(core)
	core.OnTaskCompletion(false, task, ip)

	status, ok := completions.statusOf(200)
	require.True(t, ok)
	assert.Equal(t, master.StatusFailed, status)

	status, ok = completions.statusOf(201)
	require.True(t, ok)
	assert.Equal(t, master.StatusParentFailed, status)

	_, found := core.queue.Get(201)
	assert.False(t, found)
}

func dispatched(core *Core) (master.WorkerTask, string) {
	for task, host := range core.assignments {
		w, ok := core.workers[host]
		if ok {
			return task, w.IP
		}
	}
	return master.WorkerTask{}, ""
}

// TestCapacityInvariant checks property 1: numExec never exceeds
// numCPU and always matches the number of in-flight instances on that
// worker.
func TestCapacityInvariant(t *testing.T) {
	core, _, _, _ := newTestCore(t)
	addReadyWorker(core, "g", "w1", "10.0.0.1")
	core.SetWorkerCPU("w1", 2)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, core.SubmitJob(master.Job{
			JobID: i, NumTasks: 1, MaxExec: 1, HostGroup: "g",
			QueueTimeout: -1, JobTimeout: -1, TaskTimeout: -1,
		}))
	}

	workers := core.GetWorkers("")
	require.Len(t, workers, 1)
	assert.LessOrEqual(t, workers[0].NumExec, workers[0].NumCPU)
	assert.Equal(t, 2, workers[0].NumExec, "exactly two of three jobs should have an in-flight task")
}

// TestRetryBoundNeverExceedsMaxExec checks property 4 under repeated
// failures across two eligible hosts.
func TestRetryBoundNeverExceedsMaxExec(t *testing.T) {
	core, _, dispatched, _ := newTestCore(t)
	addReadyWorker(core, "g", "w1", "10.0.0.1")
	addReadyWorker(core, "g", "w2", "10.0.0.2")

	require.NoError(t, core.SubmitJob(master.Job{
		JobID: 7, NumTasks: 1, MaxExec: 2, MaxFailedNodes: 0, HostGroup: "g",
		QueueTimeout: -1, JobTimeout: -1, TaskTimeout: -1,
	}))

	for i := 0; i < 4; i++ {
		task, ip := dispatched.last()
		if task.JobID == 0 {
			break
		}
		core.OnTaskCompletion(false, task, ip)
	}

	assert.LessOrEqual(t, core.history.get(7, "10.0.0.1"), 2)
	assert.LessOrEqual(t, core.history.get(7, "10.0.0.2"), 2)
}
