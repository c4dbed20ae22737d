// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

// Package memsched provides an in-process, in-memory implementation
// of the master's scheduling and lifecycle subsystem (C1, C3, C4, C5,
// C6, C7). There is no persistence; a process restart loses all
// state, matching spec.md §6.
//
// Per spec.md §5, the worker registry's capacity counters (C1), the
// scheduled-jobs set (C5), and the per-job exec history together form
// one set of invariants that must be observed atomically, so they are
// guarded by a single coarse mutex on Core. The job queue (C4) and the
// timeout wheel (C3) have their own independent locks, mirroring the
// teacher's memCoordinate/globalLock split between backend-wide state
// and the namespace tree it protects.
package memsched

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/abudnik/gomaster/master"
)

// Core is the in-memory backend for the scheduling and lifecycle
// subsystem. It implements master.WorkerRegistry, master.ScheduledJobs
// (via its scheduled field) and master.Scheduler.
//
// The zero value is not usable; construct with New.
type Core struct {
	// sem guards workers, history, and the scheduled jobs set
	// together, per spec.md §5.
	sem sync.Mutex

	clock clock.Clock
	log   *logrus.Logger

	workers map[string]*master.Worker // keyed by host
	history jobExecHistory

	scheduled *scheduledJobs

	queue *jobQueue
	wheel *timeoutWheel
	graph *metaGraph

	maxDropped int

	nextInstanceID map[int64]int                 // jobId -> next instance id to allocate
	failedNodes    map[int64]map[string]struct{} // jobId -> set of host IPs on which one of its tasks failed

	// assignments tracks which host each in-flight task instance was
	// sent to, needed to compute MaxClusterCPU (distinct hosts) and
	// MaxCPU (total in-flight) per job without scanning workers.
	assignments map[master.WorkerTask]string

	// activeTask mirrors assignments, keyed for fast per-job/per-task
	// lookup: jobId -> taskId -> host.
	activeTask map[int64]map[int]string

	// pendingTaskIDs lists, per job, the task ids that still need a
	// worker: present once at admission, and again after a retryable
	// failure frees the slot back up.
	pendingTaskIDs map[int64][]int

	// pendingMetaJobs holds the full Job definition for meta-job
	// members that are not yet releasable into the job queue, keyed
	// by JobID. metaGraph only tracks bare ids and edges, so Core
	// keeps the definitions until MetaGraph.OnParentCompleted says
	// they may be admitted.
	pendingMetaJobs map[int64]master.Job

	// groupRemaining counts, per meta-submission groupId, how many
	// member jobs have not yet reached a terminal state; it triggers
	// metaGraph.Forget once it reaches zero.
	groupRemaining map[int64]int

	onJobCompletion func(jobID int64, status master.CompletionStatus)

	// dispatch sends an assigned task to a worker. Actual network
	// transport (comm_descriptor in the original) is out of scope;
	// tests supply their own implementation, while cmd/masterd and
	// cmd/masterbench leave it unset, so it is a no-op there.
	dispatch func(task master.WorkerTask, hostIP string)

	// stopDispatch sends a cooperative stop command to a worker for a
	// still-running task, used after a task-timeout grace period.
	stopDispatch func(task master.WorkerTask, hostIP string)
}

// stopCommandGrace is the delay between a task timeout firing and the
// stop-command follow-up enqueued for the runaway instance. The source
// does not pin an exact value; this is a reasonable default documented
// as an interpretive choice.
const stopCommandGrace = 5 * time.Second

// Config bundles Core's construction-time parameters.
type Config struct {
	// Clock is the time source used for deadlines. If nil, uses
	// clock.New() (real wall-clock time). Tests should supply a
	// clock.NewMock().
	Clock clock.Clock

	// Log receives structured log output for invariant violations
	// and job lifecycle events. If nil, uses logrus.StandardLogger().
	Log *logrus.Logger

	// MaxDropped is stored on the Core but does not affect drop
	// detection: the threshold applied is the maxDropped argument
	// passed to CheckDroppedPingResponses (by master/ping, its own
	// Config.MaxDropped).
	MaxDropped int

	// OnJobCompletion is invoked whenever a job reaches a
	// terminal state, mirroring the original's on_job_completion
	// callback ({job_id, status}).
	OnJobCompletion func(jobID int64, status master.CompletionStatus)

	// Dispatch sends an assigned task to a worker. If nil, dispatch
	// is a no-op, which is sufficient for tests that only exercise
	// scheduling decisions rather than transport.
	Dispatch func(task master.WorkerTask, hostIP string)

	// StopDispatch sends a cooperative stop command to a worker. If
	// nil, it is a no-op.
	StopDispatch func(task master.WorkerTask, hostIP string)
}

// New constructs a Core and starts its timeout wheel dispatcher.
// Callers should call Stop when done, typically via defer.
func New(cfg Config) *Core {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.MaxDropped <= 0 {
		cfg.MaxDropped = 3
	}

	c := &Core{
		clock:           cfg.Clock,
		log:             cfg.Log,
		workers:         make(map[string]*master.Worker),
		history:         newJobExecHistory(),
		scheduled:       newScheduledJobs(),
		queue:           newJobQueue(),
		graph:           newMetaGraph(),
		maxDropped:      cfg.MaxDropped,
		nextInstanceID:  make(map[int64]int),
		failedNodes:     make(map[int64]map[string]struct{}),
		assignments:     make(map[master.WorkerTask]string),
		activeTask:      make(map[int64]map[int]string),
		pendingTaskIDs:  make(map[int64][]int),
		pendingMetaJobs: make(map[int64]master.Job),
		groupRemaining:  make(map[int64]int),
		onJobCompletion: cfg.OnJobCompletion,
		dispatch:        cfg.Dispatch,
		stopDispatch:    cfg.StopDispatch,
	}
	if c.dispatch == nil {
		c.dispatch = func(master.WorkerTask, string) {}
	}
	if c.stopDispatch == nil {
		c.stopDispatch = func(master.WorkerTask, string) {}
	}
	c.wheel = newTimeoutWheel(cfg.Clock, c.log, c.dispatchTimer)
	c.queue.wheel = c.wheel
	c.wheel.Start()
	return c
}

// Stop shuts down the timeout wheel's dispatcher goroutine.
func (c *Core) Stop() {
	c.wheel.Stop()
}

// lock/unlock are named to match the teacher's globalLock/globalUnlock
// convention in memory/coordinate.go, generalized from a package-level
// function (there was only ever one *memCoordinate) to a method (here
// there can be several independent Core instances, e.g. in tests).
func (c *Core) lock()   { c.sem.Lock() }
func (c *Core) unlock() { c.sem.Unlock() }
