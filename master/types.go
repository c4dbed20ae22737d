// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

// Package master defines the abstract data model and service
// interfaces of the scheduling and lifecycle subsystem: worker
// membership, the job queue, in-flight scheduled jobs, the meta-job
// dependency graph, the timeout wheel, and the scheduler core that
// ties them together.
//
// Concrete backends, such as memsched, implement these interfaces.
// Application code (the RPC front end, the pinger, the daemon
// command) depends only on this package's interfaces, not on any
// particular backend.
package master

import "time"

// WorkerState is the liveness/availability state of a registered
// worker.  A worker is only eligible for task assignment while in
// StateReady.
type WorkerState int

const (
	// StateInit is the state of a worker that has been registered
	// but has not yet had its address resolved or received a ping
	// reply.
	StateInit WorkerState = iota

	// StateReady workers may be assigned tasks.
	StateReady

	// StateNotAvail workers have dropped too many consecutive
	// pings, or were removed through DeleteWorker, and are not
	// assigned further tasks. The memsched backend never moves a
	// worker out of this state.
	StateNotAvail

	// StateDisabled workers have been administratively excluded
	// from scheduling.
	StateDisabled
)

func (s WorkerState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateNotAvail:
		return "NOT_AVAIL"
	case StateDisabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

// Worker is a single registered compute node.  Its Host and Group are
// fixed at registration; IP is filled in asynchronously by the first
// successful ping; NumExec is mutated exclusively by the scheduler
// core under the registry's lock.
type Worker struct {
	Host  string
	IP    string
	Group string

	NumCPU  int
	NumExec int

	State WorkerState

	// PingResponseCount is incremented each time a ping reply is
	// recorded for this worker since the last drop check.
	PingResponseCount int

	// DroppedCounter counts consecutive drop checks with no
	// reply recorded.
	DroppedCounter int
}

// HasCapacity reports whether this worker can accept one more task
// instance.
func (w *Worker) HasCapacity() bool {
	return w.State == StateReady && w.NumExec < w.NumCPU
}

// CompletionStatus is the terminal label attached to a job when it
// leaves the scheduled-jobs set.
type CompletionStatus string

const (
	StatusSuccess      CompletionStatus = "success"
	StatusFailed       CompletionStatus = "failed"
	StatusTimeout      CompletionStatus = "timeout"
	StatusStopped      CompletionStatus = "stopped"
	StatusWorkerLost   CompletionStatus = "worker_lost"
	StatusParentFailed CompletionStatus = "parent_failed"
)

// Job is a user-submitted unit of work, possibly a member of a
// meta-job sharing a GroupID with its siblings.
type Job struct {
	JobID   int64
	GroupID int64

	Priority int

	NumTasks int

	MaxFailedNodes int
	MaxClusterCPU  int
	MaxCPU         int

	QueueTimeout time.Duration
	JobTimeout   time.Duration
	TaskTimeout  time.Duration

	MaxExec int

	// HostGroup restricts eligible workers to this group.  Empty
	// string means no affinity filter.
	HostGroup string

	NoReschedule bool

	// ArrivalTime is set by the job queue when the job is
	// admitted; used only for diagnostics (ordering guarantees
	// use JobID, per the resolved Open Question in SPEC_FULL.md).
	ArrivalTime time.Time
}

// WorkerTask identifies one task instance: the taskId-th task of a
// job, launched for the instanceId-th time.
type WorkerTask struct {
	JobID      int64
	TaskID     int
	InstanceID int
}

// TimerKind distinguishes the four callback kinds the timeout wheel
// can carry, forming a tagged variant in place of the original's
// per-kind handler class hierarchy.
type TimerKind int

const (
	TimerTaskTimeout TimerKind = iota
	TimerJobTimeout
	TimerQueueTimeout
	TimerStopCommand
)

// TimerEntry is the payload carried by a single timeout wheel
// registration.  Only the fields relevant to Kind are meaningful.
type TimerEntry struct {
	Kind TimerKind

	JobID int64

	Task   WorkerTask
	HostIP string
}

// JobInfo is a read-only snapshot of a job's current scheduling
// state, returned by Scheduler.GetJobInfo.
type JobInfo struct {
	Job                Job
	RemainingExecutions int
	SentCompletely      bool
	Status              string
}

// Statistics is a read-only snapshot of global scheduler counters,
// returned by Scheduler.GetStatistics.
type Statistics struct {
	NumWorkers     int
	NumReadyWorkers int
	NumQueuedJobs  int
	NumScheduledJobs int
	TotalNumExec   int
}
