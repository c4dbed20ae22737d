// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

package master

import "time"

// WorkerRegistry is the C1 component: worker membership, per-host
// state, and capacity counters.
type WorkerRegistry interface {
	// AddWorkerGroup registers every host in hosts under group.
	AddWorkerGroup(group string, hosts []string)

	// AddWorkerHost registers a single host under group.
	AddWorkerHost(group, host string)

	// DeleteWorkerHost removes a host from the registry. Any
	// tasks currently assigned to it are rescued through the
	// scheduler.
	DeleteWorkerHost(host string)

	// DeleteWorkerGroup removes every host in group.
	DeleteWorkerGroup(group string)

	// GetWorkers returns a snapshot of registered workers,
	// restricted to group if group is non-empty.
	GetWorkers(group string) []Worker

	// SetWorkerIP records the resolved IP for a worker, the
	// first time it is observed. Subsequent calls are no-ops.
	SetWorkerIP(host, ip string)

	// ReserveExec increments a worker's NumExec. Returns false if
	// the worker is unknown (which is logged) or already at NumCPU.
	ReserveExec(host string) bool

	// ReleaseExec decrements a worker's NumExec. Decrementing
	// below zero is an internal invariant violation: it is
	// logged and otherwise ignored.
	ReleaseExec(host string)

	// RecordPingReply increments the ping response counter for
	// a host since the last drop check.
	RecordPingReply(host string)

	// CheckDroppedPingResponses evaluates every worker's ping
	// response counter since the last check, incrementing or
	// resetting DroppedCounter per worker and marking workers
	// StateNotAvail once the threshold is exceeded. Returns the
	// hosts newly marked StateNotAvail on this call.
	CheckDroppedPingResponses(maxDropped int) []string
}

// TimeoutWheel is the C3 component: a deadline-ordered callback
// queue.
type TimeoutWheel interface {
	// PushTaskTimeout arms a task-timeout callback. Negative
	// timeouts register nothing.
	PushTaskTimeout(task WorkerTask, hostIP string, timeout time.Duration)

	// PushJobTimeout arms a job-timeout callback.
	PushJobTimeout(jobID int64, timeout time.Duration)

	// PushQueueTimeout arms a queue-timeout callback.
	PushQueueTimeout(jobID int64, timeout time.Duration)

	// PushStopCommand arms a delayed stop-command callback.
	PushStopCommand(hostIP string, task WorkerTask, delay time.Duration)

	// Start begins the dispatcher loop in its own goroutine.
	Start()

	// Stop signals the dispatcher loop to exit; it returns once
	// the loop has observed the stop flag.
	Stop()
}

// JobQueue is the C4 component: FIFO admission of new jobs.
type JobQueue interface {
	// Add appends job to the queue, sets its arrival time, and
	// arms a queue-timeout if job.QueueTimeout >= 0. Returns
	// ErrJobExists if a job with the same JobID is already
	// queued.
	Add(job Job) error

	// Delete removes a job by id. Returns whether it was
	// present.
	Delete(jobID int64) bool

	// Get returns a job by id and whether it was found.
	Get(jobID int64) (Job, bool)

	// Drain removes and returns every currently queued job, in
	// FIFO order, leaving the queue empty.
	Drain() []Job

	// Len returns the number of queued jobs.
	Len() int

	// LatestJobID returns the highest JobID currently queued, and
	// false if the queue is empty.
	LatestJobID() (int64, bool)
}

// ScheduledJobs is the C5 component: jobs currently executing,
// ordered by priority then JobID.
type ScheduledJobs interface {
	// Add inserts job into the scheduled set with the given
	// initial remaining-execution count.
	Add(job Job, remainingExecutions int)

	// DecrementJobExecution reduces the remaining-execution count
	// of jobID by n and returns the resulting count. found is
	// false if jobID is not scheduled. Callers are responsible for
	// removing the job once remaining drops below 1 (kept out of
	// this method so completion side effects stay in one place,
	// the scheduler core).
	DecrementJobExecution(jobID int64, n int) (remaining int, found bool)

	// FindJobByJobID returns a job and whether it was found.
	FindJobByJobID(jobID int64) (Job, bool)

	// GetJobGroup returns every scheduled job sharing groupID.
	GetJobGroup(groupID int64) []Job

	// GetNumExec returns the remaining-execution count for a
	// job, or -1 if it is not scheduled.
	GetNumExec(jobID int64) int

	// SetSentCompletely marks whether every task instance of a
	// job has been assigned at least once.
	SetSentCompletely(jobID int64, v bool)

	// IsSentCompletely reports the SentCompletely flag for a job.
	IsSentCompletely(jobID int64) bool

	// GetNumJobs returns the number of scheduled jobs.
	GetNumJobs() int

	// InPriorityOrder returns every scheduled job ordered by
	// descending priority, then ascending JobID.
	InPriorityOrder() []Job

	// RemoveJob erases the scheduled entry for jobID. It does not
	// itself notify anything; the caller (the scheduler core) is
	// responsible for any follow-on orchestration such as C6
	// release/cancellation and the on-completion callback. Returns
	// whether the job was present.
	RemoveJob(jobID int64, success bool, status CompletionStatus) bool

	// Clear erases every scheduled job entry unconditionally, for
	// use during an emergency drain; it does not itself fire
	// completion callbacks. Callers that need callbacks should
	// snapshot InPriorityOrder() first.
	Clear()
}

// MetaGraph is the C6 component: the meta-job dependency DAG.
type MetaGraph interface {
	// AddGroup records groupID's member jobs and parent->child
	// dependency edges. Jobs with no incoming edge are
	// immediately releasable.
	AddGroup(groupID int64, jobIDs []int64, edges [][2]int64)

	// OnParentCompleted notifies the graph that parentID left the
	// scheduled set. If success is true, children whose every
	// parent has completed successfully are returned as newly
	// released. If success is false, every transitively dependent
	// unreleased job is returned as cancelled.
	OnParentCompleted(parentID int64, success bool) (released []int64, cancelled []int64)

	// Forget discards all graph state for groupID, used once
	// every member job has reached a terminal state.
	Forget(groupID int64)
}

// Scheduler is the C7 component: task-to-worker matching and job
// lifecycle event handling. This is the public contract consumed by
// the RPC front end, the pinger, and the timeout wheel's callbacks.
type Scheduler interface {
	OnNewJob()
	OnTaskCompletion(success bool, task WorkerTask, hostIP string)
	OnTaskTimeout(task WorkerTask, hostIP string)
	OnJobTimeout(jobID int64)

	StopJob(jobID int64) bool
	StopJobGroup(groupID int64)
	StopAllJobs()
	StopPreviousJobs()

	DeleteWorker(host string)

	GetJobInfo(jobID int64) (JobInfo, bool)
	GetStatistics() Statistics
}

// JobSubmitter is the admission entry point used by the RPC front end
// (the `run` command, spec.md §6) and by jobfile parsing. It bridges
// C4 (plain jobs) and C6 (meta-job dependency registration).
type JobSubmitter interface {
	// SubmitJob admits a single job into the job queue.
	SubmitJob(job Job) error

	// SubmitMetaJob registers a meta-submission: every job in jobs
	// shares groupID; edges are parent->child dependency pairs.
	// Jobs with no parent are admitted to the job queue
	// immediately; the rest wait for release by MetaGraph.
	SubmitMetaJob(groupID int64, jobs []Job, edges [][2]int64) error
}
