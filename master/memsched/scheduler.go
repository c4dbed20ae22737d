// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

package memsched

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/abudnik/gomaster/master"
)

// effectiveMaxExec applies the resolved open question from spec.md §9:
// maxExec <= 0 means a single attempt, not unlimited retries.
func effectiveMaxExec(job master.Job) int {
	if job.MaxExec <= 0 {
		return 1
	}
	return job.MaxExec
}

// effectiveNumTasks guards against a zero-valued NumTasks, treating it
// as a single task instance.
func effectiveNumTasks(job master.Job) int {
	if job.NumTasks <= 0 {
		return 1
	}
	return job.NumTasks
}

// OnNewJob implements master.Scheduler. It promotes every admissible
// job currently sitting in C4 into C5 and runs a selection pass. A job
// is admissible once at least one worker matching its host-group
// filter is registered; per scenario S5, a job submitted against an
// empty (or non-matching) worker pool stays in C4 — never entering
// C5 — until its queue-timeout evicts it or a matching worker
// registers. Jobs left behind are not removed from C4, so a later
// OnNewJob call (triggered by a fresh submission or a worker becoming
// ready, see Core.SetWorkerIP) gets another chance to promote them.
func (c *Core) OnNewJob() {
	promoted := false
	for _, job := range c.queue.Snapshot() {
		c.lock()
		eligible := c.hasAnyMatchingWorkerLocked(job)
		c.unlock()
		if !eligible {
			continue
		}
		if !c.queue.Delete(job.JobID) {
			continue
		}

		n := effectiveNumTasks(job)
		pending := make([]int, n)
		for i := range pending {
			pending[i] = i
		}

		c.lock()
		c.scheduled.Add(job, n)
		c.pendingTaskIDs[job.JobID] = pending
		c.unlock()

		if job.JobTimeout >= 0 {
			c.wheel.PushJobTimeout(job.JobID, job.JobTimeout)
		}
		promoted = true
	}
	if promoted {
		c.runSelection()
	}
}

// hasAnyMatchingWorkerLocked reports whether at least one worker
// exists that could ever be a candidate for job, independent of its
// current busy/ready state: jobs are promoted to C5 (the SCHEDULING
// state) as soon as the pool is non-empty and wait there for a free
// slot like any other scheduled job; only a pool with no matching
// worker at all holds a job back in C4. Caller must hold c.sem.
func (c *Core) hasAnyMatchingWorkerLocked(job master.Job) bool {
	if job.HostGroup == "" {
		return len(c.workers) > 0
	}
	for _, w := range c.workers {
		if w.Group == job.HostGroup {
			return true
		}
	}
	return false
}

// runSelection implements the selection algorithm of spec.md §4.7: it
// iterates C5 in priority order and tries to fill every job's pending
// task slots from the current worker pool.
func (c *Core) runSelection() {
	c.lock()
	defer c.unlock()
	for _, job := range c.scheduled.InPriorityOrder() {
		if len(c.pendingTaskIDs[job.JobID]) == 0 {
			continue
		}
		c.assignJobTasksLocked(job)
	}
}

// assignJobTasksLocked dispatches as many of job's pending task ids as
// the current worker pool allows. Caller must hold c.sem.
func (c *Core) assignJobTasksLocked(job master.Job) {
	maxExec := effectiveMaxExec(job)
	pending := c.pendingTaskIDs[job.JobID]

	i := 0
	for i < len(pending) {
		host, ip, ok := c.pickCandidateLocked(job, maxExec)
		if !ok {
			break
		}
		c.dispatchTaskLocked(job, pending[i], host, ip)
		i++
	}

	if i == len(pending) {
		delete(c.pendingTaskIDs, job.JobID)
		c.scheduled.SetSentCompletely(job.JobID, true)
		return
	}
	c.pendingTaskIDs[job.JobID] = pending[i:]
	c.scheduled.SetSentCompletely(job.JobID, false)
}

type candidateWorker struct {
	host     string
	ip       string
	numExec  int
	attempts int
}

// pickCandidateLocked implements steps 1-3 of the selection algorithm:
// build the eligible set for one more task instance of job, respect
// the job-level spread caps, and tie-break down to a single worker.
// Caller must hold c.sem.
func (c *Core) pickCandidateLocked(job master.Job, maxExec int) (host, ip string, ok bool) {
	hosts, total := c.jobSpreadLocked(job.JobID)
	if job.MaxCPU > 0 && total >= job.MaxCPU {
		return "", "", false
	}

	var candidates []candidateWorker
	for h, w := range c.workers {
		if !w.HasCapacity() {
			continue
		}
		if w.IP == "" {
			continue
		}
		if job.HostGroup != "" && w.Group != job.HostGroup {
			continue
		}
		if c.history.get(job.JobID, w.IP) >= maxExec {
			continue
		}
		if _, known := hosts[h]; !known && job.MaxClusterCPU > 0 && len(hosts) >= job.MaxClusterCPU {
			continue
		}
		candidates = append(candidates, candidateWorker{
			host:     h,
			ip:       w.IP,
			numExec:  w.NumExec,
			attempts: c.history.get(job.JobID, w.IP),
		})
	}
	if len(candidates) == 0 {
		return "", "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.numExec != b.numExec {
			return a.numExec < b.numExec
		}
		if a.attempts != b.attempts {
			return a.attempts < b.attempts
		}
		return a.ip < b.ip
	})
	best := candidates[0]
	return best.host, best.ip, true
}

// jobSpreadLocked returns the set of hosts currently running an
// instance of jobID and the total number of in-flight instances.
// Caller must hold c.sem.
func (c *Core) jobSpreadLocked(jobID int64) (map[string]struct{}, int) {
	hosts := make(map[string]struct{})
	total := 0
	for task, host := range c.assignments {
		if task.JobID != jobID {
			continue
		}
		hosts[host] = struct{}{}
		total++
	}
	return hosts, total
}

// dispatchTaskLocked reserves capacity for one task instance and hands
// it to the outbound dispatch hook. Caller must hold c.sem.
func (c *Core) dispatchTaskLocked(job master.Job, taskID int, host, ip string) {
	w := c.workers[host]
	w.NumExec++
	c.history.increment(job.JobID, ip)

	instanceID := c.nextInstanceID[job.JobID]
	c.nextInstanceID[job.JobID] = instanceID + 1

	task := master.WorkerTask{JobID: job.JobID, TaskID: taskID, InstanceID: instanceID}
	c.assignments[task] = host
	if c.activeTask[job.JobID] == nil {
		c.activeTask[job.JobID] = make(map[int]string)
	}
	c.activeTask[job.JobID][taskID] = host

	c.wheel.PushTaskTimeout(task, ip, job.TaskTimeout)
	c.dispatch(task, ip)
}

// releaseAssignmentLocked frees the capacity held by task, if any is
// currently recorded. Caller must hold c.sem.
func (c *Core) releaseAssignmentLocked(task master.WorkerTask) {
	host, ok := c.assignments[task]
	if !ok {
		return
	}
	delete(c.assignments, task)
	if at, ok := c.activeTask[task.JobID]; ok {
		delete(at, task.TaskID)
	}
	if _, ok := c.workers[host]; ok {
		c.releaseExecLocked(host)
	}
}

// OnTaskCompletion implements master.Scheduler.
func (c *Core) OnTaskCompletion(success bool, task master.WorkerTask, hostIP string) {
	c.lock()
	c.releaseAssignmentLocked(task)
	job, ok := c.scheduled.FindJobByJobID(task.JobID)
	if !ok {
		c.unlock()
		return
	}

	if success {
		remaining, found := c.scheduled.DecrementJobExecution(task.JobID, 1)
		c.unlock()
		if found && remaining <= 0 {
			c.completeJob(task.JobID, true, master.StatusSuccess)
		}
		c.runSelection()
		return
	}

	maxExec := effectiveMaxExec(job)
	maxTotalAttempts := maxExec * effectiveNumTasks(job)
	totalAttempts := c.history.totalAttempts(task.JobID)

	if c.failedNodes[task.JobID] == nil {
		c.failedNodes[task.JobID] = make(map[string]struct{})
	}
	c.failedNodes[task.JobID][hostIP] = struct{}{}
	failedCount := len(c.failedNodes[task.JobID])

	retryable := totalAttempts < maxTotalAttempts &&
		(job.MaxFailedNodes <= 0 || failedCount < job.MaxFailedNodes) &&
		!job.NoReschedule

	if retryable {
		c.pendingTaskIDs[task.JobID] = append(c.pendingTaskIDs[task.JobID], task.TaskID)
		c.scheduled.SetSentCompletely(task.JobID, false)
		c.unlock()
		c.runSelection()
		return
	}
	c.unlock()
	c.completeJob(task.JobID, false, master.StatusFailed)
}

// OnTaskTimeout implements master.Scheduler: it treats the task as a
// failed attempt and arms a delayed stop-command to abort the runaway
// instance on the worker.
func (c *Core) OnTaskTimeout(task master.WorkerTask, hostIP string) {
	c.wheel.PushStopCommand(hostIP, task, stopCommandGrace)
	c.OnTaskCompletion(false, task, hostIP)
}

// OnJobTimeout implements master.Scheduler: the job is removed
// unconditionally, discarding any outstanding task replies.
func (c *Core) OnJobTimeout(jobID int64) {
	c.completeJob(jobID, false, master.StatusTimeout)
}

// onQueueTimeout is the timeout wheel's callback for a
// TimerQueueTimeout entry: if the job is still sitting in C4 it is
// evicted and reported timed out; if it has already been promoted to
// C5 this is a no-op, per spec.md §4.3.
func (c *Core) onQueueTimeout(jobID int64) {
	if !c.queue.Delete(jobID) {
		return
	}
	c.log.WithField("job_id", jobID).Info("job timed out waiting in queue")
	if c.onJobCompletion != nil {
		c.onJobCompletion(jobID, master.StatusTimeout)
	}
}

// enqueueStopCommand is the timeout wheel's callback for a
// TimerStopCommand entry; it hands the stop instruction to the
// outbound dispatch hook.
func (c *Core) enqueueStopCommand(task master.WorkerTask, hostIP string) {
	c.stopDispatch(task, hostIP)
}

// completeJob is the single orchestration point for a job leaving C5:
// it removes the job, releases any capacity it still held, fires the
// completion callback, and notifies C6. Kept out of ScheduledJobs
// itself so every cross-component side effect lives in one place, per
// the Design Notes.
func (c *Core) completeJob(jobID int64, success bool, status master.CompletionStatus) {
	c.lock()
	job, ok := c.scheduled.FindJobByJobID(jobID)
	if !ok {
		c.unlock()
		return
	}
	c.scheduled.RemoveJob(jobID, success, status)
	c.cleanupJobLocked(jobID)
	c.unlock()

	c.log.WithFields(logrus.Fields{"job_id": jobID, "status": status}).Info("job reached a terminal state")
	if c.onJobCompletion != nil {
		c.onJobCompletion(jobID, status)
	}

	released, cancelled := c.graph.OnParentCompleted(jobID, success)
	for _, childID := range released {
		c.releasePendingMetaJob(childID)
	}
	for _, childID := range cancelled {
		c.cancelPendingMetaJob(childID, master.StatusParentFailed)
	}
	if job.GroupID != 0 {
		c.decrementGroupRemaining(job.GroupID)
	}
}

// cleanupJobLocked frees per-job bookkeeping and any capacity still
// held by in-flight task instances of jobID. Caller must hold c.sem.
func (c *Core) cleanupJobLocked(jobID int64) {
	for task, host := range c.assignments {
		if task.JobID != jobID {
			continue
		}
		delete(c.assignments, task)
		if w, ok := c.workers[host]; ok && w.NumExec > 0 {
			w.NumExec--
		}
	}
	delete(c.activeTask, jobID)
	delete(c.pendingTaskIDs, jobID)
	delete(c.nextInstanceID, jobID)
	delete(c.failedNodes, jobID)
	c.history.remove(jobID)
}

// releasePendingMetaJob admits a meta-job child into C4 now that every
// parent has completed successfully.
func (c *Core) releasePendingMetaJob(childID int64) {
	c.lock()
	job, ok := c.pendingMetaJobs[childID]
	if ok {
		delete(c.pendingMetaJobs, childID)
	}
	c.unlock()
	if !ok {
		return
	}
	if err := c.queue.Add(job); err != nil {
		c.log.WithError(err).WithField("job_id", childID).Error("failed to release meta-job child")
		return
	}
	c.OnNewJob()
}

// cancelPendingMetaJob discards a meta-job child that will never run,
// because a parent failed or the group was stopped.
func (c *Core) cancelPendingMetaJob(childID int64, status master.CompletionStatus) {
	c.lock()
	job, ok := c.pendingMetaJobs[childID]
	if ok {
		delete(c.pendingMetaJobs, childID)
	}
	c.unlock()
	if !ok {
		return
	}
	c.log.WithFields(logrus.Fields{"job_id": childID, "status": status}).Info("meta-job child cancelled without running")
	if c.onJobCompletion != nil {
		c.onJobCompletion(childID, status)
	}
	if job.GroupID != 0 {
		c.decrementGroupRemaining(job.GroupID)
	}
}

func (c *Core) decrementGroupRemaining(groupID int64) {
	c.lock()
	n, ok := c.groupRemaining[groupID]
	if !ok {
		c.unlock()
		return
	}
	n--
	if n > 0 {
		c.groupRemaining[groupID] = n
		c.unlock()
		return
	}
	delete(c.groupRemaining, groupID)
	c.unlock()
	c.graph.Forget(groupID)
}

// StopJob implements master.Scheduler.
func (c *Core) StopJob(jobID int64) bool {
	if c.queue.Delete(jobID) {
		return true
	}
	if _, ok := c.scheduled.FindJobByJobID(jobID); ok {
		c.completeJob(jobID, false, master.StatusStopped)
		return true
	}
	return false
}

// StopJobGroup implements master.Scheduler.
func (c *Core) StopJobGroup(groupID int64) {
	for _, job := range c.queue.Snapshot() {
		if job.GroupID == groupID {
			c.queue.Delete(job.JobID)
		}
	}
	for _, job := range c.scheduled.GetJobGroup(groupID) {
		c.completeJob(job.JobID, false, master.StatusStopped)
	}

	c.lock()
	var pending []int64
	for id, job := range c.pendingMetaJobs {
		if job.GroupID == groupID {
			pending = append(pending, id)
		}
	}
	c.unlock()
	for _, id := range pending {
		c.cancelPendingMetaJob(id, master.StatusStopped)
	}
}

// StopAllJobs implements master.Scheduler: drains C4 then C5.
func (c *Core) StopAllJobs() {
	for _, job := range c.queue.Drain() {
		if c.onJobCompletion != nil {
			c.onJobCompletion(job.JobID, master.StatusStopped)
		}
	}
	for _, job := range c.scheduled.InPriorityOrder() {
		c.completeJob(job.JobID, false, master.StatusStopped)
	}

	c.lock()
	var pending []int64
	for id := range c.pendingMetaJobs {
		pending = append(pending, id)
	}
	c.unlock()
	for _, id := range pending {
		c.cancelPendingMetaJob(id, master.StatusStopped)
	}
}

// StopPreviousJobs implements master.Scheduler, using jobId
// monotonicity as the resolved open question in spec.md §9: every
// scheduled job older than the latest job still queued is stopped.
func (c *Core) StopPreviousJobs() {
	latest, ok := c.queue.LatestJobID()
	if !ok {
		return
	}
	for _, job := range c.scheduled.InPriorityOrder() {
		if job.JobID < latest {
			c.completeJob(job.JobID, false, master.StatusStopped)
		}
	}
}

// DeleteWorker implements master.Scheduler: rescues every task
// currently assigned to host, then marks the worker unavailable.
func (c *Core) DeleteWorker(host string) {
	c.lock()
	w, ok := c.workers[host]
	if !ok {
		c.unlock()
		return
	}
	var rescued []master.WorkerTask
	for task, h := range c.assignments {
		if h == host {
			rescued = append(rescued, task)
		}
	}
	for _, task := range rescued {
		delete(c.assignments, task)
		if at, ok := c.activeTask[task.JobID]; ok {
			delete(at, task.TaskID)
		}
	}
	w.State = master.StateNotAvail
	w.NumExec = 0
	c.unlock()

	for _, task := range rescued {
		job, ok := c.scheduled.FindJobByJobID(task.JobID)
		if !ok {
			continue
		}
		if job.NoReschedule {
			c.completeJob(task.JobID, false, master.StatusWorkerLost)
			continue
		}
		c.lock()
		c.pendingTaskIDs[task.JobID] = append(c.pendingTaskIDs[task.JobID], task.TaskID)
		c.scheduled.SetSentCompletely(task.JobID, false)
		c.unlock()
	}
	c.runSelection()
}

// GetJobInfo implements master.Scheduler.
func (c *Core) GetJobInfo(jobID int64) (master.JobInfo, bool) {
	c.lock()
	defer c.unlock()

	if job, ok := c.scheduled.FindJobByJobID(jobID); ok {
		return master.JobInfo{
			Job:                 job,
			RemainingExecutions: c.scheduled.GetNumExec(jobID),
			SentCompletely:      c.scheduled.IsSentCompletely(jobID),
			Status:              "EXECUTING",
		}, true
	}
	if job, ok := c.queue.Get(jobID); ok {
		return master.JobInfo{
			Job:                 job,
			RemainingExecutions: effectiveNumTasks(job),
			SentCompletely:      false,
			Status:              "QUEUED",
		}, true
	}
	return master.JobInfo{}, false
}

// GetStatistics implements master.Scheduler.
func (c *Core) GetStatistics() master.Statistics {
	c.lock()
	defer c.unlock()

	var stats master.Statistics
	for _, w := range c.workers {
		stats.NumWorkers++
		if w.State == master.StateReady {
			stats.NumReadyWorkers++
		}
		stats.TotalNumExec += w.NumExec
	}
	stats.NumQueuedJobs = c.queue.Len()
	stats.NumScheduledJobs = c.scheduled.GetNumJobs()
	return stats
}
