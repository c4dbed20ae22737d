// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

package memsched

import (
	"sync"

	"github.com/abudnik/gomaster/master"
)

// jobQueue is the C4 component: a FIFO list plus an id->job index,
// grounded on original_source/src/master/job.cpp's JobQueue
// (jobs_ list + idToJob_ map under one mutex).
type jobQueue struct {
	mu    sync.Mutex
	order []int64
	byID  map[int64]master.Job

	// wheel is used to arm a queue-timeout on Add, and its clock
	// stamps each job's ArrivalTime; set once by Core.New before any
	// Add call.
	wheel *timeoutWheel
}

func newJobQueue() *jobQueue {
	return &jobQueue{byID: make(map[int64]master.Job)}
}

// Add implements master.JobQueue.
func (q *jobQueue) Add(job master.Job) error {
	if q.wheel != nil {
		job.ArrivalTime = q.wheel.clock.Now()
	}
	q.mu.Lock()
	if _, exists := q.byID[job.JobID]; exists {
		q.mu.Unlock()
		return master.ErrJobExists
	}
	q.byID[job.JobID] = job
	q.order = append(q.order, job.JobID)
	q.mu.Unlock()

	if q.wheel != nil && job.QueueTimeout >= 0 {
		q.wheel.PushQueueTimeout(job.JobID, job.QueueTimeout)
	}
	return nil
}

// Delete implements master.JobQueue.
func (q *jobQueue) Delete(jobID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[jobID]; !ok {
		return false
	}
	delete(q.byID, jobID)
	for i, id := range q.order {
		if id == jobID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

// Get implements master.JobQueue.
func (q *jobQueue) Get(jobID int64) (master.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[jobID]
	return j, ok
}

// Drain implements master.JobQueue.
func (q *jobQueue) Drain() []master.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]master.Job, 0, len(q.order))
	for _, id := range q.order {
		result = append(result, q.byID[id])
	}
	q.order = nil
	q.byID = make(map[int64]master.Job)
	return result
}

// Snapshot returns every currently queued job without removing them,
// in FIFO order. Used by StopJobGroup to find queued (not yet
// scheduled) members of a group.
func (q *jobQueue) Snapshot() []master.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]master.Job, 0, len(q.order))
	for _, id := range q.order {
		result = append(result, q.byID[id])
	}
	return result
}

// Len implements master.JobQueue.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// LatestJobID implements master.JobQueue.
func (q *jobQueue) LatestJobID() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return 0, false
	}
	max := q.order[0]
	for _, id := range q.order[1:] {
		if id > max {
			max = id
		}
	}
	return max, true
}
