// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

package memsched

import (
	"sort"
	"sync"

	"github.com/abudnik/gomaster/master"
)

// jobEntry is one scheduled job, paired with its mutable scheduling
// state. Grounded on original_source/src/master/scheduled_jobs.h's
// JobState (job + sendedCompletely_) plus the separate jobExecutions_
// map, merged into one struct since Go has no equivalent reason to
// split them across a std::multiset key and a side map.
type jobEntry struct {
	job                 master.Job
	remainingExecutions int
	sentCompletely      bool
}

// scheduledJobs is the C5 component. Entries are logically ordered by
// descending priority, then ascending JobID (isJobHigherPriority
// below), mirroring memory/available_units.go's isUnitHigherPriority
// tie-break, but kept in a plain map with sort-on-read rather than a
// maintained heap: unlike C4's available-units queue, C5's ordering is
// only consulted once per selection pass (spec.md §4.7), not popped
// one element at a time, so a full sort per pass is simpler and the
// teacher's heap.Interface machinery would add unneeded ceremony here.
//
// RemoveJob deliberately does not invoke any callback: the scheduler
// core is the single place that decides what happens after a job
// leaves C5 (logging, the on_job_completion callback, C6 release),
// which keeps this type free of re-entrant calls back into the core
// while the core might itself be holding other locks.
type scheduledJobs struct {
	mu      sync.Mutex
	entries map[int64]*jobEntry
}

func newScheduledJobs() *scheduledJobs {
	return &scheduledJobs{entries: make(map[int64]*jobEntry)}
}

func isJobHigherPriority(a, b master.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.JobID < b.JobID
}

// Add implements master.ScheduledJobs.
func (s *scheduledJobs) Add(job master.Job, remainingExecutions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[job.JobID] = &jobEntry{job: job, remainingExecutions: remainingExecutions}
}

// DecrementJobExecution implements master.ScheduledJobs.
func (s *scheduledJobs) DecrementJobExecution(jobID int64, n int) (remaining int, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return 0, false
	}
	e.remainingExecutions -= n
	return e.remainingExecutions, true
}

// FindJobByJobID implements master.ScheduledJobs.
func (s *scheduledJobs) FindJobByJobID(jobID int64) (master.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return master.Job{}, false
	}
	return e.job, true
}

// GetJobGroup implements master.ScheduledJobs.
func (s *scheduledJobs) GetJobGroup(groupID int64) []master.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []master.Job
	for _, e := range s.entries {
		if e.job.GroupID == groupID {
			result = append(result, e.job)
		}
	}
	return result
}

// GetNumExec implements master.ScheduledJobs.
func (s *scheduledJobs) GetNumExec(jobID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return -1
	}
	return e.remainingExecutions
}

// SetSentCompletely implements master.ScheduledJobs.
func (s *scheduledJobs) SetSentCompletely(jobID int64, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[jobID]; ok {
		e.sentCompletely = v
	}
}

// IsSentCompletely implements master.ScheduledJobs.
func (s *scheduledJobs) IsSentCompletely(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	return ok && e.sentCompletely
}

// GetNumJobs implements master.ScheduledJobs.
func (s *scheduledJobs) GetNumJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// InPriorityOrder implements master.ScheduledJobs.
func (s *scheduledJobs) InPriorityOrder() []master.Job {
	s.mu.Lock()
	jobs := make([]master.Job, 0, len(s.entries))
	for _, e := range s.entries {
		jobs = append(jobs, e.job)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		return isJobHigherPriority(jobs[i], jobs[j])
	})
	return jobs
}

// RemoveJob implements master.ScheduledJobs.
func (s *scheduledJobs) RemoveJob(jobID int64, success bool, status master.CompletionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[jobID]; !ok {
		return false
	}
	delete(s.entries, jobID)
	return true
}

// Clear implements master.ScheduledJobs: used on master shutdown or
// emergency drain, matching original_source's ScheduledJobs::Clear.
func (s *scheduledJobs) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[int64]*jobEntry)
}
