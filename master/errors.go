// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

package master

import (
	"errors"
	"fmt"
)

// ErrNoEligibleWorker describes the case where no candidate worker
// remains for a job on the current selection pass.  The memsched
// selection algorithm does not return it; it reports that case with a
// boolean instead.
var ErrNoEligibleWorker = errors.New("no eligible worker for job")

// ErrJobExists is returned by JobQueue.Add if a job with the same
// JobID is already queued.  ScheduledJobs.Add returns no error.
var ErrJobExists = errors.New("job already exists")

// ErrGroupReferenced describes a meta-job group that still has
// unreleased dependents.  No MetaGraph operation returns an error, so
// nothing in this module returns it.
var ErrGroupReferenced = errors.New("group still has unreleased dependents")

// ErrUnknownJob is returned when a jobId does not refer to any job
// known to the component.
type ErrUnknownJob struct {
	JobID int64
}

func (e ErrUnknownJob) Error() string {
	return fmt.Sprintf("no such job: %d", e.JobID)
}

// ErrUnknownWorker is returned when a host does not refer to any
// worker known to the registry.
type ErrUnknownWorker struct {
	Host string
}

func (e ErrUnknownWorker) Error() string {
	return fmt.Sprintf("no such worker: %q", e.Host)
}

// ErrNegativeNumExec records an attempt to decrement a worker's
// NumExec below zero.  Per spec.md §4.1, this is an internal
// invariant violation: it must be logged and the offending event
// dropped, not propagated up through the scheduler.
type ErrNegativeNumExec struct {
	Host string
}

func (e ErrNegativeNumExec) Error() string {
	return fmt.Sprintf("numExec would go negative for worker %q", e.Host)
}
