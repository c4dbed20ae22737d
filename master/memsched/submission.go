// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

package memsched

import "github.com/abudnik/gomaster/master"

// SubmitJob implements master.JobSubmitter: a plain job is admitted
// straight into C4.
func (c *Core) SubmitJob(job master.Job) error {
	if err := c.queue.Add(job); err != nil {
		return err
	}
	c.OnNewJob()
	return nil
}

// SubmitMetaJob implements master.JobSubmitter. Every job is tagged
// with groupID and registered in C6 before anything is admitted, so
// that a dependency edge is never momentarily unguarded; jobs with no
// parent are then admitted to C4 immediately, matching spec.md §4.6.
func (c *Core) SubmitMetaJob(groupID int64, jobs []master.Job, edges [][2]int64) error {
	if len(jobs) == 0 {
		return nil
	}

	ids := make([]int64, len(jobs))
	for i := range jobs {
		jobs[i].GroupID = groupID
		ids[i] = jobs[i].JobID
	}

	c.lock()
	c.groupRemaining[groupID] = len(jobs)
	for _, job := range jobs {
		c.pendingMetaJobs[job.JobID] = job
	}
	c.unlock()

	c.graph.AddGroup(groupID, ids, edges)

	var admitErr error
	for _, job := range jobs {
		if !c.graph.Releasable(job.JobID) {
			continue
		}
		c.lock()
		delete(c.pendingMetaJobs, job.JobID)
		c.unlock()
		if err := c.queue.Add(job); err != nil {
			admitErr = err
		}
	}
	c.OnNewJob()
	return admitErr
}
