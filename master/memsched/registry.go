// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

package memsched

import "github.com/abudnik/gomaster/master"

// AddWorkerGroup implements master.WorkerRegistry.
func (c *Core) AddWorkerGroup(group string, hosts []string) {
	c.lock()
	defer c.unlock()
	for _, host := range hosts {
		c.addWorkerHostLocked(group, host)
	}
}

// AddWorkerHost implements master.WorkerRegistry.
func (c *Core) AddWorkerHost(group, host string) {
	c.lock()
	defer c.unlock()
	c.addWorkerHostLocked(group, host)
}

func (c *Core) addWorkerHostLocked(group, host string) {
	if _, exists := c.workers[host]; exists {
		return
	}
	c.workers[host] = &master.Worker{
		Host:   host,
		Group:  group,
		NumCPU: 1,
		State:  master.StateInit,
	}
}

// DeleteWorkerHost implements master.WorkerRegistry. Tasks assigned to
// the host are rescued via the scheduler's worker-death path before
// the host is forgotten.
func (c *Core) DeleteWorkerHost(host string) {
	c.lock()
	_, ok := c.workers[host]
	c.unlock()
	if !ok {
		return
	}
	c.DeleteWorker(host)
	c.lock()
	delete(c.workers, host)
	c.unlock()
}

// DeleteWorkerGroup implements master.WorkerRegistry.
func (c *Core) DeleteWorkerGroup(group string) {
	c.lock()
	var hosts []string
	for host, w := range c.workers {
		if w.Group == group {
			hosts = append(hosts, host)
		}
	}
	c.unlock()
	for _, host := range hosts {
		c.DeleteWorkerHost(host)
	}
}

// GetWorkers implements master.WorkerRegistry.
func (c *Core) GetWorkers(group string) []master.Worker {
	c.lock()
	defer c.unlock()
	result := make([]master.Worker, 0, len(c.workers))
	for _, w := range c.workers {
		if group == "" || w.Group == group {
			result = append(result, *w)
		}
	}
	return result
}

// SetWorkerIP implements master.WorkerRegistry. The IP is set only
// once; once known the worker becomes eligible (StateReady) if it was
// still StateInit. A worker's first transition to StateReady can turn
// a previously-inadmissible queued job (see Core.OnNewJob) admissible,
// so that retry runs outside the lock, same discipline as
// CheckDroppedPingResponses.
func (c *Core) SetWorkerIP(host, ip string) {
	c.lock()
	w, ok := c.workers[host]
	if !ok {
		c.unlock()
		return
	}
	if w.IP != "" {
		c.unlock()
		return
	}
	w.IP = ip
	becameReady := false
	if w.State == master.StateInit {
		w.State = master.StateReady
		becameReady = true
	}
	c.unlock()

	if becameReady {
		c.OnNewJob()
	}
}

// SetWorkerCPU sets the static CPU budget for a worker. Not part of
// the original PingWorker path, but required so tests and AddWorkerHost
// callers can model hosts with more than one CPU.
func (c *Core) SetWorkerCPU(host string, numCPU int) {
	c.lock()
	defer c.unlock()
	if w, ok := c.workers[host]; ok {
		w.NumCPU = numCPU
	}
}

// ReserveExec implements master.WorkerRegistry.
func (c *Core) ReserveExec(host string) bool {
	c.lock()
	defer c.unlock()
	return c.reserveExecLocked(host)
}

func (c *Core) reserveExecLocked(host string) bool {
	w, ok := c.workers[host]
	if !ok {
		c.log.WithField("host", host).Error("reserveExec: unknown worker")
		return false
	}
	if w.NumExec >= w.NumCPU {
		return false
	}
	w.NumExec++
	return true
}

// ReleaseExec implements master.WorkerRegistry.
func (c *Core) ReleaseExec(host string) {
	c.lock()
	defer c.unlock()
	c.releaseExecLocked(host)
}

func (c *Core) releaseExecLocked(host string) {
	w, ok := c.workers[host]
	if !ok {
		c.log.WithField("host", host).Error("releaseExec: unknown worker")
		return
	}
	if w.NumExec <= 0 {
		c.log.WithError(master.ErrNegativeNumExec{Host: host}).Error("invariant violation")
		return
	}
	w.NumExec--
}

// RecordPingReply implements master.WorkerRegistry.
func (c *Core) RecordPingReply(host string) {
	c.lock()
	defer c.unlock()
	if w, ok := c.workers[host]; ok {
		w.PingResponseCount++
	}
}

// CheckDroppedPingResponses implements master.WorkerRegistry.
func (c *Core) CheckDroppedPingResponses(maxDropped int) []string {
	c.lock()
	var newlyDead []string
	for host, w := range c.workers {
		if w.State == master.StateDisabled {
			continue
		}
		if w.PingResponseCount == 0 {
			w.DroppedCounter++
			if w.DroppedCounter > maxDropped && w.State != master.StateNotAvail {
				w.State = master.StateNotAvail
				newlyDead = append(newlyDead, host)
			}
		} else {
			w.DroppedCounter = 0
			w.PingResponseCount = 0
		}
	}
	c.unlock()

	// Surfacing death to the scheduler must happen outside the
	// lock: DeleteWorker re-takes it to rescue tasks, and no
	// scheduler operation may wait while holding the lock it also
	// needs (spec.md §5).
	for _, host := range newlyDead {
		c.DeleteWorker(host)
	}
	return newlyDead
}
