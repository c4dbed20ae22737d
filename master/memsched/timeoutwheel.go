// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

package memsched

import (
	"container/heap"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/abudnik/gomaster/master"
)

// timerItem is one entry in the deadline-ordered heap.
type timerItem struct {
	deadline time.Time
	seq      int64 // insertion order, for stable tie-break
	entry    master.TimerEntry
}

type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) {
	*h = append(*h, x.(*timerItem))
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// timeoutWheel is the C3 component: a deadline-ordered multimap of
// (deadline, callback), dispatched by a single goroutine that wakes
// at most once a second. Grounded on
// original_source/src/master/timeout_manager.cpp's TimeoutManager,
// collapsed from four handler subclasses to one tagged
// master.TimerEntry dispatched by Kind (see SPEC_FULL.md Design
// Notes).
type timeoutWheel struct {
	mu   sync.Mutex
	heap timerHeap
	seq  int64

	clock clock.Clock
	log   *logrus.Logger

	dispatch func(master.TimerEntry)

	stopCh chan struct{}
	doneCh chan struct{}
}

func newTimeoutWheel(clk clock.Clock, log *logrus.Logger, dispatch func(master.TimerEntry)) *timeoutWheel {
	return &timeoutWheel{
		clock:    clk,
		log:      log,
		dispatch: dispatch,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (w *timeoutWheel) push(kind master.TimerKind, deadline time.Time, entry master.TimerEntry) {
	entry.Kind = kind
	w.mu.Lock()
	w.seq++
	heap.Push(&w.heap, &timerItem{deadline: deadline, seq: w.seq, entry: entry})
	w.mu.Unlock()
}

func (w *timeoutWheel) PushTaskTimeout(task master.WorkerTask, hostIP string, timeout time.Duration) {
	if timeout < 0 {
		return
	}
	w.push(master.TimerTaskTimeout, w.clock.Now().Add(timeout), master.TimerEntry{Task: task, HostIP: hostIP})
}

func (w *timeoutWheel) PushJobTimeout(jobID int64, timeout time.Duration) {
	if timeout < 0 {
		return
	}
	w.push(master.TimerJobTimeout, w.clock.Now().Add(timeout), master.TimerEntry{JobID: jobID})
}

func (w *timeoutWheel) PushQueueTimeout(jobID int64, timeout time.Duration) {
	if timeout < 0 {
		return
	}
	w.push(master.TimerQueueTimeout, w.clock.Now().Add(timeout), master.TimerEntry{JobID: jobID})
}

func (w *timeoutWheel) PushStopCommand(hostIP string, task master.WorkerTask, delay time.Duration) {
	if delay < 0 {
		return
	}
	w.push(master.TimerStopCommand, w.clock.Now().Add(delay), master.TimerEntry{Task: task, HostIP: hostIP})
}

// Start begins the dispatcher loop. Safe to call once.
func (w *timeoutWheel) Start() {
	go w.run()
}

func (w *timeoutWheel) run() {
	defer close(w.doneCh)
	ticker := w.clock.Ticker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.fireDue()
		}
	}
}

// fireDue pops and invokes every callback whose deadline has passed,
// releasing the lock before invoking callbacks so that a slow
// callback cannot stall new registrations, matching spec.md §4.3.
func (w *timeoutWheel) fireDue() {
	now := w.clock.Now()
	var due []master.TimerEntry
	w.mu.Lock()
	for w.heap.Len() > 0 && !w.heap[0].deadline.After(now) {
		item := heap.Pop(&w.heap).(*timerItem)
		due = append(due, item.entry)
	}
	w.mu.Unlock()

	for _, entry := range due {
		w.dispatch(entry)
	}
}

// Stop signals the dispatcher to exit and waits for it to do so.
func (w *timeoutWheel) Stop() {
	select {
	case <-w.stopCh:
		// already stopped
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

// dispatchTimer is Core's callback passed to newTimeoutWheel; it
// dispatches on TimerEntry.Kind exactly as the Design Notes describe.
func (c *Core) dispatchTimer(entry master.TimerEntry) {
	switch entry.Kind {
	case master.TimerTaskTimeout:
		c.OnTaskTimeout(entry.Task, entry.HostIP)
	case master.TimerJobTimeout:
		c.OnJobTimeout(entry.JobID)
	case master.TimerQueueTimeout:
		c.onQueueTimeout(entry.JobID)
	case master.TimerStopCommand:
		c.enqueueStopCommand(entry.Task, entry.HostIP)
	default:
		c.log.WithField("kind", entry.Kind).Error("timeoutWheel: unknown timer kind")
	}
}
