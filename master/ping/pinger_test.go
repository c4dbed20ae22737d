// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

package ping

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abudnik/gomaster/master"
)

// fakeRegistry is a minimal ping.Registry stub recording calls, so
// tests need not bring up a full master/memsched.Core.
type fakeRegistry struct {
	mu              sync.Mutex
	workers         []master.Worker
	ipSet           map[string]string
	checkCalls      int
	lastMaxDropped  int
}

func newFakeRegistry(workers ...master.Worker) *fakeRegistry {
	return &fakeRegistry{workers: workers, ipSet: make(map[string]string)}
}

func (r *fakeRegistry) GetWorkers(group string) []master.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]master.Worker, len(r.workers))
	copy(out, r.workers)
	return out
}

func (r *fakeRegistry) SetWorkerIP(host, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ipSet[host] = ip
}

func (r *fakeRegistry) CheckDroppedPingResponses(maxDropped int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkCalls++
	r.lastMaxDropped = maxDropped
	return nil
}

func (r *fakeRegistry) ipFor(host string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ip, ok := r.ipSet[host]
	return ip, ok
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string // ips pinged
}

func (s *recordingSender) send(ip string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ip)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// TestSweepResolvesAndPingsEveryWorker drives one full tick of the
// cooperative loop via a mock clock and checks that every registered
// worker is resolved, recorded with its IP, and sent a ping.
func TestSweepResolvesAndPingsEveryWorker(t *testing.T) {
	registry := newFakeRegistry(master.Worker{Host: "host-a"}, master.Worker{Host: "host-b"})
	sender := &recordingSender{}
	mock := clock.NewMock()

	p := New(Config{
		Registry: registry,
		Send:     sender.send,
		Resolve: func(host string) (string, error) {
			return "10.0.0.1", nil
		},
		Clock:      mock,
		PingDelay:  time.Second,
		MaxDropped: 2,
	})
	p.Start()
	defer p.Stop()

	mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 2, sender.count())
	ip, ok := registry.ipFor("host-a")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", ip)
	assert.Equal(t, 1, registry.checkCalls)
	assert.Equal(t, 2, registry.lastMaxDropped)
}

// TestPingWorkerCachesResolution checks that a host is only resolved
// once even across multiple sweeps, mirroring PingerBoost's
// endpoints_ cache.
func TestPingWorkerCachesResolution(t *testing.T) {
	registry := newFakeRegistry(master.Worker{Host: "host-a", IP: "already-known"})
	sender := &recordingSender{}
	resolveCalls := 0

	p := New(Config{
		Registry: registry,
		Send:     sender.send,
		Resolve: func(host string) (string, error) {
			resolveCalls++
			return "10.0.0.9", nil
		},
	})

	p.sweep()
	p.sweep()

	assert.Equal(t, 1, resolveCalls)
	assert.Equal(t, 2, sender.count())
}

// TestPingWorkerResolutionFailureIsNotFatal checks that a resolver
// error is swallowed (logged, retried next sweep) rather than
// panicking or stopping the loop.
func TestPingWorkerResolutionFailureIsNotFatal(t *testing.T) {
	registry := newFakeRegistry(master.Worker{Host: "unresolvable"})
	sender := &recordingSender{}

	p := New(Config{
		Registry: registry,
		Send:     sender.send,
		Resolve: func(host string) (string, error) {
			return "", assert.AnError
		},
	})

	assert.NotPanics(t, func() { p.sweep() })
	assert.Equal(t, 0, sender.count())
}
