// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

// Package ping implements the C2 component: a cooperative loop that
// periodically probes every registered worker over UDP and lets the
// worker registry evict hosts that stop replying.
//
// Grounded on original_source/src/master/ping.cpp's Pinger/PingerBoost
// split: Pinger owns the cooperative Run/CheckDroppedPingResponses
// loop, PingerBoost owns the concrete transport and DNS-resolution
// cache (endpoints_). Here that split is one struct with an injected
// sender, following worker/worker.go's clock.Clock + ErrorHandler
// construction idiom rather than an abstract-base/concrete-subclass
// pair.
package ping

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/abudnik/gomaster/master"
)

// Sender delivers one ping datagram to ip. Production code backs this
// with a UDP socket; tests can substitute a recording stub.
type Sender func(ip string, payload []byte) error

// Resolver resolves a worker's host name to a dialable address. The
// default uses net.ResolveUDPAddr; tests can substitute a fake to
// avoid real DNS lookups.
type Resolver func(host string) (string, error)

func defaultResolver(host string) (string, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", err
	}
	return addr.IP.String(), nil
}

// Registry is the subset of master.WorkerRegistry the pinger needs.
type Registry interface {
	GetWorkers(group string) []master.Worker
	SetWorkerIP(host, ip string)
	CheckDroppedPingResponses(maxDropped int) []string
}

// Pinger drives the periodic liveness probe described in spec.md
// §4.2. The zero value is not usable; construct with New.
type Pinger struct {
	registry Registry
	send     Sender
	resolve  Resolver
	clock    clock.Clock
	log      *logrus.Logger

	pingDelay  time.Duration
	maxDropped int

	mu        sync.Mutex
	endpoints map[string]string // host -> cached resolved ip

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config bundles Pinger's construction-time parameters.
type Config struct {
	Registry Registry
	Send     Sender

	// Resolve looks up a worker host's address. If nil, uses
	// net.ResolveUDPAddr.
	Resolve Resolver

	// Clock is the time source for the ping interval. If nil, uses
	// clock.New().
	Clock clock.Clock

	// Log receives resolution failures and send errors. If nil,
	// uses logrus.StandardLogger().
	Log *logrus.Logger

	// PingDelay is the interval between ping sweeps. If zero,
	// defaults to 5s.
	PingDelay time.Duration

	// MaxDropped is forwarded to Registry.CheckDroppedPingResponses
	// on every sweep.
	MaxDropped int
}

// New constructs a Pinger. Call Start to begin the cooperative loop
// and Stop to terminate it.
func New(cfg Config) *Pinger {
	if cfg.Resolve == nil {
		cfg.Resolve = defaultResolver
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.PingDelay <= 0 {
		cfg.PingDelay = 5 * time.Second
	}
	if cfg.MaxDropped <= 0 {
		cfg.MaxDropped = 3
	}
	return &Pinger{
		registry:   cfg.Registry,
		send:       cfg.Send,
		resolve:    cfg.Resolve,
		clock:      cfg.Clock,
		log:        cfg.Log,
		pingDelay:  cfg.PingDelay,
		maxDropped: cfg.MaxDropped,
		endpoints:  make(map[string]string),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the cooperative loop in its own goroutine.
func (p *Pinger) Start() {
	go p.run()
}

// Stop signals the loop to exit and waits for it to do so. Per
// spec.md §4.2, this terminates within one tick.
func (p *Pinger) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.doneCh
}

func (p *Pinger) run() {
	defer close(p.doneCh)
	ticker := p.clock.Ticker(p.pingDelay)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep pings every registered worker, then lets the registry decide
// which ones have dropped too many consecutive replies.
func (p *Pinger) sweep() {
	for _, w := range p.registry.GetWorkers("") {
		p.pingWorker(w)
	}
	p.registry.CheckDroppedPingResponses(p.maxDropped)
}

// pingWorker resolves host once and caches the result, matching
// PingerBoost's endpoints_ map; resolution failures are logged and
// retried on the next sweep, per spec.md §4.2.
func (p *Pinger) pingWorker(w master.Worker) {
	ip, ok := p.cachedEndpoint(w.Host)
	if !ok {
		var err error
		ip, err = p.resolve(w.Host)
		if err != nil {
			p.log.WithError(err).WithField("host", w.Host).Debug("ping: address not resolved")
			return
		}
		p.setCachedEndpoint(w.Host, ip)
	}

	if w.IP == "" {
		p.registry.SetWorkerIP(w.Host, ip)
	}

	if p.send == nil {
		return
	}
	if err := p.send(ip, marshalPing(ip)); err != nil {
		p.log.WithError(err).WithField("ip", ip).Error("ping: send failed")
	}
}

func (p *Pinger) cachedEndpoint(host string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ip, ok := p.endpoints[host]
	return ip, ok
}

func (p *Pinger) setCachedEndpoint(host, ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[host] = ip
}

// marshalPing builds the datagram payload: a serialized map carrying
// a single "host" field echoing the worker's resolved IP, per spec.md
// §6's worker liveness protocol.
func marshalPing(ip string) []byte {
	return []byte(`{"host":"` + ip + `"}`)
}
