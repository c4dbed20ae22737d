// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

// Command masterd runs the scheduling and lifecycle subsystem as a
// standalone daemon: it listens for admin JSON-RPC commands, pings
// registered workers, and assigns tasks to workers as they become
// eligible. No worker transport is wired in, so assigned tasks are
// not sent to the workers.
//
// Grounded on cmd/coordinated/main.go's flag parsing, optional YAML
// config file, and listen-then-serve shape.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/abudnik/gomaster/master"
	"github.com/abudnik/gomaster/master/jobfile"
	"github.com/abudnik/gomaster/master/memsched"
	"github.com/abudnik/gomaster/master/ping"
	"github.com/abudnik/gomaster/master/rpc"
)

func main() {
	bind := flag.String("bind", ":7932", "[ip]:port for the admin RPC listener")
	pingPort := flag.String("ping-port", "7933", "UDP port to send worker liveness pings to")
	configPath := flag.String("config", "", "YAML configuration file")
	flag.Parse()

	log := logrus.StandardLogger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("masterd: failed to load config")
	}

	core := memsched.New(memsched.Config{
		Log:        log,
		MaxDropped: cfg.MaxDropped,
	})
	defer core.Stop()

	initRegistry(core, cfg)
	registerMetrics(core)

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		log.WithError(err).Fatal("masterd: failed to open ping socket")
	}
	defer udpConn.Close()

	pinger := ping.New(ping.Config{
		Registry:   core,
		MaxDropped: cfg.MaxDropped,
		Log:        log,
		Send: func(ip string, payload []byte) error {
			addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, *pingPort))
			if err != nil {
				return err
			}
			_, err = udpConn.WriteToUDP(payload, addr)
			return err
		},
	})
	pinger.Start()
	defer pinger.Stop()

	server := rpc.New(rpc.Config{
		Scheduler: core,
		Submitter: core,
		Registry:  core,
		JobFiles:  jobfile.NewLoader(),
		HostFiles: jobfile.NewLoader(),
		Log:       log,
	})

	ln, err := net.Listen("tcp", *bind)
	if err != nil {
		log.WithError(err).Fatal("masterd: could not listen")
	}
	log.WithField("addr", *bind).Info("masterd: listening for admin RPC connections")

	if err := server.Serve(ln); err != nil {
		log.WithError(err).Error("masterd: listener stopped")
		os.Exit(1)
	}
}

// daemonConfig is the YAML shape of -config, analogous to
// cmd/coordinated's map[string]interface{} global config but typed to
// the handful of settings this daemon needs.
type daemonConfig struct {
	MaxDropped int `yaml:"max_dropped"`
	Groups     map[string][]string `yaml:"groups"`
}

func loadConfig(path string) (daemonConfig, error) {
	cfg := daemonConfig{MaxDropped: 3}
	if path == "" {
		return cfg, nil
	}
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func initRegistry(registry master.WorkerRegistry, cfg daemonConfig) {
	for group, hosts := range cfg.Groups {
		registry.AddWorkerGroup(group, hosts)
	}
}
