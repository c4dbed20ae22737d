// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

// Command masterbench is a load-generation tool for the scheduling
// and lifecycle subsystem: it submits many synthetic jobs and/or
// registers many synthetic workers, to exercise the selection
// algorithm under concurrency. The synthetic workers never report a
// task completion, so dispatched tasks stay in flight.
//
// Grounded on cmd/coordbench/main.go's cli.App/cli.Command structure,
// uuid.NewV4 synthetic naming, and sync.WaitGroup fan-out pattern.
package main

import (
	"fmt"
	"runtime"
	"sync"

	uuid "github.com/satori/go.uuid"
	"github.com/urfave/cli"

	"github.com/abudnik/gomaster/master"
	"github.com/abudnik/gomaster/master/memsched"
)

type benchRig struct {
	core        *memsched.Core
	concurrency int
}

func (r *benchRig) run(worker func(i int)) {
	wg := sync.WaitGroup{}
	wg.Add(r.concurrency)
	for i := 0; i < r.concurrency; i++ {
		i := i
		go func() {
			defer wg.Done()
			worker(i)
		}()
	}
	wg.Wait()
}

var rig benchRig

var addWorkers = cli.Command{
	Name:  "workers",
	Usage: "register many synthetic single-CPU workers in one group",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "count", Value: 100, Usage: "number of workers to register"},
		cli.StringFlag{Name: "group", Value: "bench", Usage: "group to register them under"},
	},
	Action: func(c *cli.Context) error {
		count := c.Int("count")
		group := c.String("group")
		hosts := make([]string, count)
		for i := range hosts {
			hosts[i] = fmt.Sprintf("bench-host-%s", uuid.NewV4().String())
		}
		rig.core.AddWorkerGroup(group, hosts)
		for _, host := range hosts {
			rig.core.SetWorkerIP(host, host)
		}
		return nil
	},
}

var submitJobs = cli.Command{
	Name:  "submit",
	Usage: "submit many single-task jobs",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "count", Value: 1000, Usage: "number of jobs to submit"},
		cli.StringFlag{Name: "group", Value: "bench", Usage: "host group to target"},
	},
	Action: func(c *cli.Context) error {
		count := c.Int("count")
		group := c.String("group")
		ids := make(chan int64)
		go func() {
			for i := int64(1); i <= int64(count); i++ {
				ids <- i
			}
			close(ids)
		}()
		rig.run(func(int) {
			for id := range ids {
				_ = rig.core.SubmitJob(master.Job{
					JobID:        id,
					Priority:     1,
					NumTasks:     1,
					MaxExec:      1,
					HostGroup:    group,
					QueueTimeout: -1,
					JobTimeout:   -1,
					TaskTimeout:  -1,
				})
			}
		})
		return nil
	},
}

var stat = cli.Command{
	Name:  "stat",
	Usage: "print current scheduler statistics",
	Action: func(c *cli.Context) error {
		stats := rig.core.GetStatistics()
		fmt.Printf("%+v\n", stats)
		return nil
	},
}

func main() {
	app := cli.NewApp()
	app.Usage = "load-generation tool for the scheduling and lifecycle subsystem"
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "concurrency",
			Value: runtime.NumCPU(),
			Usage: "run this many submitters in parallel",
		},
	}
	app.Commands = []cli.Command{
		addWorkers,
		submitJobs,
		stat,
	}
	app.Before = func(c *cli.Context) error {
		rig.core = memsched.New(memsched.Config{})
		rig.concurrency = c.Int("concurrency")
		return nil
	}
	app.RunAndExitOnError()
}
