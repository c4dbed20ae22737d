// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/abudnik/gomaster/master/memsched"
)

// Grounded on cmd/coordinated/metrics.go's GaugeVec-sampled-on-demand
// pattern, via a prometheus.Collector that reads Core.GetStatistics()
// on every scrape rather than pushing updates from the scheduler hot
// path.
var (
	queuedJobs = prometheus.NewDesc(
		"master_queued_jobs",
		"Number of jobs waiting in the admission queue",
		nil, nil,
	)
	scheduledJobs = prometheus.NewDesc(
		"master_scheduled_jobs",
		"Number of jobs currently executing",
		nil, nil,
	)
	workers = prometheus.NewDesc(
		"master_workers",
		"Number of registered workers",
		[]string{"state"}, nil,
	)
	inFlightTasks = prometheus.NewDesc(
		"master_in_flight_tasks",
		"Total task instances currently assigned to a worker",
		nil, nil,
	)
)

type statsCollector struct {
	core *memsched.Core
}

func registerMetrics(core *memsched.Core) {
	prometheus.MustRegister(statsCollector{core: core})
}

func (c statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queuedJobs
	ch <- scheduledJobs
	ch <- workers
	ch <- inFlightTasks
}

func (c statsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.core.GetStatistics()
	ch <- prometheus.MustNewConstMetric(queuedJobs, prometheus.GaugeValue, float64(stats.NumQueuedJobs))
	ch <- prometheus.MustNewConstMetric(scheduledJobs, prometheus.GaugeValue, float64(stats.NumScheduledJobs))
	ch <- prometheus.MustNewConstMetric(workers, prometheus.GaugeValue, float64(stats.NumReadyWorkers), "ready")
	ch <- prometheus.MustNewConstMetric(workers, prometheus.GaugeValue, float64(stats.NumWorkers-stats.NumReadyWorkers), "not_ready")
	ch <- prometheus.MustNewConstMetric(inFlightTasks, prometheus.GaugeValue, float64(stats.TotalNumExec))
}
