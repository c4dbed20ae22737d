// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

// Package jobfile parses the `.job` and `.meta` job description files
// named by the admin "run" command (spec.md §6). Field-level script
// validation is explicitly out of scope (spec.md §1); this package
// only has to produce a master.Job exposing the attributes in §3.
//
// Grounded on jobserver/specs.go's pattern of decoding a loosely
// typed document into a strict Go struct, and on
// original_source/src/master/admin.cpp's RunJob/RunMetaJob, which
// read the whole file and hand it to a single parse call per
// extension. YAML is used instead of the original's ad hoc
// line-oriented format, since it is the document format already in
// this module's dependency set (gopkg.in/yaml.v2, carried from the
// daemon's own config loading).
package jobfile

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/abudnik/gomaster/master"
)

// jobDoc is the on-disk shape of a single job, used by both .job and
// .meta files.
type jobDoc struct {
	JobID          int64  `yaml:"job_id"`
	Priority       int    `yaml:"priority"`
	NumTasks       int    `yaml:"num_tasks"`
	MaxFailedNodes int    `yaml:"max_failed_nodes"`
	MaxClusterCPU  int    `yaml:"max_cluster_cpu"`
	MaxCPU         int    `yaml:"max_cpu"`
	QueueTimeout   *int64 `yaml:"queue_timeout"`
	JobTimeout     *int64 `yaml:"job_timeout"`
	TaskTimeout    *int64 `yaml:"task_timeout"`
	MaxExec        int    `yaml:"max_exec"`
	HostGroup      string `yaml:"host_group"`
	NoReschedule   bool   `yaml:"no_reschedule"`
}

func (d jobDoc) toJob() master.Job {
	return master.Job{
		JobID:          d.JobID,
		Priority:       d.Priority,
		NumTasks:       d.NumTasks,
		MaxFailedNodes: d.MaxFailedNodes,
		MaxClusterCPU:  d.MaxClusterCPU,
		MaxCPU:         d.MaxCPU,
		QueueTimeout:   durationOf(d.QueueTimeout),
		JobTimeout:     durationOf(d.JobTimeout),
		TaskTimeout:    durationOf(d.TaskTimeout),
		MaxExec:        d.MaxExec,
		HostGroup:      d.HostGroup,
		NoReschedule:   d.NoReschedule,
	}
}

// durationOf converts an optional seconds count to a time.Duration,
// defaulting to -1 (never expires) when absent, matching the negative
// -timeout-registers-nothing convention of spec.md §4.3.
func durationOf(seconds *int64) time.Duration {
	if seconds == nil {
		return -1
	}
	return time.Duration(*seconds) * time.Second
}

// metaDoc is the on-disk shape of a .meta file: a shared group id, the
// member jobs, and parent->child dependency edges given as job_id
// pairs.
type metaDoc struct {
	GroupID int64           `yaml:"group_id"`
	Jobs    []jobDoc        `yaml:"jobs"`
	Edges   [][2]int64      `yaml:"edges"`
}

// Loader reads .job and .meta files from disk.
type Loader struct{}

// NewLoader constructs a Loader.
func NewLoader() *Loader { return &Loader{} }

// LoadHosts implements master/rpc.HostFileLoader: it reads path as a
// plain text file of one hostname per line, used by the "add_group"
// admin command. Grounded on original_source/src/master/admin.cpp's
// AdminCommand_AddGroup::Execute, which reads a host list file via
// master::ReadHosts and derives the group name from the file's base
// name rather than taking it as a separate parameter.
func (l *Loader) LoadHosts(path string) ([]string, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jobfile: %w", err)
	}
	var hosts []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		hosts = append(hosts, line)
	}
	return hosts, nil
}

// Load implements master/rpc.JobFileLoader.
func (l *Loader) Load(path string) (job master.Job, groupID int64, jobs []master.Job, edges [][2]int64, isMeta bool, err error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return master.Job{}, 0, nil, nil, false, fmt.Errorf("jobfile: %w", err)
	}

	switch ext := strings.TrimPrefix(filepath.Ext(path), "."); ext {
	case "job":
		var doc jobDoc
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return master.Job{}, 0, nil, nil, false, fmt.Errorf("jobfile: parsing %s: %w", path, err)
		}
		return doc.toJob(), 0, nil, nil, false, nil

	case "meta":
		var doc metaDoc
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return master.Job{}, 0, nil, nil, false, fmt.Errorf("jobfile: parsing %s: %w", path, err)
		}
		jobs := make([]master.Job, len(doc.Jobs))
		for i, d := range doc.Jobs {
			jobs[i] = d.toJob()
		}
		return master.Job{}, doc.GroupID, jobs, doc.Edges, true, nil

	default:
		return master.Job{}, 0, nil, nil, false, fmt.Errorf("jobfile: unrecognized extension %q", ext)
	}
}
