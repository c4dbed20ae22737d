// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

package jobfile

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadJobFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "simple.job", `
job_id: 42
priority: 3
num_tasks: 4
max_exec: 2
host_group: crawlers
queue_timeout: 10
`)

	loader := NewLoader()
	job, groupID, jobs, edges, isMeta, err := loader.Load(path)
	require.NoError(t, err)
	assert.False(t, isMeta)
	assert.Zero(t, groupID)
	assert.Nil(t, jobs)
	assert.Nil(t, edges)

	assert.Equal(t, int64(42), job.JobID)
	assert.Equal(t, 3, job.Priority)
	assert.Equal(t, 4, job.NumTasks)
	assert.Equal(t, 2, job.MaxExec)
	assert.Equal(t, "crawlers", job.HostGroup)
	assert.Equal(t, 10*time.Second, job.QueueTimeout)
	assert.Equal(t, -1, int(job.JobTimeout))
}

func TestLoadMetaFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "pipeline.meta", `
group_id: 7
jobs:
  - job_id: 1
    num_tasks: 1
  - job_id: 2
    num_tasks: 1
edges:
  - [1, 2]
`)

	loader := NewLoader()
	_, groupID, jobs, edges, isMeta, err := loader.Load(path)
	require.NoError(t, err)
	assert.True(t, isMeta)
	assert.Equal(t, int64(7), groupID)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(1), jobs[0].JobID)
	assert.Equal(t, int64(2), jobs[1].JobID)
	require.Len(t, edges, 1)
	assert.Equal(t, [2]int64{1, 2}, edges[0])
}

func TestLoadUnrecognizedExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "notes.txt", "job_id: 1\n")

	loader := NewLoader()
	_, _, _, _, _, err := loader.Load(path)
	assert.Error(t, err)
}

func TestLoadHosts(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "crawlers", "host-a\nhost-b\n\nhost-c\n")

	loader := NewLoader()
	hosts, err := loader.LoadHosts(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"host-a", "host-b", "host-c"}, hosts)
}
