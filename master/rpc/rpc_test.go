// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

package rpc

import (
	"bufio"
	"encoding/json"
	"io/ioutil"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abudnik/gomaster/master"
	"github.com/abudnik/gomaster/master/jobfile"
	"github.com/abudnik/gomaster/master/memsched"
)

// rpcHarness pipes a Server to an in-process client over net.Pipe, so
// a round trip can be tested without an actual TCP listener.
type rpcHarness struct {
	client *bufio.ReadWriter
}

func newRPCHarness(t *testing.T, server *Server) *rpcHarness {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	go server.handleConnection(serverConn)
	t.Cleanup(func() { clientConn.Close() })
	return &rpcHarness{
		client: bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn)),
	}
}

func (h *rpcHarness) call(t *testing.T, method string, params interface{}) Response {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	req := Request{JSONRPC: "2.0", ID: 1, Method: method, Params: raw}
	encoded, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = h.client.Write(append(encoded, '\n'))
	require.NoError(t, err)
	require.NoError(t, h.client.Flush())

	var resp Response
	line, err := h.client.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func newTestServer(t *testing.T) (*Server, *memsched.Core) {
	core := memsched.New(memsched.Config{})
	t.Cleanup(core.Stop)
	server := New(Config{
		Scheduler: core,
		Submitter: core,
		Registry:  core,
		JobFiles:  jobfile.NewLoader(),
		HostFiles: jobfile.NewLoader(),
	})
	return server, core
}

func TestRPCAddHostsAndStat(t *testing.T) {
	server, _ := newTestServer(t)
	h := newRPCHarness(t, server)

	resp := h.call(t, "add_hosts", map[string]interface{}{
		"hosts": []string{"crawlers", "w1", "crawlers", "w2"},
	})
	require.Nil(t, resp.Error)

	resp = h.call(t, "stat", map[string]interface{}{})
	require.Nil(t, resp.Error)

	statJSON, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var stats master.Statistics
	require.NoError(t, json.Unmarshal(statJSON, &stats))
	assert.Equal(t, 2, stats.NumWorkers)
}

func TestRPCAddGroupFromFile(t *testing.T) {
	server, _ := newTestServer(t)
	h := newRPCHarness(t, server)

	dir := t.TempDir()
	path := filepath.Join(dir, "crawlers")
	require.NoError(t, ioutil.WriteFile(path, []byte("w1\nw2\nw3\n"), 0o644))

	resp := h.call(t, "add_group", map[string]interface{}{"file": path})
	require.Nil(t, resp.Error)

	resp = h.call(t, "stat", map[string]interface{}{})
	require.Nil(t, resp.Error)
	statJSON, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var stats master.Statistics
	require.NoError(t, json.Unmarshal(statJSON, &stats))
	assert.Equal(t, 3, stats.NumWorkers)
}

func TestRPCRunJobAndInfo(t *testing.T) {
	server, _ := newTestServer(t)
	h := newRPCHarness(t, server)

	dir := t.TempDir()
	path := filepath.Join(dir, "crawl.job")
	require.NoError(t, ioutil.WriteFile(path, []byte("job_id: 99\nnum_tasks: 1\n"), 0o644))

	resp := h.call(t, "run", map[string]interface{}{"file": path})
	require.Nil(t, resp.Error)

	resp = h.call(t, "info", map[string]interface{}{"job_id": 99})
	require.Nil(t, resp.Error)
	infoJSON, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var info master.JobInfo
	require.NoError(t, json.Unmarshal(infoJSON, &info))
	assert.Equal(t, int64(99), info.Job.JobID)
	assert.Equal(t, "QUEUED", info.Status, "no worker is registered, so the job stays in C4 until one is")
}

func TestRPCUnknownMethod(t *testing.T) {
	server, _ := newTestServer(t)
	h := newRPCHarness(t, server)

	resp := h.call(t, "no_such_method", map[string]interface{}{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

