// Copyright 2013 Andrey Budnik <budnik27@gmail.com>
// This software is released under the Apache 2.0 license.

// Package rpc is the admin front end described in spec.md §6: a
// JSON-RPC 2.0 server accepting framed requests over TCP for
// submitting, stopping, and inspecting jobs.
//
// Grounded on cmd/coordinated/main.go's accept-loop-plus-per-connection
// -goroutine shape and its Request/Response envelope (cborrpc.Request,
// cborrpc.Response), adapted from CBOR to encoding/json per spec.md's
// explicit JSON-RPC requirement, and from reflect-based method lookup
// to an explicit switch on request.Method — SPEC_FULL.md §6.1 records
// this as a deliberate simplification: this surface has eleven fixed
// methods, not an arbitrary Go API to expose generically.
package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/abudnik/gomaster/master"
)

// JSON-RPC 2.0 error codes used by this server.
const (
	codeInvalidParams = -32602
	codeInternalError = -32603
)

// Request is one JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is one JSON-RPC 2.0 reply; exactly one of Result/Error is
// populated.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JobFileLoader parses a .job or .meta file into one or more jobs for
// the "run" method. Out of scope for this package (spec.md §1); a
// concrete implementation lives in master/jobfile.
type JobFileLoader interface {
	Load(path string) (job master.Job, groupID int64, jobs []master.Job, edges [][2]int64, isMeta bool, err error)
}

// HostFileLoader reads a host-list file for the "add_group" admin
// command. Out of scope for this package (spec.md §1); a concrete
// implementation lives in master/jobfile.
type HostFileLoader interface {
	LoadHosts(path string) (hosts []string, err error)
}

// Server dispatches admin commands onto a Scheduler/JobSubmitter/
// WorkerRegistry backend. The zero value is not usable; construct
// with New.
type Server struct {
	scheduler  master.Scheduler
	submitter  master.JobSubmitter
	registry   master.WorkerRegistry
	jobFiles   JobFileLoader
	hostFiles  HostFileLoader
	log        *logrus.Logger
}

// Config bundles Server's construction-time parameters.
type Config struct {
	Scheduler master.Scheduler
	Submitter master.JobSubmitter
	Registry  master.WorkerRegistry
	JobFiles  JobFileLoader
	HostFiles HostFileLoader
	Log       *logrus.Logger
}

// New constructs a Server.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Server{
		scheduler: cfg.Scheduler,
		submitter: cfg.Submitter,
		registry:  cfg.Registry,
		jobFiles:  cfg.JobFiles,
		hostFiles: cfg.HostFiles,
		log:       cfg.Log,
	}
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed), handling each on its own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConnection(conn)
	}
}

// handleConnection speaks newline-delimited JSON-RPC 2.0 over conn,
// one request/response pair per line, matching cmd/coordinated's
// read-decode-dispatch-encode-flush loop.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	decoder := json.NewDecoder(reader)

	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			return
		}
		resp := s.dispatch(req)
		resp.JSONRPC = "2.0"
		resp.ID = req.ID

		encoded, err := json.Marshal(resp)
		if err != nil {
			s.log.WithError(err).Error("rpc: failed to encode response")
			return
		}
		if _, err := writer.Write(append(encoded, '\n')); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Method {
	case "run":
		return s.handleRun(req.Params)
	case "stop":
		return s.handleStop(req.Params)
	case "stop_group":
		return s.handleStopGroup(req.Params)
	case "stop_all":
		s.scheduler.StopAllJobs()
		return Response{Result: "ok"}
	case "stop_prev":
		s.scheduler.StopPreviousJobs()
		return Response{Result: "ok"}
	case "add_hosts":
		return s.handleAddHosts(req.Params)
	case "delete_hosts":
		return s.handleDeleteHosts(req.Params)
	case "add_group":
		return s.handleAddGroup(req.Params)
	case "delete_group":
		return s.handleDeleteGroup(req.Params)
	case "info":
		return s.handleInfo(req.Params)
	case "stat":
		return s.handleStat()
	default:
		return errorResponse(codeInvalidParams, fmt.Sprintf("no such method: %q", req.Method))
	}
}

func errorResponse(code int, message string) Response {
	return Response{Error: &RPCError{Code: code, Message: message}}
}

func (s *Server) handleRun(raw json.RawMessage) Response {
	var params struct {
		File string `json:"file"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResponse(codeInvalidParams, err.Error())
	}
	job, groupID, jobs, edges, isMeta, err := s.jobFiles.Load(params.File)
	if err != nil {
		return errorResponse(codeInternalError, err.Error())
	}
	if isMeta {
		if err := s.submitter.SubmitMetaJob(groupID, jobs, edges); err != nil {
			return errorResponse(codeInternalError, err.Error())
		}
		return Response{Result: "ok"}
	}
	if err := s.submitter.SubmitJob(job); err != nil {
		return errorResponse(codeInternalError, err.Error())
	}
	return Response{Result: "ok"}
}

func (s *Server) handleStop(raw json.RawMessage) Response {
	var params struct {
		JobID int64 `json:"job_id"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResponse(codeInvalidParams, err.Error())
	}
	s.scheduler.StopJob(params.JobID)
	return Response{Result: "ok"}
}

func (s *Server) handleStopGroup(raw json.RawMessage) Response {
	var params struct {
		GroupID int64 `json:"group_id"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResponse(codeInvalidParams, err.Error())
	}
	s.scheduler.StopJobGroup(params.GroupID)
	return Response{Result: "ok"}
}

func (s *Server) handleAddHosts(raw json.RawMessage) Response {
	var params struct {
		Hosts []string `json:"hosts"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResponse(codeInvalidParams, err.Error())
	}
	if len(params.Hosts)%2 != 0 {
		return errorResponse(codeInvalidParams, "hosts must be a flat [group, host, group, host, ...] list")
	}
	for i := 0; i < len(params.Hosts); i += 2 {
		s.registry.AddWorkerHost(params.Hosts[i], params.Hosts[i+1])
	}
	return Response{Result: "ok"}
}

func (s *Server) handleDeleteHosts(raw json.RawMessage) Response {
	var params struct {
		Hosts []string `json:"hosts"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResponse(codeInvalidParams, err.Error())
	}
	for _, host := range params.Hosts {
		s.registry.DeleteWorkerHost(host)
	}
	return Response{Result: "ok"}
}

// handleAddGroup implements the "add_group" method exactly as
// spec.md's interface table specifies: {file} names a file listing
// hosts, one per line, and the group name is derived from the file's
// base name, matching
// original_source/src/master/admin.cpp's AdminCommand_AddGroup.
func (s *Server) handleAddGroup(raw json.RawMessage) Response {
	var params struct {
		File string `json:"file"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResponse(codeInvalidParams, err.Error())
	}
	hosts, err := s.hostFiles.LoadHosts(params.File)
	if err != nil {
		return errorResponse(codeInternalError, err.Error())
	}
	group := filepath.Base(params.File)
	s.registry.AddWorkerGroup(group, hosts)
	return Response{Result: "ok"}
}

func (s *Server) handleDeleteGroup(raw json.RawMessage) Response {
	var params struct {
		Group string `json:"group"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResponse(codeInvalidParams, err.Error())
	}
	s.registry.DeleteWorkerGroup(params.Group)
	return Response{Result: "ok"}
}

func (s *Server) handleInfo(raw json.RawMessage) Response {
	var params struct {
		JobID int64 `json:"job_id"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResponse(codeInvalidParams, err.Error())
	}
	info, ok := s.scheduler.GetJobInfo(params.JobID)
	if !ok {
		return errorResponse(codeInternalError, fmt.Sprintf("no such job: %d", params.JobID))
	}
	return Response{Result: info}
}

func (s *Server) handleStat() Response {
	return Response{Result: s.scheduler.GetStatistics()}
}
