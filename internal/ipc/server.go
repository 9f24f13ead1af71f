// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc serves the daemon's control surface: a CBOR
// request-response protocol over a length-prefixed Unix socket
// connection, one connection per request, exposing the controller's
// activate/deactivate/scan/session operations to apexctl and other
// local tools. There is no per-request token; the socket's file
// permissions are the authorization boundary.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/apexdaemon/apexd/internal/codec"
	"github.com/apexdaemon/apexd/internal/controller"
	"github.com/apexdaemon/apexd/internal/readystate"
	"github.com/apexdaemon/apexd/internal/registry"
	"github.com/apexdaemon/apexd/internal/session"
	"github.com/apexdaemon/apexd/internal/staging"
	"github.com/google/uuid"
)

// connectionTimeout bounds an entire request-response cycle on one
// connection: read the frame, run the handler, write the response
// frame. There is no separate read/write split since a handler's own
// work (a mount, a hook run) sits between the two and a single
// deadline is simpler to reason about than two that must each leave
// room for it.
const (
	connectionTimeout = 30 * time.Second
	maxRequestSize    = 1 << 20
)

// Response is the wire envelope for every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// ActionFunc handles one decoded request. raw is the full CBOR
// request, including the "action" field, for handlers that need
// action-specific fields beyond the ones already parsed.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Server serves the daemon's operations table over a Unix socket:
// stagePackage, stagePackages, activatePackage, deactivatePackage,
// getActivePackages, scanAndActivate, submitStagedSession,
// markStagedSessionReady, getSessions, getReadyState.
type Server struct {
	socketPath string
	log        *slog.Logger
	handlers   map[string]ActionFunc

	activeConnections sync.WaitGroup
}

// NewServer wires a Server's handlers directly to c and ready. The
// set of registered actions matches the operations table exactly; no
// external caller can register additional actions.
func NewServer(socketPath string, c *controller.Controller, ready *readystate.Publisher, log *slog.Logger) *Server {
	s := &Server{socketPath: socketPath, log: log, handlers: make(map[string]ActionFunc)}

	s.handlers["activatePackage"] = func(_ context.Context, raw []byte) (any, error) {
		var req struct {
			Path string `cbor:"path"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding activatePackage request: %w", err)
		}
		result, err := c.Activate(req.Path)
		if err != nil {
			return nil, err
		}
		return activateResponse{
			Name:         result.Record.PackageName,
			Version:      result.Record.Version,
			AliasUpdated: result.AliasUpdated,
		}, nil
	}

	s.handlers["deactivatePackage"] = func(_ context.Context, raw []byte) (any, error) {
		var req struct {
			Path string `cbor:"path"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding deactivatePackage request: %w", err)
		}
		return nil, c.Deactivate(req.Path)
	}

	s.handlers["stagePackage"] = func(_ context.Context, raw []byte) (any, error) {
		var req struct {
			Path     string `cbor:"path"`
			LinkMode bool   `cbor:"linkMode"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding stagePackage request: %w", err)
		}
		result, err := c.Stage.Stage([]string{req.Path}, req.LinkMode)
		if err != nil {
			return nil, err
		}
		return stageResponse(result.Packages), nil
	}

	s.handlers["stagePackages"] = func(_ context.Context, raw []byte) (any, error) {
		var req struct {
			Paths    []string `cbor:"paths"`
			LinkMode bool     `cbor:"linkMode"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding stagePackages request: %w", err)
		}
		result, err := c.Stage.Stage(req.Paths, req.LinkMode)
		if err != nil {
			return nil, err
		}
		return stageResponse(result.Packages), nil
	}

	s.handlers["getActivePackages"] = func(context.Context, []byte) (any, error) {
		return activePackagesResponse(c.Registry.Snapshot()), nil
	}

	s.handlers["scanAndActivate"] = func(_ context.Context, raw []byte) (any, error) {
		var req struct {
			Dir string `cbor:"dir"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding scanAndActivate request: %w", err)
		}
		activateErrs := c.ScanAndActivate(req.Dir)
		messages := make([]string, len(activateErrs))
		for i, e := range activateErrs {
			messages[i] = e.Error()
		}
		return scanResponse{Errors: messages}, nil
	}

	s.handlers["submitStagedSession"] = func(_ context.Context, raw []byte) (any, error) {
		var req struct {
			SessionID int      `cbor:"sessionId"`
			ChildIDs  []int    `cbor:"childIds"`
			Paths     []string `cbor:"paths"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding submitStagedSession request: %w", err)
		}
		pkgs, err := c.SubmitStagedSession(req.SessionID, req.ChildIDs, req.Paths, time.Now())
		if err != nil {
			return nil, err
		}
		names := make([]string, len(pkgs))
		for i, p := range pkgs {
			names[i] = p.Manifest.PackageID()
		}
		return submitSessionResponse{Packages: names}, nil
	}

	s.handlers["markStagedSessionReady"] = func(_ context.Context, raw []byte) (any, error) {
		var req struct {
			SessionID int `cbor:"sessionId"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding markStagedSessionReady request: %w", err)
		}
		return nil, c.MarkStagedSessionReady(req.SessionID)
	}

	s.handlers["getSessions"] = func(context.Context, []byte) (any, error) {
		sessions, err := c.Sessions.List()
		if err != nil {
			return nil, err
		}
		return sessionsResponse(sessions), nil
	}

	s.handlers["getReadyState"] = func(ctx context.Context, raw []byte) (any, error) {
		var req struct {
			Wait bool `cbor:"wait"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding getReadyState request: %w", err)
		}
		if req.Wait {
			select {
			case <-ready.Wait():
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return readyStateResponse{State: string(ready.Get())}, nil
	}

	return s
}

type activateResponse struct {
	Name         string `cbor:"name"`
	Version      uint64 `cbor:"version"`
	AliasUpdated bool   `cbor:"aliasUpdated"`
}

type packageInfo struct {
	Name    string `cbor:"name"`
	Version uint64 `cbor:"version"`
}

func stageResponse(pkgs []*staging.VerifiedPackage) []packageInfo {
	out := make([]packageInfo, len(pkgs))
	for i, p := range pkgs {
		out[i] = packageInfo{Name: p.Manifest.Name, Version: p.Manifest.Version}
	}
	return out
}

type sessionInfo struct {
	ID       int      `cbor:"id"`
	State    string   `cbor:"state"`
	Packages []string `cbor:"packages"`
}

type submitSessionResponse struct {
	Packages []string `cbor:"packages"`
}

type scanResponse struct {
	Errors []string `cbor:"errors,omitempty"`
}

type readyStateResponse struct {
	State string `cbor:"state"`
}

func sessionsResponse(sessions []*session.Session) []sessionInfo {
	out := make([]sessionInfo, len(sessions))
	for i, s := range sessions {
		out[i] = sessionInfo{ID: s.ID, State: string(s.State), Packages: s.Packages}
	}
	return out
}

func activePackagesResponse(records []registry.Record) []packageInfo {
	out := make([]packageInfo, len(records))
	for i, r := range records {
		out[i] = packageInfo{Name: r.PackageName, Version: r.Version}
	}
	return out
}

// Serve accepts connections on socketPath until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.Info("ipc server listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error("accept failed", "error", err)
			continue
		}
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}
	s.activeConnections.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connectionTimeout))

	opID := uuid.NewString()
	log := s.log.With("op_id", opID)

	frame, err := readFrame(conn, maxRequestSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(frame, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	handler, ok := s.handlers[header.Action]
	if !ok {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, frame)
	if err != nil {
		log.Debug("action failed", "action", header.Action, "error", err)
		s.writeError(conn, err.Error())
		return
	}
	log.Debug("action succeeded", "action", header.Action)
	s.writeSuccess(conn, result)
}

func (s *Server) writeError(conn net.Conn, message string) {
	s.writeResponse(conn, Response{OK: false, Error: message})
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}
	s.writeResponse(conn, response)
}

func (s *Server) writeResponse(conn net.Conn, response Response) {
	payload, err := codec.Marshal(response)
	if err != nil {
		s.log.Debug("failed to marshal response", "error", err)
		return
	}
	if err := writeFrame(conn, payload); err != nil {
		s.log.Debug("failed to write response", "error", err)
	}
}
