// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package loopdev manages the loop devices backing non-flattened
// packages. A Handle is a scoped resource: unless Commit is called,
// Release (or the finalizer path invoked by the caller's defer) tears
// the loop device back down.
package loopdev

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apexdaemon/apexd/internal/apexerr"
)

// tagPrefix marks loop devices this daemon owns, so DestroyOrphans
// can recognize and reap them after an unclean restart without
// touching loop devices some other subsystem is using.
const tagPrefix = "apex:"

// Backend is the seam between the manager and the kernel. The
// production backend issues real ioctls; tests substitute an
// in-memory fake so loop-device management can be exercised without
// root or a real loop-control node.
type Backend interface {
	NextFree() (int, error)
	Open(number int) (fd int, path string, err error)
	Close(fd int) error
	Bind(fd int, backingFd int, offset, size uint64, tag string) error
	Clear(fd int) error
	FlushBufferCache(fd int) error
	SetBlockSize(fd int, size int) error
	SetDirectIO(fd int, enable bool) error
	SetReadAhead(path string, kb int) error
	Tag(fd int) (string, error)
	ListDevices() ([]int, error)
}

// Manager creates and releases loop devices on behalf of the mount
// engine.
type Manager struct {
	backend Backend
	log     *slog.Logger
}

// New constructs a Manager over the given backend.
func New(backend Backend, log *slog.Logger) *Manager {
	return &Manager{backend: backend, log: log}
}

// Handle is a scoped loop-device resource. Call Commit once the mount
// that depends on it has succeeded; otherwise let it go out of scope
// via Release.
type Handle struct {
	Path      string
	fd        int
	backend   Backend
	committed bool
}

// Path relative device node, e.g. "/dev/loop3".
func (h *Handle) String() string { return h.Path }

// Commit marks the loop device as belonging to a successful mount. A
// committed handle is not released; the caller becomes responsible
// for eventually calling Release themselves (typically via
// unmountPackage).
func (h *Handle) Commit() { h.committed = true }

// Release detaches the loop device unless already committed. Safe to
// call multiple times.
func (h *Handle) Release() error {
	if h == nil || h.committed {
		return nil
	}
	h.committed = true
	if err := h.backend.Clear(h.fd); err != nil {
		return apexerr.Wrap(apexerr.LoopFailed, "loopdev.Release", h.Path, err)
	}
	return h.backend.Close(h.fd)
}

// maxCreateAttempts bounds the LOOP_CTL_GET_FREE race: another
// process can win the same free number between the ioctl and the
// bind, so a handful of retries with no backoff resolves the
// contention without an unbounded loop.
const maxCreateAttempts = 3

// Create binds a fresh loop device over [offset, offset+size) of the
// file at filePath and returns a scoped Handle. Retries allocation up
// to three times to absorb races with other processes claiming the
// same free loop number.
func (m *Manager) Create(filePath string, offset, size int64) (*Handle, error) {
	backing, err := os.Open(filePath)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.LoopFailed, "loopdev.Create", filePath, err)
	}
	defer backing.Close()

	var lastErr error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		number, err := m.backend.NextFree()
		if err != nil {
			lastErr = err
			continue
		}
		fd, path, err := m.backend.Open(number)
		if err != nil {
			lastErr = err
			continue
		}
		if err := m.backend.Bind(fd, int(backing.Fd()), uint64(offset), uint64(size), tagPrefix+filepath.Base(filePath)); err != nil {
			m.backend.Close(fd)
			lastErr = err
			continue
		}

		if err := m.backend.FlushBufferCache(fd); err != nil {
			m.log.Warn("loop buffer cache flush failed", "path", path, "error", err)
		}
		if err := m.backend.SetBlockSize(fd, 4096); err != nil {
			m.log.Warn("loop block size set failed", "path", path, "error", err)
		}
		if err := m.backend.SetDirectIO(fd, true); err != nil {
			m.log.Warn("loop direct I/O enable failed", "path", path, "error", err)
		}
		if err := m.backend.SetReadAhead(path, 128); err != nil {
			m.log.Warn("loop read-ahead configuration failed", "path", path, "error", err)
		}

		return &Handle{Path: path, fd: fd, backend: m.backend}, nil
	}
	return nil, apexerr.Wrap(apexerr.LoopFailed, "loopdev.Create", filePath, lastErr)
}

// ReleaseByName clears the loop device identified by its short name
// (e.g. "loop3"), the form the registry stores in a record's
// LoopDeviceName field. Used by unmount, which only has the name
// carried on the record, not a live Handle.
func (m *Manager) ReleaseByName(loopName string) error {
	number, err := strconv.Atoi(strings.TrimPrefix(loopName, "loop"))
	if err != nil {
		return apexerr.New(apexerr.LoopFailed, "loopdev.ReleaseByName", loopName, "not a loop device name")
	}
	fd, path, err := m.backend.Open(number)
	if err != nil {
		return apexerr.Wrap(apexerr.LoopFailed, "loopdev.ReleaseByName", loopName, err)
	}
	defer m.backend.Close(fd)
	if err := m.backend.Clear(fd); err != nil {
		return apexerr.Wrap(apexerr.LoopFailed, "loopdev.ReleaseByName", path, err)
	}
	return nil
}

// DestroyOrphans scans loop devices for the daemon's tag prefix and
// clears any it finds. Called once at startup, before any activation,
// so a prior unclean exit doesn't leak loop devices forever.
func (m *Manager) DestroyOrphans() error {
	numbers, err := m.backend.ListDevices()
	if err != nil {
		return apexerr.Wrap(apexerr.LoopFailed, "loopdev.DestroyOrphans", "", err)
	}
	for _, number := range numbers {
		fd, path, err := m.backend.Open(number)
		if err != nil {
			continue
		}
		tag, err := m.backend.Tag(fd)
		if err == nil && strings.HasPrefix(tag, tagPrefix) {
			if err := m.backend.Clear(fd); err != nil {
				m.log.Warn("failed to clear orphan loop device", "path", path, "error", err)
			} else {
				m.log.Info("cleared orphan loop device", "path", path, "tag", tag)
			}
		}
		m.backend.Close(fd)
	}
	return nil
}

