// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package veritydev builds and tears down the device-mapper verity
// targets that sit on top of a loop device once its signature has
// been checked. A Handle is scoped the same way loopdev.Handle is:
// undoing a half-built mount removes the dm node.
package veritydev

import (
	"fmt"
	"log/slog"

	"github.com/apexdaemon/apexd/internal/apexerr"
	"github.com/apexdaemon/apexd/internal/verity"
)

// sectorSize is the fixed 512-byte sector the dm-verity table format
// is expressed in, independent of the underlying block device's
// logical block size.
const sectorSize = 512

// Backend is the seam between the manager and device-mapper. The
// production backend issues real ioctls; tests substitute a fake so
// verity-device management can be exercised without root or the
// device-mapper kernel module.
type Backend interface {
	Exists(name string) bool
	Remove(name string) error
	Create(name string) error
	LoadVerityTable(name, params string, sectors uint64) error
	DevPath(name string) (string, error)
	SetReadAhead(devPath string, kb int) error
}

// Manager builds verity devices on behalf of the mount engine.
type Manager struct {
	backend Backend
	log     *slog.Logger
}

// New constructs a Manager over the given backend.
func New(backend Backend, log *slog.Logger) *Manager {
	return &Manager{backend: backend, log: log}
}

// Handle is a scoped verity-device resource.
type Handle struct {
	Name      string
	DevPath   string
	backend   Backend
	committed bool
}

// Commit marks the verity device as belonging to a successful mount.
func (h *Handle) Commit() { h.committed = true }

// Release removes the dm node unless already committed.
func (h *Handle) Release() error {
	if h == nil || h.committed {
		return nil
	}
	h.committed = true
	if err := h.backend.Remove(h.Name); err != nil {
		return apexerr.Wrap(apexerr.DmFailed, "veritydev.Release", h.Name, err)
	}
	return nil
}

// Remove deletes the dm node named name directly, bypassing the
// Handle scoping. Used by unmount, which only has the name carried on
// a registry record, not a live Handle.
func (m *Manager) Remove(name string) error {
	if err := m.backend.Remove(name); err != nil {
		return apexerr.Wrap(apexerr.DmFailed, "veritydev.Remove", name, err)
	}
	return nil
}

// Create builds a read-only verity target named name over
// backingLoopPath using descriptor's parameters. If a dm node with
// that name already exists it is deleted first: the daemon assumes
// it owns the entire (packageId-keyed) dm namespace, so any
// pre-existing name collision is stale state from a prior run.
func (m *Manager) Create(name string, descriptor verity.HashtreeDescriptor, backingLoopPath string) (*Handle, error) {
	if m.backend.Exists(name) {
		if err := m.backend.Remove(name); err != nil {
			return nil, apexerr.Wrap(apexerr.DmFailed, "veritydev.Create", name, err)
		}
	}

	if err := m.backend.Create(name); err != nil {
		return nil, apexerr.Wrap(apexerr.DmFailed, "veritydev.Create", name, err)
	}
	handle := &Handle{Name: name, backend: m.backend}

	sectors := descriptor.ImageSize / sectorSize
	dataBlocks := descriptor.ImageSize / uint64(descriptor.DataBlockSize)
	hashStartBlock := descriptor.TreeOffset / uint64(descriptor.HashBlockSize)

	// verity target line, per the kernel's Documentation/admin-guide/device-mapper/verity.rst:
	// <version> <data dev> <hash dev> <data block size> <hash block size>
	// <#data blocks> <hash start block> <algorithm> <root digest> <salt>
	// [<#opt args> <opt args>...]
	params := fmt.Sprintf("%d %s %s %d %d %d %d %s %x %x 1 ignore_zero_blocks",
		descriptor.DmVerityVersion,
		backingLoopPath,
		backingLoopPath,
		descriptor.DataBlockSize,
		descriptor.HashBlockSize,
		dataBlocks,
		hashStartBlock,
		descriptor.HashAlgorithm,
		descriptor.RootDigest,
		descriptor.Salt,
	)

	if err := m.backend.LoadVerityTable(name, params, sectors); err != nil {
		handle.Release()
		return nil, apexerr.Wrap(apexerr.VerityCreate, "veritydev.Create", name, err)
	}

	devPath, err := m.backend.DevPath(name)
	if err != nil {
		handle.Release()
		return nil, apexerr.Wrap(apexerr.VerityPathLookup, "veritydev.Create", name, err)
	}
	handle.DevPath = devPath

	if err := m.backend.SetReadAhead(devPath, 128); err != nil {
		m.log.Warn("verity device read-ahead configuration failed", "device", devPath, "error", err)
	}

	return handle, nil
}
