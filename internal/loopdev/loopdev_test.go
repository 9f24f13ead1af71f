// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package loopdev

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateAndRelease(t *testing.T) {
	backing := filepath.Join(t.TempDir(), "backing.img")
	if err := os.WriteFile(backing, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	backend := NewFake()
	mgr := New(backend, discardLogger())

	handle, err := mgr.Create(backing, 0, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if backend.BoundCount() != 1 {
		t.Fatalf("BoundCount = %d, want 1", backend.BoundCount())
	}

	if err := handle.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if backend.BoundCount() != 0 {
		t.Fatalf("BoundCount after release = %d, want 0", backend.BoundCount())
	}
}

func TestCreateCommitSkipsRelease(t *testing.T) {
	backing := filepath.Join(t.TempDir(), "backing.img")
	os.WriteFile(backing, make([]byte, 4096), 0o644)

	backend := NewFake()
	mgr := New(backend, discardLogger())

	handle, err := mgr.Create(backing, 0, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	handle.Commit()

	if err := handle.Release(); err != nil {
		t.Fatalf("Release after commit: %v", err)
	}
	if backend.BoundCount() != 1 {
		t.Fatalf("BoundCount = %d, want 1 (committed handle must survive Release)", backend.BoundCount())
	}
}

func TestCreateRetriesAllocationRace(t *testing.T) {
	backing := filepath.Join(t.TempDir(), "backing.img")
	os.WriteFile(backing, make([]byte, 4096), 0o644)

	backend := NewFake()
	backend.FailNextFree(2)
	mgr := New(backend, discardLogger())

	handle, err := mgr.Create(backing, 0, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if handle == nil {
		t.Fatal("Create returned nil handle")
	}
}

func TestCreateFailsAfterExhaustingRetries(t *testing.T) {
	backing := filepath.Join(t.TempDir(), "backing.img")
	os.WriteFile(backing, make([]byte, 4096), 0o644)

	backend := NewFake()
	backend.FailNextFree(maxCreateAttempts)
	mgr := New(backend, discardLogger())

	if _, err := mgr.Create(backing, 0, 4096); err == nil {
		t.Fatal("Create succeeded, want error after exhausting retries")
	}
}

func TestCreateMissingBackingFile(t *testing.T) {
	mgr := New(NewFake(), discardLogger())
	if _, err := mgr.Create(filepath.Join(t.TempDir(), "missing.img"), 0, 4096); err == nil {
		t.Fatal("Create succeeded, want error for missing backing file")
	}
}

func TestDestroyOrphans(t *testing.T) {
	backing := filepath.Join(t.TempDir(), "backing.img")
	os.WriteFile(backing, make([]byte, 4096), 0o644)

	backend := NewFake()
	mgr := New(backend, discardLogger())

	handle, err := mgr.Create(backing, 0, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = handle // leaked on purpose, simulating an unclean daemon exit

	if err := mgr.DestroyOrphans(); err != nil {
		t.Fatalf("DestroyOrphans: %v", err)
	}
	if backend.BoundCount() != 0 {
		t.Fatalf("BoundCount after DestroyOrphans = %d, want 0", backend.BoundCount())
	}
}
