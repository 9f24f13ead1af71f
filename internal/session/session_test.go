// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCreateAndGet(t *testing.T) {
	store := NewStore(t.TempDir())
	now := time.Unix(1000, 0)

	sess, err := store.Create(1, nil, []string{"com.example.apex"}, now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.State != Verified {
		t.Errorf("State = %q, want %q", sess.State, Verified)
	}

	got, err := store.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != 1 || len(got.Packages) != 1 || got.Packages[0] != "com.example.apex" {
		t.Errorf("Get returned %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Create(1, nil, []string{"a"}, time.Unix(0, 0)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create(1, nil, []string{"b"}, time.Unix(0, 0)); err == nil {
		t.Fatal("second Create with the same ID succeeded, want error")
	}
}

func TestAdvance(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Create(1, nil, []string{"a"}, time.Unix(0, 0)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sess, err := store.Advance(1, Staged)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if sess.State != Staged {
		t.Errorf("State = %q, want %q", sess.State, Staged)
	}

	got, err := store.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != Staged {
		t.Errorf("persisted State = %q, want %q", got.State, Staged)
	}
}

func TestGetNotFound(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Get(99); err == nil {
		t.Fatal("Get succeeded for unknown session, want error")
	}
}

func TestListSortedByID(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, id := range []int{3, 1, 2} {
		if _, err := store.Create(id, nil, []string{"a"}, time.Unix(0, 0)); err != nil {
			t.Fatalf("Create(%d): %v", id, err)
		}
	}

	sessions, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(sessions))
	}
	for i, want := range []int{1, 2, 3} {
		if sessions[i].ID != want {
			t.Errorf("sessions[%d].ID = %d, want %d", i, sessions[i].ID, want)
		}
	}
}

func TestListInState(t *testing.T) {
	store := NewStore(t.TempDir())
	store.Create(1, nil, []string{"a"}, time.Unix(0, 0))
	store.Create(2, nil, []string{"b"}, time.Unix(0, 0))
	store.Advance(2, Staged)

	staged, err := store.ListInState(Staged)
	if err != nil {
		t.Fatalf("ListInState: %v", err)
	}
	if len(staged) != 1 || staged[0].ID != 2 {
		t.Errorf("ListInState(Staged) = %+v", staged)
	}
}

func TestListOnMissingDirectory(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	sessions, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if sessions != nil {
		t.Errorf("List() = %+v, want nil", sessions)
	}
}

func TestUnsealedStateFileHoldsPlaintextPackages(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	if _, err := store.Create(1, nil, []string{"com.example.apex"}, time.Unix(0, 0)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "session_1", "state.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(raw), "com.example.apex") {
		t.Error("unsealed session file does not contain the plaintext package name")
	}
}
