// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package session persists the state of a staged multi-package
// activation session as a small JSON file per session. It is a
// deliberately shallow implementation of the two-phase stage/mark-ready
// protocol: state moves forward through a linear sequence and is
// never reconciled on crash beyond what staging's own idempotent
// re-verification gives a caller who retries. There is no rollback
// state machine here.
package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/apexdaemon/apexd/internal/apexerr"
)

// Sealer encrypts and decrypts a session's package list at rest.
// *seal.Sealer satisfies this; it is expressed as an interface here
// so this package does not need to import age directly.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Unseal(ciphertext []byte) ([]byte, error)
}

// State is one point in a session's linear lifecycle.
type State string

const (
	Verified  State = "VERIFIED"
	Staged    State = "STAGED"
	Activated State = "ACTIVATED"
)

// Session is the persisted record of one staged batch.
type Session struct {
	ID        int       `json:"id"`
	ChildIDs  []int     `json:"childIds,omitempty"`
	State     State     `json:"state"`
	Packages  []string  `json:"packages"`
	CreatedAt time.Time `json:"createdAt"`
}

// onDisk mirrors Session but carries the package list either in the
// clear (Packages) or sealed (SealedPackages, base64 age ciphertext),
// never both.
type onDisk struct {
	ID             int       `json:"id"`
	ChildIDs       []int     `json:"childIds,omitempty"`
	State          State     `json:"state"`
	Packages       []string  `json:"packages,omitempty"`
	SealedPackages string    `json:"sealedPackages,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store manages session files under a fixed directory, one
// subdirectory per session ID.
type Store struct {
	dir    string
	sealer Sealer // nil unless sealing is enabled
}

// NewStore returns a Store rooted at dir. dir need not exist yet:
// Create makes the directories it writes into, and List treats a
// missing dir as holding no sessions.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// NewSealedStore returns a Store that encrypts each session's package
// list at rest using sealer, so that reading a session file directly
// does not reveal package names. State, IDs, and timestamps stay in
// the clear; they carry no package identity on their own.
func NewSealedStore(dir string, sealer Sealer) *Store {
	return &Store{dir: dir, sealer: sealer}
}

func (s *Store) sessionDir(id int) string {
	return filepath.Join(s.dir, fmt.Sprintf("session_%d", id))
}

func (s *Store) statePath(id int) string {
	return filepath.Join(s.sessionDir(id), "state.json")
}

// Create writes a new session file in VERIFIED state. Fails with
// SessionError if a session with this ID already exists.
func (s *Store) Create(id int, childIDs []int, packages []string, now time.Time) (*Session, error) {
	dir := s.sessionDir(id)
	if _, err := os.Stat(s.statePath(id)); err == nil {
		return nil, apexerr.New(apexerr.SessionError, "session.Create", dir, "session already exists")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, apexerr.Wrap(apexerr.SessionError, "session.Create", dir, err)
	}

	sess := &Session{
		ID:        id,
		ChildIDs:  childIDs,
		State:     Verified,
		Packages:  packages,
		CreatedAt: now,
	}
	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Advance moves a session forward to newState and persists it.
// Callers are responsible for only requesting forward transitions;
// Advance does not itself enforce the Verified->Staged->Activated
// order beyond what the caller passes.
func (s *Store) Advance(id int, newState State) (*Session, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	sess.State = newState
	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads a session by ID, transparently decrypting its package
// list if the store was opened with a sealer.
func (s *Store) Get(id int) (*Session, error) {
	path := s.statePath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apexerr.New(apexerr.NotFound, "session.Get", path, "no such session")
		}
		return nil, apexerr.Wrap(apexerr.SessionError, "session.Get", path, err)
	}
	var disk onDisk
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, apexerr.Wrap(apexerr.SessionError, "session.Get", path, err)
	}

	packages := disk.Packages
	if disk.SealedPackages != "" {
		if s.sealer == nil {
			return nil, apexerr.New(apexerr.SessionError, "session.Get", path,
				"session has a sealed package list but no sealer is configured")
		}
		raw, err := base64.StdEncoding.DecodeString(disk.SealedPackages)
		if err != nil {
			return nil, apexerr.Wrap(apexerr.SessionError, "session.Get", path, err)
		}
		plaintext, err := s.sealer.Unseal(raw)
		if err != nil {
			return nil, apexerr.Wrap(apexerr.SessionError, "session.Get", path, err)
		}
		if err := json.Unmarshal(plaintext, &packages); err != nil {
			return nil, apexerr.Wrap(apexerr.SessionError, "session.Get", path, err)
		}
	}

	return &Session{
		ID:        disk.ID,
		ChildIDs:  disk.ChildIDs,
		State:     disk.State,
		Packages:  packages,
		CreatedAt: disk.CreatedAt,
	}, nil
}

// List returns every session known to the store, sorted by ID.
func (s *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apexerr.Wrap(apexerr.SessionError, "session.List", s.dir, err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var id int
		if _, err := fmt.Sscanf(entry.Name(), "session_%d", &id); err != nil {
			continue
		}
		sess, err := s.Get(id)
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// ListInState filters List to sessions currently in the given state.
func (s *Store) ListInState(state State) ([]*Session, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, sess := range all {
		if sess.State == state {
			out = append(out, sess)
		}
	}
	return out, nil
}

// write persists sess atomically: write to a temp file in the same
// directory, fsync, rename. Readers never observe a partial write.
func (s *Store) write(sess *Session) error {
	path := s.statePath(sess.ID)

	disk := onDisk{
		ID:        sess.ID,
		ChildIDs:  sess.ChildIDs,
		State:     sess.State,
		CreatedAt: sess.CreatedAt,
	}
	if s.sealer != nil {
		plaintext, err := json.Marshal(sess.Packages)
		if err != nil {
			return apexerr.Wrap(apexerr.SessionError, "session.write", path, err)
		}
		ciphertext, err := s.sealer.Seal(plaintext)
		if err != nil {
			return apexerr.Wrap(apexerr.SessionError, "session.write", path, err)
		}
		disk.SealedPackages = base64.StdEncoding.EncodeToString(ciphertext)
	} else {
		disk.Packages = sess.Packages
	}

	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return apexerr.Wrap(apexerr.SessionError, "session.write", path, err)
	}
	data = append(data, '\n')

	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return apexerr.Wrap(apexerr.SessionError, "session.write", tmpPath, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return apexerr.Wrap(apexerr.SessionError, "session.write", tmpPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return apexerr.Wrap(apexerr.SessionError, "session.write", tmpPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return apexerr.Wrap(apexerr.SessionError, "session.write", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return apexerr.Wrap(apexerr.SessionError, "session.write", path, err)
	}

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
