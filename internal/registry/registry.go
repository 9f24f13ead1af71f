// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the in-memory record of every mounted
// package instance. It is the linearization point for activation:
// only committed mounts are visible here, and every other component
// queries through it instead of the filesystem.
package registry

import (
	"sort"
	"sync"

	"github.com/apexdaemon/apexd/internal/apexerr"
)

// Record describes one mounted package instance.
type Record struct {
	PackageName    string
	Version        uint64
	SourceFilePath string
	LoopDeviceName string
	DmNodeName     string
	MountPoint     string
	IsLatest       bool
}

// Registry is safe for concurrent use, though the daemon's single
// activation worker means contention is limited to readers racing a
// mutator.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string][]Record
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byName: make(map[string][]Record)}
}

// Add inserts a record, enforcing the "unique (name, version)" and
// "at most one latest per name" invariants. If isLatest is true, any
// existing record for the name has its flag cleared first.
func (r *Registry) Add(name string, record Record, isLatest bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.byName[name]
	for _, existing := range records {
		if existing.Version == record.Version {
			return apexerr.New(apexerr.Invariant, "registry.Add", record.SourceFilePath,
				"a record for this name and version already exists")
		}
	}

	record.PackageName = name
	record.IsLatest = isLatest
	if isLatest {
		for i := range records {
			records[i].IsLatest = false
		}
	}
	r.byName[name] = append(records, record)
	return nil
}

// Remove deletes the record identified by (name, sourcePath). Returns
// NotFound if no such record exists.
func (r *Registry) Remove(name, sourcePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.byName[name]
	for i, rec := range records {
		if rec.SourceFilePath == sourcePath {
			r.byName[name] = append(records[:i], records[i+1:]...)
			if len(r.byName[name]) == 0 {
				delete(r.byName, name)
			}
			return nil
		}
	}
	return apexerr.New(apexerr.NotFound, "registry.Remove", sourcePath, "no record for this name and source path")
}

// Lookup returns the record for (name, sourcePath), if any.
func (r *Registry) Lookup(name, sourcePath string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byName[name] {
		if rec.SourceFilePath == sourcePath {
			return rec, true
		}
	}
	return Record{}, false
}

// FindBySourcePath scans every package name for a record whose
// SourceFilePath matches sourcePath. Used by callers that only have a
// filesystem path in hand, not the package name that indexes the
// registry (e.g. deactivate(path) in the controller's public API).
func (r *Registry) FindBySourcePath(sourcePath string) (name string, record Record, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n, records := range r.byName {
		for _, rec := range records {
			if rec.SourceFilePath == sourcePath {
				return n, rec, true
			}
		}
	}
	return "", Record{}, false
}

// SetLatest clears IsLatest on every existing record for name and
// sets it on the one whose SourceFilePath matches sourcePath. Returns
// NotFound if no matching record exists.
func (r *Registry) SetLatest(name, sourcePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.byName[name]
	found := false
	for i := range records {
		if records[i].SourceFilePath == sourcePath {
			records[i].IsLatest = true
			found = true
		} else {
			records[i].IsLatest = false
		}
	}
	if !found {
		return apexerr.New(apexerr.NotFound, "registry.SetLatest", sourcePath, "no record for this name and source path")
	}
	return nil
}

// ForEach visits every record for name. Iteration order is not
// guaranteed to be stable across calls.
func (r *Registry) ForEach(name string, visit func(Record)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byName[name] {
		visit(rec)
	}
}

// ForEachAll visits every record across every package name.
func (r *Registry) ForEachAll(visit func(Record)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, records := range r.byName {
		for _, rec := range records {
			visit(rec)
		}
	}
}

// Snapshot returns a stably-sorted copy of every record, safe to
// range over after the call returns without holding any lock.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, records := range r.byName {
		out = append(out, records...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PackageName != out[j].PackageName {
			return out[i].PackageName < out[j].PackageName
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Latest returns the record marked IsLatest for name, if any.
func (r *Registry) Latest(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byName[name] {
		if rec.IsLatest {
			return rec, true
		}
	}
	return Record{}, false
}

// MaxVersion returns the highest version currently recorded for name,
// and whether any record exists at all.
func (r *Registry) MaxVersion(name string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := r.byName[name]
	if len(records) == 0 {
		return 0, false
	}
	max := records[0].Version
	for _, rec := range records[1:] {
		if rec.Version > max {
			max = rec.Version
		}
	}
	return max, true
}
