// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller implements the top-level activate/deactivate/scan
// operations: the thin layer that decides *whether* and *what* to
// mount, delegating the actual mount state machine to mount.Engine and
// the bookkeeping to registry.Registry.
package controller

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apexdaemon/apexd/internal/apexerr"
	"github.com/apexdaemon/apexd/internal/archive"
	"github.com/apexdaemon/apexd/internal/loopdev"
	"github.com/apexdaemon/apexd/internal/manifest"
	"github.com/apexdaemon/apexd/internal/mount"
	"github.com/apexdaemon/apexd/internal/registry"
	"github.com/apexdaemon/apexd/internal/session"
	"github.com/apexdaemon/apexd/internal/staging"
)

// Controller wires the mount engine, the registry, the staging
// engine, and session persistence into the operations exposed to the
// IPC surface and the apexctl CLI.
type Controller struct {
	Root        string // "<root>/<packageId>" versioned mounts and "<root>/<name>" latest aliases live here
	SystemDir   string // packages whose source path is under this prefix are treated as on-system-image
	SessionsDir string

	Mount    *mount.Engine
	Stage    *staging.Engine
	Registry *registry.Registry
	Loops    *loopdev.Manager
	Sessions *session.Store
	Logger   *slog.Logger
}

// ActivateResult reports what Activate actually did, since a failed
// alias bind-mount is a logged warning, not a fatal error (Open
// Question #2): a caller that cares can inspect AliasUpdated.
type ActivateResult struct {
	Record       registry.Record
	AliasUpdated bool
}

func (c *Controller) onSystemImage(path string) bool {
	if c.SystemDir == "" {
		return false
	}
	rel, err := filepath.Rel(c.SystemDir, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// openCandidate opens path (a .apex file, or a directory for a
// flattened package on the system image) and parses its manifest,
// without doing anything else.
func (c *Controller) openCandidate(path string) (mount.Package, *archive.Archive, error) {
	info, err := os.Stat(path)
	if err != nil {
		return mount.Package{}, nil, apexerr.Wrap(apexerr.OpenFailed, "controller.openCandidate", path, err)
	}

	if info.IsDir() {
		data, err := os.ReadFile(filepath.Join(path, "manifest.json"))
		if err != nil {
			return mount.Package{}, nil, apexerr.Wrap(apexerr.OpenFailed, "controller.openCandidate", path, err)
		}
		m, err := manifest.Parse(data)
		if err != nil {
			return mount.Package{}, nil, err
		}
		return mount.Package{
			Path:          path,
			Manifest:      m,
			Flattened:     true,
			OnSystemImage: c.onSystemImage(path),
		}, nil, nil
	}

	a, err := archive.Open(path)
	if err != nil {
		return mount.Package{}, nil, err
	}
	m, err := manifest.Parse(a.ManifestData)
	if err != nil {
		a.Close()
		return mount.Package{}, nil, err
	}
	return mount.Package{
		Path:          path,
		Manifest:      m,
		Archive:       a,
		OnSystemImage: c.onSystemImage(path),
	}, a, nil
}

// Activate brings the package at path up: open it, check the registry
// for a conflicting or already-mounted version, mount if needed, and
// re-point the "latest" alias if this is now the newest version.
func (c *Controller) Activate(path string) (*ActivateResult, error) {
	pkg, a, err := c.openCandidate(path)
	if err != nil {
		return nil, err
	}
	if a != nil {
		defer a.Close()
	}
	name := pkg.Manifest.Name
	version := pkg.Manifest.Version

	var alreadyMounted bool
	var maxOtherVersion uint64
	var haveOther bool
	conflict := false
	c.Registry.ForEach(name, func(rec registry.Record) {
		if rec.Version == version {
			alreadyMounted = true
			if rec.IsLatest {
				conflict = true
			}
			return
		}
		if !haveOther || rec.Version > maxOtherVersion {
			maxOtherVersion = rec.Version
			haveOther = true
		}
	})
	if conflict {
		return nil, apexerr.New(apexerr.AlreadyActive, "controller.Activate", path,
			fmt.Sprintf("%s@%d is already the latest active version", name, version))
	}
	isNewest := !haveOther || version > maxOtherVersion

	var record registry.Record
	if !alreadyMounted {
		mountPoint := filepath.Join(c.Root, pkg.Manifest.PackageID())
		record, err = c.Mount.MountPackage(pkg, mountPoint)
		if err != nil {
			return nil, err
		}
		record.PackageName = name
		if err := c.Registry.Add(name, record, false); err != nil {
			return nil, err
		}
	} else {
		record, _ = c.Registry.Lookup(name, path)
	}

	result := &ActivateResult{Record: record}
	if isNewest {
		aliasPath := filepath.Join(c.Root, name)
		versionedMount := filepath.Join(c.Root, pkg.Manifest.PackageID())
		if err := c.Mount.BindMountLatest(aliasPath, versionedMount); err != nil {
			c.Logger.Warn("latest alias bind-mount failed; versioned mount remains active without an alias",
				"name", name, "version", version, "error", err)
			result.AliasUpdated = false
		} else if err := c.Registry.SetLatest(name, path); err != nil {
			c.Logger.Warn("registry setLatest failed after alias bind-mount succeeded", "name", name, "error", err)
			result.AliasUpdated = false
		} else {
			result.AliasUpdated = true
		}
	}
	return result, nil
}

// Deactivate is a thin wrapper over mount.Engine.UnmountPackage: it
// resolves path to the (name, sourcePath) key the registry and mount
// engine both index by, then delegates.
func (c *Controller) Deactivate(path string) error {
	name, _, ok := c.Registry.FindBySourcePath(path)
	if !ok {
		return apexerr.New(apexerr.NotFound, "controller.Deactivate", path, "no active record for this path")
	}
	return c.Mount.UnmountPackage(name, path)
}

// ScanAndActivate enumerates package files directly under dir (and,
// for the system partition, its subdirectories as flattened packages)
// and activates each. A failure on one candidate is logged and does
// not abort the sweep.
func (c *Controller) ScanAndActivate(dir string) []error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []error{apexerr.Wrap(apexerr.IO, "controller.ScanAndActivate", dir, err)}
	}

	var errs []error
	onSystem := c.onSystemImage(dir)
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if !onSystem {
				continue
			}
		} else if !strings.HasSuffix(entry.Name(), ".apex") {
			continue
		}
		if _, err := c.Activate(path); err != nil {
			c.Logger.Error("activate failed during scan", "path", path, "error", err)
			errs = append(errs, err)
		}
	}
	return errs
}

// UnmountAndDetachExisting is the startup recovery sweep: it makes the
// daemon restartable after an unclean exit by tearing down whatever
// mount state a prior run left behind under Root, then reaping orphan
// loop devices this daemon owns.
//
// Root's subdirectories are visited in ascending sort order so that an
// unversioned alias ("<name>") is always unmounted before its target
// ("<name>@<version>"): unmounting the alias first avoids briefly
// exposing the aliased mount point as empty while a helper is still
// walking it.
func (c *Controller) UnmountAndDetachExisting() error {
	entries, err := os.ReadDir(c.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apexerr.Wrap(apexerr.IO, "controller.UnmountAndDetachExisting", c.Root, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(c.Root, name)
		if err := c.Mount.LazyUnmountAndRemove(path); err != nil {
			c.Logger.Warn("startup sweep failed to unmount stale mount point", "path", path, "error", err)
		}
	}

	if err := c.Loops.DestroyOrphans(); err != nil {
		c.Logger.Warn("startup sweep failed to destroy orphan loop devices", "error", err)
	}
	return nil
}

// SubmitStagedSession verifies and stages sourcePaths, records a new
// session and advances it to the STAGED state. It does not activate anything;
// MarkStagedSessionReady does that. now is the wall-clock time to
// stamp the session with, threaded in explicitly so callers can test
// session ordering deterministically.
func (c *Controller) SubmitStagedSession(sessionID int, childIDs []int, sourcePaths []string, now time.Time) ([]*staging.VerifiedPackage, error) {
	result, err := c.Stage.Stage(sourcePaths, false)
	if err != nil {
		return nil, err
	}

	packages := make([]string, len(result.Packages))
	for i, pkg := range result.Packages {
		packages[i] = pkg.Manifest.PackageID()
	}
	if _, err := c.Sessions.Create(sessionID, childIDs, packages, now); err != nil {
		return nil, err
	}
	if _, err := c.Sessions.Advance(sessionID, session.Staged); err != nil {
		return nil, err
	}
	return result.Packages, nil
}

// MarkStagedSessionReady activates every package staged under
// sessionID and advances the session to ACTIVATED. A package already
// active under the same version is treated as already-mounted by
// Activate, so retrying a partially-applied session is safe.
func (c *Controller) MarkStagedSessionReady(sessionID int) error {
	sess, err := c.Sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.State != session.Staged {
		return apexerr.New(apexerr.SessionError, "controller.MarkStagedSessionReady", "",
			fmt.Sprintf("session %d is in state %s, want %s", sessionID, sess.State, session.Staged))
	}

	for _, packageID := range sess.Packages {
		path := filepath.Join(c.Stage.ActiveDir, packageID+".apex")
		if _, err := c.Activate(path); err != nil {
			return err
		}
	}

	_, err = c.Sessions.Advance(sessionID, session.Activated)
	return err
}
