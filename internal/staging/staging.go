// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package staging implements the multi-package staging operation:
// verify every candidate archive, then move (or hardlink) each one
// into the active directory as a single all-or-nothing batch. Staging
// never mounts anything itself; it only prepares the files that a
// later Activate call will mount.
package staging

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/apexdaemon/apexd/internal/apexerr"
	"github.com/apexdaemon/apexd/internal/archive"
	"github.com/apexdaemon/apexd/internal/manifest"
	"github.com/apexdaemon/apexd/internal/verity"

	"log/slog"
)

// VerifiedPackage bundles the outputs of the C1-C3 verification chain
// for one candidate archive, plus its eventual location once staged.
type VerifiedPackage struct {
	Archive    *archive.Archive
	Manifest   *manifest.Manifest
	Verity     *verity.Data
	StagedPath string // set once the batch has committed

	// MountPoint is set by a caller that mounts the package
	// temporarily to run install hooks against its contents. Staging
	// itself never mounts; DefaultHookRunner is a no-op for any
	// package whose MountPoint is empty.
	MountPoint string
}

// LabelRestorer re-applies filesystem security labels after a package
// file is moved or hardlinked into the active directory. On a
// non-SELinux host this is a no-op; NoopLabelRestorer is the default.
type LabelRestorer interface {
	Restore(path string) error
}

// NoopLabelRestorer never touches file labels.
type NoopLabelRestorer struct{}

func (NoopLabelRestorer) Restore(string) error { return nil }

// SELinuxLabelRestorer shells out to restorecon, the same way
// overlay.go shells out to fuse-overlayfs rather than reimplementing
// a kernel filesystem's protocol in Go.
type SELinuxLabelRestorer struct{}

func (SELinuxLabelRestorer) Restore(path string) error {
	cmd := exec.Command("restorecon", "-F", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("restorecon %s: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// HookRunner executes a package's pre/post-install hook binaries.
// Staging treats hook execution as an external, sandboxed
// collaborator: the interface is the contract, DefaultHookRunner is a
// minimal implementation, and a real deployment can substitute a
// hook runner that drives an actual sandbox.
type HookRunner interface {
	RunPreInstall(pkgs []*VerifiedPackage) error
	RunPostInstall(pkgs []*VerifiedPackage) error
}

// NoopHookRunner never runs anything. New installs it as the Engine's
// HookRunner, so hooks declared in manifests are not run unless the
// caller replaces it.
type NoopHookRunner struct{}

func (NoopHookRunner) RunPreInstall([]*VerifiedPackage) error  { return nil }
func (NoopHookRunner) RunPostInstall([]*VerifiedPackage) error { return nil }

// DefaultHookRunner runs a package's declared hook binary from inside
// its mounted image, if one is mounted, with a fixed timeout. A
// package with no MountPoint set (staging alone never mounts) is
// skipped rather than failed, since not every deployment needs
// install-time hooks to run before the package is actually active.
type DefaultHookRunner struct {
	Timeout time.Duration
	Log     *slog.Logger
}

func (h DefaultHookRunner) run(pkgs []*VerifiedPackage, hookPath func(*manifest.Manifest) string) error {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	for _, pkg := range pkgs {
		hook := hookPath(pkg.Manifest)
		if hook == "" || pkg.MountPoint == "" {
			continue
		}
		bin := filepath.Join(pkg.MountPoint, hook)
		cmd := exec.Command(bin)
		cmd.Dir = pkg.MountPoint
		cmd.Env = []string{"APEX_MOUNT_POINT=" + pkg.MountPoint}

		done := make(chan error, 1)
		go func() { done <- cmd.Run() }()
		select {
		case err := <-done:
			if err != nil {
				return apexerr.Wrap(apexerr.SessionError, "staging.hook", bin, err)
			}
		case <-time.After(timeout):
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
			return apexerr.New(apexerr.SessionError, "staging.hook", bin, "hook timed out")
		}
	}
	return nil
}

func (h DefaultHookRunner) RunPreInstall(pkgs []*VerifiedPackage) error {
	return h.run(pkgs, func(m *manifest.Manifest) string { return m.PreInstallHook })
}

func (h DefaultHookRunner) RunPostInstall(pkgs []*VerifiedPackage) error {
	return h.run(pkgs, func(m *manifest.Manifest) string { return m.PostInstallHook })
}

// Engine stages verified packages into ActiveDir.
type Engine struct {
	ActiveDir     string
	KeyDirs       []string
	Logger        *slog.Logger
	LabelRestorer LabelRestorer
	HookRunner    HookRunner
}

// New constructs an Engine, filling in no-op defaults for the
// injected collaborators.
func New(activeDir string, keyDirs []string, log *slog.Logger) *Engine {
	return &Engine{
		ActiveDir:     activeDir,
		KeyDirs:       keyDirs,
		Logger:        log,
		LabelRestorer: NoopLabelRestorer{},
		HookRunner:    NoopHookRunner{},
	}
}

// Result is the outcome of one successful Stage call.
type Result struct {
	Packages []*VerifiedPackage
}

// batchGuard unlinks every path it was told about unless committed,
// the same "drop on failure, commit on success" shape as
// loopdev.Handle and veritydev.Handle, applied to a batch of files
// instead of a single kernel resource.
type batchGuard struct {
	paths     []string
	committed bool
}

func (b *batchGuard) track(path string) { b.paths = append(b.paths, path) }
func (b *batchGuard) commit()           { b.committed = true }

func (b *batchGuard) rollback(log *slog.Logger) {
	if b.committed {
		return
	}
	for _, path := range b.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to unlink staged file during rollback", "path", path, "error", err)
		}
	}
}

// Stage verifies every archive at sourcePaths and, only if every one
// verifies, moves (linkMode == false) or hardlinks (linkMode == true)
// each into ActiveDir as "<packageId>.apex". Any single verification
// failure, or a failed pre-install hook, aborts the whole batch before
// anything is touched on disk. A failure during the file-placement
// phase, or a failed post-install hook, unlinks every destination
// already produced: the batch either lands in ActiveDir complete and
// hook-verified, or not at all. Superseded previously-active files for
// the staged package names are then best-effort removed. This last
// step is a documented non-transactional tail, not a bug: if the
// daemon crashes between commit and this cleanup, the next Activate
// simply picks the highest surviving version.
func (e *Engine) Stage(sourcePaths []string, linkMode bool) (*Result, error) {
	verified, err := e.verifyAll(sourcePaths)
	if err != nil {
		return nil, err
	}

	if err := e.HookRunner.RunPreInstall(verified); err != nil {
		closeAll(verified)
		return nil, err
	}

	if err := os.MkdirAll(e.ActiveDir, 0o750); err != nil {
		closeAll(verified)
		return nil, apexerr.Wrap(apexerr.IO, "staging.Stage", e.ActiveDir, err)
	}

	guard := &batchGuard{}
	for _, pkg := range verified {
		dest := filepath.Join(e.ActiveDir, pkg.Manifest.PackageID()+".apex")
		if err := placeFile(pkg.Archive.Path, dest, linkMode); err != nil {
			guard.rollback(e.Logger)
			closeAll(verified)
			return nil, apexerr.Wrap(apexerr.IO, "staging.Stage", dest, err)
		}
		guard.track(dest)
		if !linkMode {
			if err := e.LabelRestorer.Restore(dest); err != nil {
				e.Logger.Warn("label restoration failed", "path", dest, "error", err)
			}
		}
		pkg.StagedPath = dest
	}

	if err := e.HookRunner.RunPostInstall(verified); err != nil {
		guard.rollback(e.Logger)
		closeAll(verified)
		return nil, err
	}
	guard.commit()

	e.removeSuperseded(verified)

	return &Result{Packages: verified}, nil
}

// verifyAll runs the C1-C3 chain over every source path, closing
// every archive already opened as soon as any one fails.
func (e *Engine) verifyAll(sourcePaths []string) ([]*VerifiedPackage, error) {
	var verified []*VerifiedPackage
	for _, path := range sourcePaths {
		a, err := archive.Open(path)
		if err != nil {
			closeArchives(verified)
			return nil, err
		}
		m, err := manifest.Parse(a.ManifestData)
		if err != nil {
			a.Close()
			closeArchives(verified)
			return nil, err
		}
		v, err := verity.Verify(a, m.Name, e.KeyDirs)
		if err != nil {
			a.Close()
			closeArchives(verified)
			return nil, err
		}
		verified = append(verified, &VerifiedPackage{Archive: a, Manifest: m, Verity: v})
	}
	return verified, nil
}

func closeArchives(pkgs []*VerifiedPackage) {
	for _, pkg := range pkgs {
		pkg.Archive.Close()
	}
}

// closeAll is closeArchives named for the call sites after
// verification has already fully completed, where "these are
// archives we opened but are now abandoning" reads more clearly.
func closeAll(pkgs []*VerifiedPackage) { closeArchives(pkgs) }

// placeFile puts src at dest via hardlink (preserving src) or rename
// (consuming src), creating dest fresh each time so a stale file left
// by a prior crashed attempt cannot be observed as a false success.
func placeFile(src, dest string, linkMode bool) error {
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return err
	}
	if linkMode {
		return os.Link(src, dest)
	}
	return os.Rename(src, dest)
}

// removeSuperseded deletes previously-active files for each staged
// package name other than the one just staged. It never fails Stage:
// a leftover superseded file is harmless disk usage, not a correctness
// problem, since Activate always mounts by explicit path and the
// controller's "latest" selection is driven by version comparison,
// not directory listing order.
func (e *Engine) removeSuperseded(staged []*VerifiedPackage) {
	entries, err := os.ReadDir(e.ActiveDir)
	if err != nil {
		return
	}
	stagedNames := make(map[string]string, len(staged)) // name -> staged file base name
	for _, pkg := range staged {
		stagedNames[pkg.Manifest.Name] = filepath.Base(pkg.StagedPath)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, ok := packageNameFromFileName(entry.Name())
		if !ok {
			continue
		}
		keepFile, staged := stagedNames[name]
		if !staged || entry.Name() == keepFile {
			continue
		}
		path := filepath.Join(e.ActiveDir, entry.Name())
		if err := os.Remove(path); err != nil {
			e.Logger.Warn("failed to remove superseded active file", "path", path, "error", err)
		}
	}
}

// packageNameFromFileName extracts the package name from a
// "<name>@<version>.apex" file name.
func packageNameFromFileName(fileName string) (string, bool) {
	base := strings.TrimSuffix(fileName, ".apex")
	if base == fileName {
		return "", false
	}
	name, _, found := strings.Cut(base, "@")
	if !found {
		return "", false
	}
	return name, true
}
