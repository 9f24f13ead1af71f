// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package mount is the central state machine that turns a verified
// package into a live mount point: attaching a loop device, standing
// up a verity target over it when required, and mounting the
// resulting block device read-only. It also tears mounts back down
// and manages the "latest" bind-mount alias.
package mount

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/apexdaemon/apexd/internal/apexerr"
	"github.com/apexdaemon/apexd/internal/archive"
	"github.com/apexdaemon/apexd/internal/clock"
	"github.com/apexdaemon/apexd/internal/loopdev"
	"github.com/apexdaemon/apexd/internal/manifest"
	"github.com/apexdaemon/apexd/internal/registry"
	"github.com/apexdaemon/apexd/internal/verity"
	"github.com/apexdaemon/apexd/internal/veritydev"
)

const (
	mountAttempts = 5
	mountRetryGap = 50 * time.Millisecond

	ext4MountFlags = unix.MS_NOATIME | unix.MS_NODEV | unix.MS_DIRSYNC | unix.MS_RDONLY
)

// Mounter is the seam between the engine and the kernel's mount
// namespace. KernelMounter issues real mount(2)/umount2(2) syscalls;
// tests substitute a fake so the retry loop and bind-mount logic can
// be exercised without root.
type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
}

// KernelMounter is the production Mounter.
type KernelMounter struct{}

func (KernelMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (KernelMounter) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

// Package describes the source the mount engine is asked to activate:
// either a signed archive (non-flattened) or a directory tree already
// present on the system partition (flattened).
type Package struct {
	Path          string
	Manifest      *manifest.Manifest
	Archive       *archive.Archive // nil for a flattened package
	Flattened     bool
	OnSystemImage bool // true if Path lives under the read-only system partition
}

// mountable is the two-variant sum type from the daemon's design
// notes: flattened and non-flattened packages mount in entirely
// different ways, so dispatch is a method on this interface rather
// than a shared base type with overridden hooks.
type mountable interface {
	mount(e *Engine, mountPoint string) (registry.Record, error)
}

// Engine performs the mount/unmount and loop/verity handle management
// described by the mount state machine. It holds no long-lived state
// itself besides its collaborators; the registry is the source of
// truth for what is currently mounted.
type Engine struct {
	loops       *loopdev.Manager
	verityDevs  *veritydev.Manager
	registry    *registry.Registry
	clock       clock.Clock
	mounter     Mounter
	log         *slog.Logger
	keyDirs     []string
	forceVerity bool // ro.apex.force_verity_on_system-equivalent knob
}

// Config carries the Engine's fixed dependencies.
type Config struct {
	Loops               *loopdev.Manager
	VerityDevs          *veritydev.Manager
	Registry            *registry.Registry
	Clock               clock.Clock
	Mounter             Mounter
	Log                 *slog.Logger
	TrustedKeyDirs      []string
	ForceVerityOnSystem bool
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	m := cfg.Mounter
	if m == nil {
		m = KernelMounter{}
	}
	return &Engine{
		loops:       cfg.Loops,
		verityDevs:  cfg.VerityDevs,
		registry:    cfg.Registry,
		clock:       c,
		mounter:     m,
		log:         cfg.Log,
		keyDirs:     cfg.TrustedKeyDirs,
		forceVerity: cfg.ForceVerityOnSystem,
	}
}

type flattenedPackage struct{ pkg Package }
type archivePackage struct{ pkg Package }

func asMountable(pkg Package) mountable {
	if pkg.Flattened {
		return flattenedPackage{pkg}
	}
	return archivePackage{pkg}
}

// MountPackage brings pkg up at mountPoint, creating the directory if
// needed and removing it again on any failure. Committed loop and
// verity handles are handed to the registry record; the caller is not
// otherwise responsible for cleanup.
func (e *Engine) MountPackage(pkg Package, mountPoint string) (registry.Record, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return registry.Record{}, apexerr.Wrap(apexerr.MountFailed, "mount.MountPackage", mountPoint, err)
	}

	record, err := asMountable(pkg).mount(e, mountPoint)
	if err != nil {
		if removeErr := os.Remove(mountPoint); removeErr != nil && !os.IsNotExist(removeErr) {
			e.log.Warn("failed to remove mount point after failed mount", "path", mountPoint, "error", removeErr)
		}
		return registry.Record{}, err
	}
	return record, nil
}

func (fp flattenedPackage) mount(e *Engine, mountPoint string) (registry.Record, error) {
	if !fp.pkg.OnSystemImage {
		return registry.Record{}, apexerr.New(apexerr.MountFailed, "mount.flattened", fp.pkg.Path,
			"flattened packages must be located on the system partition")
	}
	if err := bindMount(e.mounter, fp.pkg.Path, mountPoint); err != nil {
		return registry.Record{}, apexerr.Wrap(apexerr.MountFailed, "mount.flattened", fp.pkg.Path, err)
	}
	return registry.Record{
		Version:        fp.pkg.Manifest.Version,
		SourceFilePath: fp.pkg.Path,
		MountPoint:     mountPoint,
	}, nil
}

func (ap archivePackage) mount(e *Engine, mountPoint string) (registry.Record, error) {
	pkg := ap.pkg
	loopHandle, err := e.loops.Create(pkg.Path, pkg.Archive.ImageOffset, pkg.Archive.ImageSize)
	if err != nil {
		return registry.Record{}, apexerr.Wrap(apexerr.LoopFailed, "mount.archive", pkg.Path, err)
	}
	defer loopHandle.Release()

	verityData, err := verity.Verify(pkg.Archive, pkg.Manifest.Name, e.keyDirs)
	if err != nil {
		return registry.Record{}, err
	}

	useVerity := !pkg.OnSystemImage || e.forceVerity

	blockDevice := loopHandle.Path
	var verityHandle *veritydev.Handle
	var dmNodeName string
	if useVerity {
		dmNodeName = pkg.Manifest.PackageID()
		verityHandle, err = e.verityDevs.Create(dmNodeName, verityData.Descriptor, loopHandle.Path)
		if err != nil {
			return registry.Record{}, err
		}
		defer verityHandle.Release()
		blockDevice = verityHandle.DevPath
	}

	if err := mountExt4Retrying(e.clock, e.mounter, blockDevice, mountPoint); err != nil {
		return registry.Record{}, apexerr.Wrap(apexerr.MountFailed, "mount.archive", pkg.Path, err)
	}

	loopHandle.Commit()
	loopName := filepath.Base(loopHandle.Path)
	if verityHandle != nil {
		verityHandle.Commit()
	}

	return registry.Record{
		Version:        pkg.Manifest.Version,
		SourceFilePath: pkg.Path,
		LoopDeviceName: loopName,
		DmNodeName:     dmNodeName,
		MountPoint:     mountPoint,
	}, nil
}

// mountExt4Retrying covers the race where a dm node exists in the
// kernel but /dev/mapper/<name> has not yet been created by the
// hotplug agent in userspace: retry a handful of times with a fixed
// gap rather than fail on the first ENOENT.
func mountExt4Retrying(c clock.Clock, m Mounter, blockDevice, mountPoint string) error {
	var lastErr error
	for attempt := 0; attempt < mountAttempts; attempt++ {
		err := m.Mount(blockDevice, mountPoint, "ext4", ext4MountFlags, "")
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < mountAttempts-1 {
			c.Sleep(mountRetryGap)
		}
	}
	return fmt.Errorf("mount %s at %s: %w", blockDevice, mountPoint, lastErr)
}

func bindMount(m Mounter, source, target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	return m.Mount(source, target, "", unix.MS_BIND, "")
}

// BindMountLatest publishes sourceMountPoint at aliasPath, creating
// aliasPath if needed. Used to re-point the unversioned "<name>" path
// at whichever version is currently latest.
func (e *Engine) BindMountLatest(aliasPath, sourceMountPoint string) error {
	if err := bindMount(e.mounter, sourceMountPoint, aliasPath); err != nil {
		return apexerr.Wrap(apexerr.MountFailed, "mount.BindMountLatest", aliasPath, err)
	}
	return nil
}

// UnmountPackage reverses MountPackage for a package identified by
// (name, sourcePath) looked up in the registry.
func (e *Engine) UnmountPackage(name, sourcePath string) error {
	record, ok := e.registry.Lookup(name, sourcePath)
	if !ok {
		return apexerr.New(apexerr.NotFound, "mount.UnmountPackage", sourcePath, "no active record")
	}
	if record.IsLatest {
		return apexerr.New(apexerr.IsActive, "mount.UnmountPackage", sourcePath,
			"package is the latest alias target; unbind the alias first")
	}

	if err := lazyUnmount(e.mounter, record.MountPoint); err != nil {
		e.log.Warn("unmount failed", "path", record.MountPoint, "error", err)
	}

	if err := e.registry.Remove(name, sourcePath); err != nil {
		return err
	}

	if err := os.Remove(record.MountPoint); err != nil && !os.IsNotExist(err) {
		e.log.Warn("failed to remove mount point directory", "path", record.MountPoint, "error", err)
	}

	if record.DmNodeName != "" {
		if err := e.verityDevs.Remove(record.DmNodeName); err != nil {
			e.log.Warn("failed to remove verity node during unmount", "name", record.DmNodeName, "error", err)
		}
	}
	if record.LoopDeviceName != "" {
		if err := e.loops.ReleaseByName(record.LoopDeviceName); err != nil {
			e.log.Warn("failed to release loop device during unmount", "name", record.LoopDeviceName, "error", err)
		}
	}
	return nil
}

// LazyUnmountAndRemove detaches path and removes it if empty
// afterward, without consulting the registry. Used by the startup
// sweep, which is tearing down whatever a prior unclean exit left
// behind rather than reversing a mount this process itself set up.
func (e *Engine) LazyUnmountAndRemove(path string) error {
	if err := lazyUnmount(e.mounter, path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// lazyUnmount detaches mountPoint, tolerating the case where it is
// already gone or was never a mount point.
func lazyUnmount(m Mounter, mountPoint string) error {
	err := m.Unmount(mountPoint, unix.UMOUNT_NOFOLLOW|unix.MNT_DETACH)
	if err == nil || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}
