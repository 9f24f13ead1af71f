// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"archive/zip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apexdaemon/apexd/internal/archive"
	"github.com/apexdaemon/apexd/internal/clock"
	"github.com/apexdaemon/apexd/internal/loopdev"
	"github.com/apexdaemon/apexd/internal/manifest"
	"github.com/apexdaemon/apexd/internal/registry"
	"github.com/apexdaemon/apexd/internal/verity"
	"github.com/apexdaemon/apexd/internal/veritydev"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDescriptor() verity.HashtreeDescriptor {
	return verity.HashtreeDescriptor{
		ImageSize:       4096,
		TreeOffset:      4096,
		DataBlockSize:   4096,
		HashBlockSize:   4096,
		DmVerityVersion: 1,
		HashAlgorithm:   "sha256",
		RootDigest:      []byte{1, 2, 3, 4},
		Salt:            []byte{5, 6},
	}
}

// buildTestPackage writes a signed, non-flattened package and returns
// its opened archive, parsed manifest, and the directory holding its
// trusted public key.
func buildTestPackage(t *testing.T, name string, version uint64) (*archive.Archive, *manifest.Manifest, string) {
	t.Helper()

	key, err := verity.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	imageWithFooter, err := key.AppendFooter([]byte("fake ext4 payload"), testDescriptor())
	if err != nil {
		t.Fatalf("AppendFooter: %v", err)
	}

	path := filepath.Join(t.TempDir(), "pkg.apex")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w := zip.NewWriter(f)
	imgWriter, _ := w.CreateHeader(&zip.FileHeader{Name: "image.img", Method: zip.Store})
	imgWriter.Write(imageWithFooter)
	manifestJSON := []byte(`{"name":"` + name + `","version":` + itoa(version) + `}`)
	manWriter, _ := w.CreateHeader(&zip.FileHeader{Name: "manifest.json", Method: zip.Store})
	manWriter.Write(manifestJSON)
	w.Close()
	f.Close()

	a, err := archive.Open(path)
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	m, err := manifest.Parse(a.ManifestData)
	if err != nil {
		t.Fatalf("manifest.Parse: %v", err)
	}

	keyDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(keyDir, name+".avbpubkey"), key.PublicKeyDER(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return a, m, keyDir
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	digits := []byte{}
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

func newTestEngine(keyDir string, mounter *FakeMounter, fakeClock clock.Clock) (*Engine, *loopdev.FakeBackend, *veritydev.FakeBackend, *registry.Registry) {
	loopBackend := loopdev.NewFake()
	verityBackend := veritydev.NewFake()
	reg := registry.New()
	e := New(Config{
		Loops:          loopdev.New(loopBackend, discardLogger()),
		VerityDevs:     veritydev.New(verityBackend, discardLogger()),
		Registry:       reg,
		Clock:          fakeClock,
		Mounter:        mounter,
		Log:            discardLogger(),
		TrustedKeyDirs: []string{keyDir},
	})
	return e, loopBackend, verityBackend, reg
}

func TestMountPackageNonFlattened(t *testing.T) {
	a, m, keyDir := buildTestPackage(t, "com.example.apex", 1)
	defer a.Close()

	mounter := NewFakeMounter()
	e, loopBackend, verityBackend, _ := newTestEngine(keyDir, mounter, clock.Fake(time.Unix(0, 0)))

	mountPoint := filepath.Join(t.TempDir(), "com.example.apex@1")
	record, err := e.MountPackage(Package{
		Path:     a.Path,
		Manifest: m,
		Archive:  a,
	}, mountPoint)
	if err != nil {
		t.Fatalf("MountPackage: %v", err)
	}

	if record.LoopDeviceName == "" {
		t.Error("record.LoopDeviceName empty")
	}
	if record.DmNodeName != "com.example.apex@1" {
		t.Errorf("record.DmNodeName = %q", record.DmNodeName)
	}
	if !mounter.IsMounted(mountPoint) {
		t.Error("mount point not recorded as mounted")
	}
	if loopBackend.BoundCount() != 1 {
		t.Errorf("BoundCount = %d, want 1", loopBackend.BoundCount())
	}
	if verityBackend.Count() != 1 {
		t.Errorf("verity device count = %d, want 1", verityBackend.Count())
	}
}

func TestMountPackageRetriesOnDeviceNodeRace(t *testing.T) {
	a, m, keyDir := buildTestPackage(t, "com.example.apex", 1)
	defer a.Close()

	mounter := NewFakeMounter()
	mountPoint := filepath.Join(t.TempDir(), "com.example.apex@1")
	mounter.FailMountAttempts(mountPoint, 2)

	fakeClock := clock.Fake(time.Unix(0, 0))
	e, _, _, _ := newTestEngine(keyDir, mounter, fakeClock)

	_, err := e.MountPackage(Package{Path: a.Path, Manifest: m, Archive: a}, mountPoint)
	if err != nil {
		t.Fatalf("MountPackage: %v", err)
	}
	if got := mounter.MountAttempts(mountPoint); got != 3 {
		t.Errorf("MountAttempts = %d, want 3", got)
	}
	if sleeps := fakeClock.Sleeps(); len(sleeps) != 2 {
		t.Errorf("len(Sleeps) = %d, want 2", len(sleeps))
	}
}

func TestMountPackageFailsAfterExhaustingRetries(t *testing.T) {
	a, m, keyDir := buildTestPackage(t, "com.example.apex", 1)
	defer a.Close()

	mounter := NewFakeMounter()
	mountPoint := filepath.Join(t.TempDir(), "com.example.apex@1")
	mounter.FailMountAttempts(mountPoint, mountAttempts)

	e, loopBackend, verityBackend, _ := newTestEngine(keyDir, mounter, clock.Fake(time.Unix(0, 0)))

	_, err := e.MountPackage(Package{Path: a.Path, Manifest: m, Archive: a}, mountPoint)
	if err == nil {
		t.Fatal("MountPackage succeeded, want error")
	}
	if _, statErr := os.Stat(mountPoint); statErr == nil {
		t.Error("mount point directory not cleaned up after failure")
	}
	if loopBackend.BoundCount() != 0 {
		t.Error("loop device not released after failed mount")
	}
	if verityBackend.Count() != 0 {
		t.Error("verity device not released after failed mount")
	}
}

func TestMountPackageUntrustedKeyFails(t *testing.T) {
	a, m, _ := buildTestPackage(t, "com.example.apex", 1)
	defer a.Close()

	mounter := NewFakeMounter()
	untrustedDir := t.TempDir() // no key file placed here
	e, _, _, _ := newTestEngine(untrustedDir, mounter, clock.Fake(time.Unix(0, 0)))

	mountPoint := filepath.Join(t.TempDir(), "com.example.apex@1")
	_, err := e.MountPackage(Package{Path: a.Path, Manifest: m, Archive: a}, mountPoint)
	if err == nil {
		t.Fatal("MountPackage succeeded, want verity failure")
	}
}

func TestMountFlattenedPackage(t *testing.T) {
	mounter := NewFakeMounter()
	e, _, _, _ := newTestEngine(t.TempDir(), mounter, clock.Fake(time.Unix(0, 0)))

	sourceDir := t.TempDir()
	mountPoint := filepath.Join(t.TempDir(), "com.example.apex")
	m := &manifest.Manifest{Name: "com.example.apex", Version: 1}

	record, err := e.MountPackage(Package{
		Path:          sourceDir,
		Manifest:      m,
		Flattened:     true,
		OnSystemImage: true,
	}, mountPoint)
	if err != nil {
		t.Fatalf("MountPackage: %v", err)
	}
	if record.LoopDeviceName != "" {
		t.Errorf("LoopDeviceName = %q, want empty for flattened package", record.LoopDeviceName)
	}
	if !mounter.IsMounted(mountPoint) {
		t.Error("flattened mount point not recorded as mounted")
	}
}

func TestMountFlattenedPackageOffSystemRejected(t *testing.T) {
	mounter := NewFakeMounter()
	e, _, _, _ := newTestEngine(t.TempDir(), mounter, clock.Fake(time.Unix(0, 0)))

	m := &manifest.Manifest{Name: "com.example.apex", Version: 1}
	_, err := e.MountPackage(Package{
		Path:      t.TempDir(),
		Manifest:  m,
		Flattened: true,
	}, filepath.Join(t.TempDir(), "com.example.apex"))
	if err == nil {
		t.Fatal("MountPackage succeeded for off-system flattened package, want error")
	}
}

func TestUnmountPackage(t *testing.T) {
	a, m, keyDir := buildTestPackage(t, "com.example.apex", 1)
	defer a.Close()

	mounter := NewFakeMounter()
	e, loopBackend, verityBackend, reg := newTestEngine(keyDir, mounter, clock.Fake(time.Unix(0, 0)))

	mountPoint := filepath.Join(t.TempDir(), "com.example.apex@1")
	record, err := e.MountPackage(Package{Path: a.Path, Manifest: m, Archive: a}, mountPoint)
	if err != nil {
		t.Fatalf("MountPackage: %v", err)
	}
	if err := reg.Add("com.example.apex", record, false); err != nil {
		t.Fatalf("registry.Add: %v", err)
	}

	if err := e.UnmountPackage("com.example.apex", a.Path); err != nil {
		t.Fatalf("UnmountPackage: %v", err)
	}
	if mounter.IsMounted(mountPoint) {
		t.Error("mount point still mounted after UnmountPackage")
	}
	if loopBackend.BoundCount() != 0 {
		t.Error("loop device not released after UnmountPackage")
	}
	if verityBackend.Count() != 0 {
		t.Error("verity device not released after UnmountPackage")
	}
	if _, ok := reg.Lookup("com.example.apex", a.Path); ok {
		t.Error("registry record not removed after UnmountPackage")
	}
}

func TestUnmountPackageLatestRejected(t *testing.T) {
	mounter := NewFakeMounter()
	e, _, _, reg := newTestEngine(t.TempDir(), mounter, clock.Fake(time.Unix(0, 0)))

	reg.Add("com.example.apex", registry.Record{Version: 1, SourceFilePath: "/pkg"}, true)
	if err := e.UnmountPackage("com.example.apex", "/pkg"); err == nil {
		t.Fatal("UnmountPackage succeeded for latest record, want IsActive error")
	}
}

func TestUnmountPackageNotFound(t *testing.T) {
	mounter := NewFakeMounter()
	e, _, _, _ := newTestEngine(t.TempDir(), mounter, clock.Fake(time.Unix(0, 0)))

	if err := e.UnmountPackage("com.example.apex", "/missing"); err == nil {
		t.Fatal("UnmountPackage succeeded for unknown record, want NotFound")
	}
}
