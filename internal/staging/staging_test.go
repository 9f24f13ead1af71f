// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package staging

import (
	"archive/zip"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/apexdaemon/apexd/internal/verity"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildSourceArchive writes a signed .apex file for name@version at a
// fresh path in dir and drops its trusted key into keyDir.
func buildSourceArchive(t *testing.T, dir, keyDir, name string, version uint64) string {
	t.Helper()

	key, err := verity.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	descriptor := verity.HashtreeDescriptor{
		ImageSize: 4096, TreeOffset: 4096,
		DataBlockSize: 4096, HashBlockSize: 4096,
		DmVerityVersion: 1, HashAlgorithm: "sha256",
		RootDigest: []byte{1, 2, 3}, Salt: []byte{4, 5},
	}
	image, err := key.AppendFooter([]byte("fake ext4 payload"), descriptor)
	if err != nil {
		t.Fatalf("AppendFooter: %v", err)
	}

	path := filepath.Join(dir, name+"-src.apex")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w := zip.NewWriter(f)
	imgW, _ := w.CreateHeader(&zip.FileHeader{Name: "image.img", Method: zip.Store})
	imgW.Write(image)
	manJSON := []byte(`{"name":"` + name + `","version":` + itoa(version) + `}`)
	manW, _ := w.CreateHeader(&zip.FileHeader{Name: "manifest.json", Method: zip.Store})
	manW.Write(manJSON)
	w.Close()
	f.Close()

	if err := os.WriteFile(filepath.Join(keyDir, name+".avbpubkey"), key.PublicKeyDER(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
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

func TestStageMovesFileIntoActiveDir(t *testing.T) {
	srcDir, keyDir, activeDir := t.TempDir(), t.TempDir(), filepath.Join(t.TempDir(), "active")
	src := buildSourceArchive(t, srcDir, keyDir, "com.example.apex", 1)

	e := New(activeDir, []string{keyDir}, discardLogger())
	result, err := e.Stage([]string{src}, false)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(result.Packages) != 1 {
		t.Fatalf("len(Packages) = %d, want 1", len(result.Packages))
	}
	want := filepath.Join(activeDir, "com.example.apex@1.apex")
	if result.Packages[0].StagedPath != want {
		t.Errorf("StagedPath = %q, want %q", result.Packages[0].StagedPath, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("staged file not present: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source file still present after rename-mode Stage")
	}
}

func TestStageLinkModeKeepsSource(t *testing.T) {
	srcDir, keyDir, activeDir := t.TempDir(), t.TempDir(), filepath.Join(t.TempDir(), "active")
	src := buildSourceArchive(t, srcDir, keyDir, "com.example.apex", 1)

	e := New(activeDir, []string{keyDir}, discardLogger())
	if _, err := e.Stage([]string{src}, true); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("source file removed after link-mode Stage")
	}
}

func TestStageFailFastLeavesNothingBehind(t *testing.T) {
	srcDir, keyDir, activeDir := t.TempDir(), t.TempDir(), filepath.Join(t.TempDir(), "active")
	good := buildSourceArchive(t, srcDir, keyDir, "com.example.good", 1)

	badPath := filepath.Join(srcDir, "bad.apex")
	if err := os.WriteFile(badPath, []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := New(activeDir, []string{keyDir}, discardLogger())
	if _, err := e.Stage([]string{good, badPath}, false); err == nil {
		t.Fatal("Stage succeeded despite a bad archive, want error")
	}
	if _, err := os.Stat(activeDir); !os.IsNotExist(err) {
		entries, _ := os.ReadDir(activeDir)
		if len(entries) != 0 {
			t.Errorf("ActiveDir has %d entries after a failed batch, want 0", len(entries))
		}
	}
	if _, err := os.Stat(good); err != nil {
		t.Error("good source file was consumed despite the batch failing")
	}
}

func TestStageRemovesSupersededVersion(t *testing.T) {
	srcDir, keyDir, activeDir := t.TempDir(), t.TempDir(), filepath.Join(t.TempDir(), "active")
	e := New(activeDir, []string{keyDir}, discardLogger())

	srcV1 := buildSourceArchive(t, srcDir, keyDir, "com.example.apex", 1)
	if _, err := e.Stage([]string{srcV1}, false); err != nil {
		t.Fatalf("Stage v1: %v", err)
	}

	srcV2 := buildSourceArchive(t, srcDir, keyDir, "com.example.apex", 2)
	if _, err := e.Stage([]string{srcV2}, false); err != nil {
		t.Fatalf("Stage v2: %v", err)
	}

	if _, err := os.Stat(filepath.Join(activeDir, "com.example.apex@1.apex")); !os.IsNotExist(err) {
		t.Error("superseded v1 file still present after staging v2")
	}
	if _, err := os.Stat(filepath.Join(activeDir, "com.example.apex@2.apex")); err != nil {
		t.Errorf("v2 file missing: %v", err)
	}
}

type fakeHookRunner struct {
	failPreInstall  bool
	failPostInstall bool
}

func (h fakeHookRunner) RunPreInstall(pkgs []*VerifiedPackage) error {
	if h.failPreInstall {
		return errors.New("pre-install hook failed")
	}
	return nil
}

func (h fakeHookRunner) RunPostInstall(pkgs []*VerifiedPackage) error {
	if h.failPostInstall {
		return errors.New("post-install hook failed")
	}
	return nil
}

func TestStagePreInstallHookFailureLeavesActiveDirEmpty(t *testing.T) {
	srcDir, keyDir, activeDir := t.TempDir(), t.TempDir(), filepath.Join(t.TempDir(), "active")
	src := buildSourceArchive(t, srcDir, keyDir, "com.example.apex", 1)

	e := New(activeDir, []string{keyDir}, discardLogger())
	e.HookRunner = fakeHookRunner{failPreInstall: true}

	if _, err := e.Stage([]string{src}, false); err == nil {
		t.Fatal("Stage succeeded despite a failing pre-install hook, want error")
	}
	if _, err := os.Stat(activeDir); !os.IsNotExist(err) {
		t.Error("ActiveDir created despite a failing pre-install hook")
	}
}

func TestStagePostInstallHookFailureUnwindsPlacedFiles(t *testing.T) {
	srcDir, keyDir, activeDir := t.TempDir(), t.TempDir(), filepath.Join(t.TempDir(), "active")
	src := buildSourceArchive(t, srcDir, keyDir, "com.example.apex", 1)

	e := New(activeDir, []string{keyDir}, discardLogger())
	e.HookRunner = fakeHookRunner{failPostInstall: true}

	if _, err := e.Stage([]string{src}, false); err == nil {
		t.Fatal("Stage succeeded despite a failing post-install hook, want error")
	}
	if _, err := os.Stat(filepath.Join(activeDir, "com.example.apex@1.apex")); !os.IsNotExist(err) {
		t.Error("staged file still present after a failing post-install hook")
	}
}

func TestStageUntrustedKeyFailsBatch(t *testing.T) {
	srcDir, keyDir, activeDir := t.TempDir(), t.TempDir(), filepath.Join(t.TempDir(), "active")
	src := buildSourceArchive(t, srcDir, t.TempDir(), "com.example.apex", 1) // key written to a different dir

	e := New(activeDir, []string{keyDir}, discardLogger())
	if _, err := e.Stage([]string{src}, false); err == nil {
		t.Fatal("Stage succeeded with an untrusted key, want error")
	}
}
