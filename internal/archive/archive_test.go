// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/apexdaemon/apexd/internal/apexerr"
)

func writeTestArchive(t *testing.T, entries map[string][]byte, compressImage bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.apex")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for name, data := range entries {
		method := zip.Store
		if name == imageEntryName && compressImage {
			method = zip.Deflate
		}
		header := &zip.FileHeader{Name: name, Method: method}
		entryWriter, err := w.CreateHeader(header)
		if err != nil {
			t.Fatalf("CreateHeader(%s): %v", name, err)
		}
		if _, err := entryWriter.Write(data); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}
	return path
}

func TestOpen(t *testing.T) {
	imageData := []byte("fake ext4 payload")
	manifestData := []byte(`{"name":"com.example.apex","version":1}`)
	path := writeTestArchive(t, map[string][]byte{
		imageEntryName:    imageData,
		manifestEntryName: manifestData,
	}, false)

	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if a.ImageSize != int64(len(imageData)) {
		t.Errorf("ImageSize = %d, want %d", a.ImageSize, len(imageData))
	}
	if string(a.ManifestData) != string(manifestData) {
		t.Errorf("ManifestData = %q, want %q", a.ManifestData, manifestData)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open backing file: %v", err)
	}
	defer f.Close()
	buf := make([]byte, a.ImageSize)
	if _, err := f.ReadAt(buf, a.ImageOffset); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != string(imageData) {
		t.Errorf("data at ImageOffset = %q, want %q", buf, imageData)
	}
}

func TestOpenMissingImage(t *testing.T) {
	path := writeTestArchive(t, map[string][]byte{
		manifestEntryName: []byte(`{"name":"x","version":1}`),
	}, false)

	_, err := Open(path)
	if !apexerr.Is(err, apexerr.MissingEntry) {
		t.Fatalf("Open = %v, want MissingEntry", err)
	}
}

func TestOpenMissingManifest(t *testing.T) {
	path := writeTestArchive(t, map[string][]byte{
		imageEntryName: []byte("payload"),
	}, false)

	_, err := Open(path)
	if !apexerr.Is(err, apexerr.MissingEntry) {
		t.Fatalf("Open = %v, want MissingEntry", err)
	}
}

func TestOpenCompressedImageRejected(t *testing.T) {
	path := writeTestArchive(t, map[string][]byte{
		imageEntryName:    []byte("this compresses just fine, unfortunately for the test"),
		manifestEntryName: []byte(`{"name":"x","version":1}`),
	}, true)

	_, err := Open(path)
	if !apexerr.Is(err, apexerr.OpenFailed) {
		t.Fatalf("Open = %v, want OpenFailed", err)
	}
}

func TestOpenNotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-zip.apex")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := Open(path)
	if !apexerr.Is(err, apexerr.OpenFailed) {
		t.Fatalf("Open = %v, want OpenFailed", err)
	}
}
