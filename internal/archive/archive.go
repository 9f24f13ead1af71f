// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive opens a package file and locates its two required
// entries without decompressing the payload: image.img, addressed by
// an absolute byte range within the archive file so it can be handed
// straight to a loop device, and manifest.json, extracted fully into
// memory.
package archive

import (
	"archive/zip"
	"fmt"
	"io"

	"github.com/apexdaemon/apexd/internal/apexerr"
)

const (
	imageEntryName    = "image.img"
	manifestEntryName = "manifest.json"
)

// Archive is an opened package file. It is immutable after
// construction and must be closed when no longer needed.
type Archive struct {
	Path         string
	ImageOffset  int64
	ImageSize    int64
	ManifestData []byte

	reader *zip.ReadCloser
}

// Open opens the zip archive at path and locates its image and
// manifest entries. The image entry must be stored uncompressed
// (zip.Store) since its bytes are addressed directly by offset in the
// backing file for loop-mounting: a compressed entry has no
// meaningful "offset in the file" for the kernel to loop over.
func Open(path string) (*Archive, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.OpenFailed, "archive.Open", path, err)
	}

	var imageEntry, manifestEntry *zip.File
	for _, file := range reader.File {
		switch file.Name {
		case imageEntryName:
			imageEntry = file
		case manifestEntryName:
			manifestEntry = file
		}
	}
	if imageEntry == nil || manifestEntry == nil {
		reader.Close()
		missing := imageEntryName
		if imageEntry != nil {
			missing = manifestEntryName
		}
		return nil, apexerr.New(apexerr.MissingEntry, "archive.Open", path,
			fmt.Sprintf("archive is missing required entry %q", missing))
	}
	if imageEntry.Method != zip.Store {
		reader.Close()
		return nil, apexerr.New(apexerr.OpenFailed, "archive.Open", path,
			fmt.Sprintf("image.img entry must be stored uncompressed, got compression method %d", imageEntry.Method))
	}

	offset, err := imageEntry.DataOffset()
	if err != nil {
		reader.Close()
		return nil, apexerr.Wrap(apexerr.OpenFailed, "archive.Open", path, err)
	}

	manifestReader, err := manifestEntry.Open()
	if err != nil {
		reader.Close()
		return nil, apexerr.Wrap(apexerr.OpenFailed, "archive.Open", path, err)
	}
	defer manifestReader.Close()

	manifestData, err := io.ReadAll(manifestReader)
	if err != nil {
		reader.Close()
		return nil, apexerr.Wrap(apexerr.OpenFailed, "archive.Open", path, err)
	}

	return &Archive{
		Path:         path,
		ImageOffset:  offset,
		ImageSize:    int64(imageEntry.UncompressedSize64),
		ManifestData: manifestData,
		reader:       reader,
	}, nil
}

// Close releases the underlying zip reader.
func (a *Archive) Close() error {
	if a.reader == nil {
		return nil
	}
	return a.reader.Close()
}
