// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest parses the small identity document carried inside
// every package: its name, integer version, and optional pre/post
// install hook paths.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/apexdaemon/apexd/internal/apexerr"
)

// Manifest is a package's identity document.
type Manifest struct {
	Name            string `json:"name"`
	Version         uint64 `json:"version"`
	PreInstallHook  string `json:"preInstallHook,omitempty"`
	PostInstallHook string `json:"postInstallHook,omitempty"`
}

// wireManifest mirrors Manifest but decodes Version as json.Number so
// a non-integer version (e.g. "1.0" or a string) can be rejected with
// BadManifest instead of silently truncating.
type wireManifest struct {
	Name            string      `json:"name"`
	Version         json.Number `json:"version"`
	PreInstallHook  string      `json:"preInstallHook,omitempty"`
	PostInstallHook string      `json:"postInstallHook,omitempty"`
}

// Parse decodes manifest bytes into a Manifest, rejecting an empty
// name, a missing version, or a version that is not a non-negative
// integer.
func Parse(data []byte) (*Manifest, error) {
	var wire wireManifest
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&wire); err != nil {
		return nil, apexerr.Wrap(apexerr.BadManifest, "manifest.Parse", "", err)
	}

	if wire.Name == "" {
		return nil, apexerr.New(apexerr.BadManifest, "manifest.Parse", "", "manifest has empty name")
	}
	if wire.Version == "" {
		return nil, apexerr.New(apexerr.BadManifest, "manifest.Parse", "", "manifest is missing version")
	}

	version, err := strconv.ParseUint(wire.Version.String(), 10, 64)
	if err != nil {
		return nil, apexerr.New(apexerr.BadManifest, "manifest.Parse", "",
			fmt.Sprintf("manifest version %q is not a non-negative integer", wire.Version.String()))
	}

	return &Manifest{
		Name:            wire.Name,
		Version:         version,
		PreInstallHook:  wire.PreInstallHook,
		PostInstallHook: wire.PostInstallHook,
	}, nil
}

// PackageID returns the "<name>@<version>" identifier used as the
// per-version mount path component and dm node name.
func (m *Manifest) PackageID() string {
	return fmt.Sprintf("%s@%d", m.Name, m.Version)
}
