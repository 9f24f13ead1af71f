// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"testing"

	"github.com/apexdaemon/apexd/internal/apexerr"
)

func TestParse(t *testing.T) {
	data := []byte(`{"name":"com.example.apex","version":1}`)
	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Name != "com.example.apex" || m.Version != 1 {
		t.Fatalf("Parse = %+v", m)
	}
	if got, want := m.PackageID(), "com.example.apex@1"; got != want {
		t.Errorf("PackageID = %q, want %q", got, want)
	}
}

func TestParseWithHooks(t *testing.T) {
	data := []byte(`{"name":"com.example.apex","version":2,"preInstallHook":"bin/pre","postInstallHook":"bin/post"}`)
	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.PreInstallHook != "bin/pre" || m.PostInstallHook != "bin/post" {
		t.Fatalf("Parse = %+v", m)
	}
}

func TestParseEmptyName(t *testing.T) {
	_, err := Parse([]byte(`{"name":"","version":1}`))
	if !apexerr.Is(err, apexerr.BadManifest) {
		t.Fatalf("Parse = %v, want BadManifest", err)
	}
}

func TestParseMissingVersion(t *testing.T) {
	_, err := Parse([]byte(`{"name":"com.example.apex"}`))
	if !apexerr.Is(err, apexerr.BadManifest) {
		t.Fatalf("Parse = %v, want BadManifest", err)
	}
}

func TestParseNonIntegerVersion(t *testing.T) {
	_, err := Parse([]byte(`{"name":"com.example.apex","version":"abc"}`))
	if !apexerr.Is(err, apexerr.BadManifest) {
		t.Fatalf("Parse = %v, want BadManifest", err)
	}
}

func TestParseFractionalVersion(t *testing.T) {
	_, err := Parse([]byte(`{"name":"com.example.apex","version":1.5}`))
	if !apexerr.Is(err, apexerr.BadManifest) {
		t.Fatalf("Parse = %v, want BadManifest", err)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	if !apexerr.Is(err, apexerr.BadManifest) {
		t.Fatalf("Parse = %v, want BadManifest", err)
	}
}
