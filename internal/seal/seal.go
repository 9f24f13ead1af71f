// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package seal encrypts a staged session's package summary at rest
// using age, so that reading the sessions directory alone does not
// reveal package names. This is a deliberately small subset of what
// an age wrapper can do: one identity, one recipient, no key escrow,
// no mmap-locked secret buffer. The identity spends most of its life
// sitting in a 0600 file already, so holding it in a locked memory
// region for the few milliseconds it is decrypted buys nothing; a
// plain byte slice is fine.
package seal

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/apexdaemon/apexd/internal/apexerr"
)

// identityFileName is the name of the on-disk age identity file
// within the daemon's state directory.
const identityFileName = "session_seal.key"

// Sealer encrypts and decrypts session payloads to a single fixed
// identity generated on first use and persisted to disk.
type Sealer struct {
	identity  *age.X25519Identity
	recipient age.Recipient
}

// Open loads the identity from <stateDir>/session_seal.key, creating
// one if it does not yet exist. The identity file is written with
// mode 0600; it is never logged or transmitted.
func Open(stateDir string) (*Sealer, error) {
	path := filepath.Join(stateDir, identityFileName)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		identity, parseErr := age.ParseX25519Identity(string(bytes.TrimSpace(raw)))
		if parseErr != nil {
			return nil, apexerr.Wrap(apexerr.SessionError, "seal.Open", path, parseErr)
		}
		return &Sealer{identity: identity, recipient: identity.Recipient()}, nil

	case os.IsNotExist(err):
		identity, genErr := age.GenerateX25519Identity()
		if genErr != nil {
			return nil, apexerr.Wrap(apexerr.SessionError, "seal.Open", path, genErr)
		}
		if writeErr := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); writeErr != nil {
			return nil, apexerr.Wrap(apexerr.SessionError, "seal.Open", path, writeErr)
		}
		return &Sealer{identity: identity, recipient: identity.Recipient()}, nil

	default:
		return nil, apexerr.Wrap(apexerr.SessionError, "seal.Open", path, err)
	}
}

// Seal encrypts plaintext to the sealer's own recipient.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var ciphertext bytes.Buffer
	w, err := age.Encrypt(&ciphertext, s.recipient)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.SessionError, "seal.Seal", "", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, apexerr.Wrap(apexerr.SessionError, "seal.Seal", "", err)
	}
	if err := w.Close(); err != nil {
		return nil, apexerr.Wrap(apexerr.SessionError, "seal.Seal", "", err)
	}
	return ciphertext.Bytes(), nil
}

// Unseal decrypts ciphertext previously produced by Seal.
func (s *Sealer) Unseal(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.SessionError, "seal.Unseal", "", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.SessionError, "seal.Unseal", "", err)
	}
	return plaintext, nil
}

// Recipient returns the sealer's public key string, for logging or
// diagnostics. Safe to expose.
func (s *Sealer) Recipient() string {
	return s.identity.Recipient().String()
}
