// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest provides hex encoding helpers for the SHA-256
// digests and public keys the verity pipeline compares by exact
// byte equality: the embedded AVB public key against the
// <name>.avbpubkey file on disk, and the hashtree root digest and
// salt carried in log lines and mount records.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HashFile computes the SHA-256 digest of the file at path, streamed
// through the hash function so memory use is constant regardless of
// file size.
func HashFile(path string) ([32]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return [32]byte{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out, nil
}

// Format returns the lowercase hex encoding of digest, the canonical
// format used in log output and dm-verity target arguments.
func Format(digest []byte) string {
	return hex.EncodeToString(digest)
}

// Equal reports whether two byte strings are identical, without any
// length-independent-timing guarantee: key comparisons here compare
// public material (the AVB public key and the on-disk trust anchor),
// not secrets, so constant-time comparison is not required.
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
