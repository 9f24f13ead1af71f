// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package verity extracts the signed hashtree descriptor and embedded
// public key from a package's image, and validates that key against a
// trusted key directory. It is the sole cryptographic gate in the
// activation pipeline: no step past Verify may depend on bytes from
// the image without this check having passed.
package verity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apexdaemon/apexd/internal/apexerr"
	"github.com/apexdaemon/apexd/internal/archive"
	"github.com/apexdaemon/apexd/internal/digest"
)

// HashtreeDescriptor carries the dm-verity target parameters signed
// into the package.
type HashtreeDescriptor struct {
	ImageSize       uint64
	TreeOffset      uint64
	DataBlockSize   uint32
	HashBlockSize   uint32
	DmVerityVersion uint32
	HashAlgorithm   string
	RootDigest      []byte
	Salt            []byte
}

// Data is the result of a successful verification: the descriptor
// plus the public key it was signed with. Never cached across
// activations; Verify is called fresh on every mount.
type Data struct {
	Descriptor HashtreeDescriptor
	PublicKey  []byte
}

// footerRegionSize is generously larger than any real vbmeta blob for
// a package's hashtree descriptor plus a 4096-bit RSA key and
// signature. Verify reads this many trailing bytes of the image once,
// then locates the footer within it, avoiding two separate seeks for
// the common case.
const footerRegionSize = 8192

// Verify extracts the hashtree descriptor and embedded public key
// from the tail of the archive's image, checks the self-consistency
// signature, and requires the embedded key be bit-identical to a
// "<name>.avbpubkey" file in one of keyDirs.
func Verify(a *archive.Archive, name string, keyDirs []string) (*Data, error) {
	region, err := readFooterRegion(a)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.VerityBadSignature, "verity.Verify", a.Path, err)
	}

	f, err := decodeFooter(region[len(region)-footerSize:])
	if err != nil {
		return nil, apexerr.Wrap(apexerr.VerityBadSignature, "verity.Verify", a.Path, err)
	}
	if f.VBMetaSize == 0 || f.VBMetaSize > uint64(len(region)-footerSize) {
		return nil, apexerr.New(apexerr.VerityBadSignature, "verity.Verify", a.Path, "vbmeta size out of range")
	}
	vbmetaStart := uint64(len(region)) - footerSize - f.VBMetaSize
	meta, err := decodeVBMeta(region[vbmetaStart : vbmetaStart+f.VBMetaSize])
	if err != nil {
		return nil, apexerr.Wrap(apexerr.VerityBadSignature, "verity.Verify", a.Path, err)
	}

	publicKey, err := x509.ParsePKCS1PublicKey(meta.PublicKey)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.VerityBadSignature, "verity.Verify", a.Path, err)
	}

	signed := append(encodeDescriptor(meta.Descriptor), meta.PublicKey...)
	digest := sha256.Sum256(signed)
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], meta.Signature); err != nil {
		return nil, apexerr.New(apexerr.VerityBadSignature, "verity.Verify", a.Path, "signature does not verify")
	}

	if err := requireTrustedKey(name, meta.PublicKey, keyDirs); err != nil {
		return nil, err
	}

	return &Data{Descriptor: meta.Descriptor, PublicKey: meta.PublicKey}, nil
}

func readFooterRegion(a *archive.Archive) ([]byte, error) {
	file, err := os.Open(a.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	regionSize := int64(footerRegionSize)
	if regionSize > a.ImageSize {
		regionSize = a.ImageSize
	}
	region := make([]byte, regionSize)
	if _, err := file.ReadAt(region, a.ImageOffset+a.ImageSize-regionSize); err != nil {
		return nil, err
	}
	return region, nil
}

// requireTrustedKey implements the trust decision: the embedded key
// must appear, byte for byte, as "<name>.avbpubkey" in at least one of
// keyDirs. The directories are checked in order; the first match wins.
func requireTrustedKey(name string, embeddedKey []byte, keyDirs []string) error {
	fileName := name + ".avbpubkey"
	var lastReadErr error
	found := false
	for _, dir := range keyDirs {
		trustedKey, err := os.ReadFile(filepath.Join(dir, fileName))
		if err != nil {
			lastReadErr = err
			continue
		}
		found = true
		if !digest.Equal(trustedKey, embeddedKey) {
			return apexerr.New(apexerr.VerityKeyMismatch, "verity.Verify", name,
				fmt.Sprintf("embedded key does not match %s", filepath.Join(dir, fileName)))
		}
		return nil
	}
	if !found {
		msg := fmt.Sprintf("no trusted key file %q found in any of %v", fileName, keyDirs)
		if lastReadErr != nil {
			msg = fmt.Sprintf("%s (last error: %v)", msg, lastReadErr)
		}
		return apexerr.New(apexerr.VerityNoKey, "verity.Verify", name, msg)
	}
	return nil
}

// SigningKey is the key material used to append a verity footer to a
// package image at build time. Production activation never signs;
// this exists so tests (and a future offline packaging tool) can
// produce valid fixtures without shelling out to an external signer.
type SigningKey struct {
	private *rsa.PrivateKey
}

// GenerateSigningKey creates a fresh RSA-2048 key pair for tests.
func GenerateSigningKey() (*SigningKey, error) {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &SigningKey{private: private}, nil
}

// PublicKeyDER returns the DER (PKCS1) encoding of the public key,
// the exact bytes a trusted "<name>.avbpubkey" file must contain.
func (k *SigningKey) PublicKeyDER() []byte {
	return x509.MarshalPKCS1PublicKey(&k.private.PublicKey)
}

// AppendFooter signs descriptor together with this key's public
// component and appends the resulting vbmeta blob plus footer to
// imageData, returning the extended image bytes.
func (k *SigningKey) AppendFooter(imageData []byte, descriptor HashtreeDescriptor) ([]byte, error) {
	publicKeyDER := k.PublicKeyDER()
	signed := append(encodeDescriptor(descriptor), publicKeyDER...)
	digest := sha256.Sum256(signed)
	signature, err := rsa.SignPKCS1v15(rand.Reader, k.private, crypto.SHA256, digest[:])
	if err != nil {
		return nil, err
	}

	vbmetaBytes := encodeVBMeta(vbmeta{Descriptor: descriptor, PublicKey: publicKeyDER, Signature: signature})
	footerBytes := encodeFooter(footer{
		VBMetaOffset: uint64(len(imageData)),
		VBMetaSize:   uint64(len(vbmetaBytes)),
	})

	out := make([]byte, 0, len(imageData)+len(vbmetaBytes)+len(footerBytes))
	out = append(out, imageData...)
	out = append(out, vbmetaBytes...)
	out = append(out, footerBytes...)
	return out, nil
}
