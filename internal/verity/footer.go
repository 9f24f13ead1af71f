// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package verity

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// The signature block appended to the end of image.img by the
// (out-of-scope) signing tool. Layout, from the tail of the image
// backward:
//
//	[ ext4 payload ][ vbmeta blob ][ 32-byte footer ]
//
// The footer is fixed-size and located at a fixed offset from the end
// of the image so it can be found without scanning; it records where
// the variable-length vbmeta blob starts and how long it is. This
// mirrors the shape of Android Verified Boot's footer/vbmeta split
// (see apexer.py's avbtool add_hashtree_footer invocation) without
// reproducing libavb's on-disk format bit-for-bit: the daemon's job is
// to enforce the trust decision (embedded key must match a trusted
// <name>.avbpubkey file), not to be a drop-in libavb reimplementation.
// Extracting the descriptor from a real AVB image is treated as an
// external collaborator's concern.
const (
	footerMagic   = "AVBF"
	footerSize    = 32
	vbmetaMagic   = "AVB0"
)

type footer struct {
	VBMetaOffset uint64 // relative to the start of the image
	VBMetaSize   uint64
}

func encodeFooter(f footer) []byte {
	buf := make([]byte, footerSize)
	copy(buf[0:4], footerMagic)
	binary.BigEndian.PutUint64(buf[4:12], f.VBMetaOffset)
	binary.BigEndian.PutUint64(buf[12:20], f.VBMetaSize)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != footerSize {
		return footer{}, fmt.Errorf("footer is %d bytes, want %d", len(buf), footerSize)
	}
	if string(buf[0:4]) != footerMagic {
		return footer{}, fmt.Errorf("bad footer magic %q", buf[0:4])
	}
	return footer{
		VBMetaOffset: binary.BigEndian.Uint64(buf[4:12]),
		VBMetaSize:   binary.BigEndian.Uint64(buf[12:20]),
	}, nil
}

// vbmeta is the variable-length blob the footer points at: the
// hashtree descriptor, the embedded public key (DER-encoded), and an
// RSA-PKCS1v15/SHA-256 signature over (descriptor || public key)
// computed with the private half of that same key. The signature
// proves the descriptor and key haven't been altered independently of
// each other; it does NOT by itself prove the key is trustworthy:
// that's the job of the bit-identical comparison against
// <name>.avbpubkey the caller performs separately.
type vbmeta struct {
	Descriptor HashtreeDescriptor
	PublicKey  []byte
	Signature  []byte
}

func encodeDescriptor(d HashtreeDescriptor) []byte {
	var buf bytes.Buffer
	var scratch [8]byte

	binary.BigEndian.PutUint64(scratch[:], d.ImageSize)
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], d.TreeOffset)
	buf.Write(scratch[:])

	var scratch4 [4]byte
	binary.BigEndian.PutUint32(scratch4[:], d.DataBlockSize)
	buf.Write(scratch4[:])
	binary.BigEndian.PutUint32(scratch4[:], d.HashBlockSize)
	buf.Write(scratch4[:])
	binary.BigEndian.PutUint32(scratch4[:], d.DmVerityVersion)
	buf.Write(scratch4[:])

	writeLenPrefixed(&buf, []byte(d.HashAlgorithm))
	writeLenPrefixed(&buf, d.RootDigest)
	writeLenPrefixed(&buf, d.Salt)

	return buf.Bytes()
}

func decodeDescriptor(data []byte) (HashtreeDescriptor, error) {
	r := bytes.NewReader(data)
	var d HashtreeDescriptor

	var u64 [8]byte
	if _, err := readFull(r, u64[:]); err != nil {
		return d, err
	}
	d.ImageSize = binary.BigEndian.Uint64(u64[:])
	if _, err := readFull(r, u64[:]); err != nil {
		return d, err
	}
	d.TreeOffset = binary.BigEndian.Uint64(u64[:])

	var u32 [4]byte
	if _, err := readFull(r, u32[:]); err != nil {
		return d, err
	}
	d.DataBlockSize = binary.BigEndian.Uint32(u32[:])
	if _, err := readFull(r, u32[:]); err != nil {
		return d, err
	}
	d.HashBlockSize = binary.BigEndian.Uint32(u32[:])
	if _, err := readFull(r, u32[:]); err != nil {
		return d, err
	}
	d.DmVerityVersion = binary.BigEndian.Uint32(u32[:])

	algorithm, err := readLenPrefixed(r)
	if err != nil {
		return d, err
	}
	d.HashAlgorithm = string(algorithm)

	d.RootDigest, err = readLenPrefixed(r)
	if err != nil {
		return d, err
	}
	d.Salt, err = readLenPrefixed(r)
	if err != nil {
		return d, err
	}
	return d, nil
}

// encodeVBMeta serializes the descriptor, public key, and signature
// into the blob the footer points at.
func encodeVBMeta(v vbmeta) []byte {
	var buf bytes.Buffer
	buf.WriteString(vbmetaMagic)
	writeLenPrefixed(&buf, encodeDescriptor(v.Descriptor))
	writeLenPrefixed(&buf, v.PublicKey)
	writeLenPrefixed(&buf, v.Signature)
	return buf.Bytes()
}

func decodeVBMeta(data []byte) (vbmeta, error) {
	if len(data) < 4 || string(data[:4]) != vbmetaMagic {
		return vbmeta{}, fmt.Errorf("bad vbmeta magic")
	}
	r := bytes.NewReader(data[4:])

	descriptorBytes, err := readLenPrefixed(r)
	if err != nil {
		return vbmeta{}, err
	}
	descriptor, err := decodeDescriptor(descriptorBytes)
	if err != nil {
		return vbmeta{}, err
	}
	publicKey, err := readLenPrefixed(r)
	if err != nil {
		return vbmeta{}, err
	}
	signature, err := readLenPrefixed(r)
	if err != nil {
		return vbmeta{}, err
	}
	return vbmeta{Descriptor: descriptor, PublicKey: publicKey, Signature: signature}, nil
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	buf.Write(length[:])
	buf.Write(data)
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := readFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	data := make([]byte, n)
	if _, err := readFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("short read: got %d bytes, want %d", n, len(buf))
	}
	return n, nil
}
