// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeaderSize is the width of the big-endian length prefix placed
// in front of every CBOR message on the wire: the same length-
// prefixed convention internal/verity's footer format uses for its
// variable-length fields, applied here to socket framing instead of
// relying on CBOR's self-delimiting decode plus a half-closed write
// side to mark the end of a message.
const frameHeaderSize = 4

func writeFrame(w io.Writer, payload []byte) error {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if int(size) > maxSize {
		return nil, fmt.Errorf("frame size %d exceeds limit %d", size, maxSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
