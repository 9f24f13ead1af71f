// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec wraps github.com/fxamacker/cbor/v2 with the wire
// configuration used by the daemon's control socket (internal/ipc):
// Core Deterministic Encoding on the way out, permissive decoding
// (unknown fields ignored) on the way in.
package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// Encoder and Decoder are aliased so consumers only import this
// package, not fxamacker/cbor directly.
type Encoder = cbor.Encoder
type Decoder = cbor.Decoder

// RawMessage delays CBOR decoding of a sub-value, used for the
// socket protocol's "data" field, whose shape depends on the action.
type RawMessage = cbor.RawMessage

func NewEncoder(w io.Writer) *Encoder { return encMode.NewEncoder(w) }
func NewDecoder(r io.Reader) *Decoder { return decMode.NewDecoder(r) }
