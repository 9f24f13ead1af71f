// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package kioctl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const dmControlPath = "/dev/mapper/control"

// Device-mapper ioctl command numbers, from
// include/uapi/linux/dm-ioctl.h. golang.org/x/sys/unix does not
// expose these; device-mapper is not a stable enough surface for the
// stdlib maintainers to have adopted it, so every dm-aware Go program
// (dm-crypt tools, container runtimes) hand-rolls this same table.
const (
	dmVersion      = 0xc138fd00
	dmDeviceCreate = 0xc138fd03
	dmDeviceRemove = 0xc138fd04
	dmDeviceStatus = 0xc138fd07
	dmTableLoad    = 0xc138fd09
	dmTableClear   = 0xc138fd0a
	dmDeviceSuspend = 0xc138fd06

	dmIoctlVersion = 4
	dmNameLen      = 128
	dmUUIDLen      = 129
	dmMaxTypeName  = 16

	dmBufferSize = 16 * 1024
)

// dmIoctlHeader mirrors struct dm_ioctl. Padding fields keep the
// layout identical to the kernel's; field order and sizes must not
// change.
type dmIoctlHeader struct {
	Version       [3]uint32
	DataSize      uint32
	DataStart     uint32
	TargetCount   uint32
	OpenCount     int32
	Flags         uint32
	EventNr       uint32
	_padding      uint32
	Dev           uint64
	Name          [dmNameLen]byte
	UUID          [dmUUIDLen]byte
	_padding2     [7]byte
}

// dmTargetSpec mirrors struct dm_target_spec, immediately followed in
// the ioctl buffer by the NUL-terminated target parameter string.
type dmTargetSpec struct {
	SectorStart uint64
	Length      uint64
	Status      int32
	Next        uint32
	TargetType  [dmMaxTypeName]byte
}

func newHeader(name string) dmIoctlHeader {
	var h dmIoctlHeader
	h.Version = [3]uint32{dmIoctlVersion, 0, 0}
	copy(h.Name[:], name)
	return h
}

func dmIoctl(cmd uintptr, buf []byte) error {
	ctl, err := os.OpenFile(dmControlPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", dmControlPath, err)
	}
	defer ctl.Close()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, ctl.Fd(), cmd, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

// DmCreate creates an empty (tableless) dm device named name.
func DmCreate(name string) error {
	buf := make([]byte, dmBufferSize)
	h := newHeader(name)
	h.DataSize = uint32(len(buf))
	writeHeader(buf, h)
	return dmIoctl(dmDeviceCreate, buf)
}

// DmRemove deletes a dm device by name.
func DmRemove(name string) error {
	buf := make([]byte, dmBufferSize)
	h := newHeader(name)
	h.DataSize = uint32(len(buf))
	writeHeader(buf, h)
	return dmIoctl(dmDeviceRemove, buf)
}

// DmLoadTable loads a single-target table (e.g. "verity") into an
// existing dm device and resumes it, making it active.
func DmLoadTable(name, targetType, params string, sectors uint64) error {
	buf := make([]byte, dmBufferSize)
	h := newHeader(name)
	h.TargetCount = 1
	dataStart := uint32(binary.Size(dmIoctlHeader{}))
	h.DataStart = dataStart

	spec := dmTargetSpec{
		SectorStart: 0,
		Length:      sectors,
	}
	copy(spec.TargetType[:], targetType)

	specBytes := new(bytes.Buffer)
	binary.Write(specBytes, binary.LittleEndian, spec)
	paramBytes := append([]byte(params), 0)
	// dm requires each target spec (plus params) to be padded to an
	// 8-byte boundary.
	total := specBytes.Len() + len(paramBytes)
	if pad := (8 - total%8) % 8; pad > 0 {
		paramBytes = append(paramBytes, make([]byte, pad)...)
	}

	h.DataSize = dataStart + uint32(specBytes.Len()+len(paramBytes))
	writeHeader(buf, h)
	offset := int(dataStart)
	copy(buf[offset:], specBytes.Bytes())
	copy(buf[offset+specBytes.Len():], paramBytes)

	if err := dmIoctl(dmTableLoad, buf); err != nil {
		return fmt.Errorf("DM_TABLE_LOAD: %w", err)
	}

	// Resume (activate) the loaded table.
	resumeBuf := make([]byte, dmBufferSize)
	rh := newHeader(name)
	rh.DataSize = uint32(len(resumeBuf))
	writeHeader(resumeBuf, rh)
	if err := dmIoctl(dmDeviceSuspend, resumeBuf); err != nil {
		return fmt.Errorf("DM_DEV_SUSPEND (resume): %w", err)
	}
	return nil
}

// DmExists reports whether a dm device with the given name is
// currently registered.
func DmExists(name string) bool {
	buf := make([]byte, dmBufferSize)
	h := newHeader(name)
	h.DataSize = uint32(len(buf))
	writeHeader(buf, h)
	return dmIoctl(dmDeviceStatus, buf) == nil
}

func writeHeader(buf []byte, h dmIoctlHeader) {
	w := bytes.NewBuffer(buf[:0])
	binary.Write(w, binary.LittleEndian, h)
	copy(buf, w.Bytes())
}
