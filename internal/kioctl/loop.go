// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package kioctl wraps the raw Linux ioctl calls the loop-device and
// device-mapper managers need. golang.org/x/sys/unix covers the loop
// ioctls directly (IoctlLoopGetStatus64 and friends); device-mapper
// has no such wrapper, so dm.go in this package mirrors the kernel
// UAPI header (include/uapi/linux/dm-ioctl.h) by hand, the way every
// other dm-aware Go program does.
package kioctl

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	loopControlPath = "/dev/loop-control"
	loopDevicePath  = "/dev/loop%d"
)

// NextFreeLoop asks the kernel for the number of an unused loop
// device via LOOP_CTL_GET_FREE, creating one if none is idle.
func NextFreeLoop() (int, error) {
	ctl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", loopControlPath, err)
	}
	defer ctl.Close()

	number, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return 0, fmt.Errorf("LOOP_CTL_GET_FREE: %w", err)
	}
	return number, nil
}

// LoopPath returns the device node path for a loop device number.
func LoopPath(number int) string {
	return fmt.Sprintf(loopDevicePath, number)
}

// LoopBind attaches backingFile's [offset, offset+size) range to the
// loop device open on loopFd, tagged with the given identifier so
// DestroyOrphans can later recognize devices this daemon owns.
func LoopBind(loopFd, backingFd int, offset, size uint64, tag string) error {
	if err := unix.IoctlSetInt(loopFd, unix.LOOP_SET_FD, backingFd); err != nil {
		return fmt.Errorf("LOOP_SET_FD: %w", err)
	}

	info := unix.LoopInfo64{
		Offset:    offset,
		Sizelimit: size,
	}
	copy(info.File_name[:], tag)

	if err := unix.IoctlLoopSetStatus64(loopFd, &info); err != nil {
		unix.IoctlSetInt(loopFd, unix.LOOP_CLR_FD, 0)
		return fmt.Errorf("LOOP_SET_STATUS64: %w", err)
	}
	return nil
}

// LoopStatus reads back a loop device's current status, used by
// DestroyOrphans to inspect the identifier tag left by LoopBind.
func LoopStatus(loopFd int) (unix.LoopInfo64, error) {
	info, err := unix.IoctlLoopGetStatus64(loopFd)
	if err != nil {
		return unix.LoopInfo64{}, fmt.Errorf("LOOP_GET_STATUS64: %w", err)
	}
	return *info, nil
}

// LoopSetDirectIO enables O_DIRECT-style I/O on the loop device.
// Not supported on every kernel; the caller treats failure as a
// warning, not an error.
func LoopSetDirectIO(loopFd int, enable bool) error {
	value := 0
	if enable {
		value = 1
	}
	return unix.IoctlSetInt(loopFd, unix.LOOP_SET_DIRECT_IO, value)
}

// LoopClear detaches the backing file via LOOP_CLR_FD.
func LoopClear(loopFd int) error {
	if err := unix.IoctlSetInt(loopFd, unix.LOOP_CLR_FD, 0); err != nil {
		return fmt.Errorf("LOOP_CLR_FD: %w", err)
	}
	return nil
}

// FlushBufferCache issues BLKFLSBUF, dropping the kernel's page-cache
// view of the block device. Required after (re)binding a loop device
// over new backing content so that a subsequent superblock read does
// not observe stale pages left over from a previous life of the same
// loop number.
func FlushBufferCache(fd int) error {
	return unix.IoctlSetInt(fd, unix.BLKFLSBUF, 0)
}

// SetBlockSize issues BLKBSZSET with the given block size in bytes.
func SetBlockSize(fd int, blockSize int) error {
	value := blockSize
	return unix.IoctlSetInt(fd, unix.BLKBSZSET, value)
}
