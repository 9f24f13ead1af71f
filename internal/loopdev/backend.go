// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package loopdev

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/apexdaemon/apexd/internal/kioctl"
)

// KernelBackend issues real loop-device ioctls. It is the Backend
// production code wires into Manager.
type KernelBackend struct{}

func (KernelBackend) NextFree() (int, error) {
	return kioctl.NextFreeLoop()
}

func (KernelBackend) Open(number int) (int, string, error) {
	path := kioctl.LoopPath(number)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, "", err
	}
	return int(f.Fd()), path, nil
}

func (KernelBackend) Close(fd int) error {
	return unix.Close(fd)
}

func (KernelBackend) Bind(fd, backingFd int, offset, size uint64, tag string) error {
	return kioctl.LoopBind(fd, backingFd, offset, size, tag)
}

func (KernelBackend) Clear(fd int) error {
	return kioctl.LoopClear(fd)
}

func (KernelBackend) FlushBufferCache(fd int) error {
	return kioctl.FlushBufferCache(fd)
}

func (KernelBackend) SetBlockSize(fd int, size int) error {
	return kioctl.SetBlockSize(fd, size)
}

func (KernelBackend) SetDirectIO(fd int, enable bool) error {
	return kioctl.LoopSetDirectIO(fd, enable)
}

func (KernelBackend) SetReadAhead(path string, kb int) error {
	name := filepath.Base(path)
	sysfsPath := fmt.Sprintf("/sys/block/%s/queue/read_ahead_kb", name)
	return os.WriteFile(sysfsPath, []byte(strconv.Itoa(kb)), 0o644)
}

func (KernelBackend) Tag(fd int) (string, error) {
	info, err := kioctl.LoopStatus(fd)
	if err != nil {
		return "", err
	}
	end := len(info.File_name)
	for i, b := range info.File_name {
		if b == 0 {
			end = i
			break
		}
	}
	return string(info.File_name[:end]), nil
}

func (KernelBackend) ListDevices() ([]int, error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, err
	}
	var numbers []int
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "loop") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), "loop"))
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	return numbers, nil
}
