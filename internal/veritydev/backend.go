// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package veritydev

import (
	"fmt"
	"os"
	"strconv"

	"github.com/apexdaemon/apexd/internal/kioctl"
)

// KernelBackend issues real device-mapper ioctls and checks that the
// resulting /dev/mapper/<name> node exists. It is the Backend production
// code wires into Manager.
type KernelBackend struct{}

func (KernelBackend) Exists(name string) bool {
	return kioctl.DmExists(name)
}

func (KernelBackend) Remove(name string) error {
	return kioctl.DmRemove(name)
}

func (KernelBackend) Create(name string) error {
	return kioctl.DmCreate(name)
}

func (KernelBackend) LoadVerityTable(name, params string, sectors uint64) error {
	return kioctl.DmLoadTable(name, "verity", params, sectors)
}

func (KernelBackend) DevPath(name string) (string, error) {
	path := fmt.Sprintf("/dev/mapper/%s", name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("verity device node not present at %s: %w", path, err)
	}
	return path, nil
}

func (KernelBackend) SetReadAhead(devPath string, kb int) error {
	// devPath is a symlink into /dev/mapper; the sysfs read-ahead knob
	// lives under the resolved dm-N block device.
	resolved, err := os.Readlink(devPath)
	if err != nil {
		resolved = devPath
	}
	name := resolved
	for i := len(resolved) - 1; i >= 0; i-- {
		if resolved[i] == '/' {
			name = resolved[i+1:]
			break
		}
	}
	sysfsPath := fmt.Sprintf("/sys/block/%s/queue/read_ahead_kb", name)
	return os.WriteFile(sysfsPath, []byte(strconv.Itoa(kb)), 0o644)
}
