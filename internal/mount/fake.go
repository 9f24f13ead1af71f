// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"fmt"
	"sync"
)

// FakeMounter simulates the kernel's mount table in memory, so the
// engine's retry and bind-mount logic can be exercised without root.
type FakeMounter struct {
	mu             sync.Mutex
	mounted        map[string]string // target -> source
	failMountUntil map[string]int    // target -> remaining failures before success
	mountCalls     []string
}

// NewFakeMounter returns a FakeMounter with nothing mounted.
func NewFakeMounter() *FakeMounter {
	return &FakeMounter{
		mounted:        make(map[string]string),
		failMountUntil: make(map[string]int),
	}
}

// FailMountAttempts makes the next n Mount calls targeting target
// fail before the following call succeeds, simulating the userspace
// device-node hotplug race the mount retry loop exists to absorb.
func (f *FakeMounter) FailMountAttempts(target string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failMountUntil[target] = n
}

func (f *FakeMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mountCalls = append(f.mountCalls, target)
	if remaining := f.failMountUntil[target]; remaining > 0 {
		f.failMountUntil[target] = remaining - 1
		return fmt.Errorf("simulated ENOENT: device node not yet present")
	}
	f.mounted[target] = source
	return nil
}

func (f *FakeMounter) Unmount(target string, flags int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mounted[target]; !ok {
		return nil
	}
	delete(f.mounted, target)
	return nil
}

// IsMounted reports whether target is currently mounted.
func (f *FakeMounter) IsMounted(target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.mounted[target]
	return ok
}

// MountAttempts returns how many times Mount was called for target.
func (f *FakeMounter) MountAttempts(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, t := range f.mountCalls {
		if t == target {
			count++
		}
	}
	return count
}
