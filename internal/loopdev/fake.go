// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package loopdev

import (
	"fmt"
	"sync"

	"github.com/apexdaemon/apexd/internal/kioctl"
)

// FakeBackend simulates loop-device allocation entirely in memory, so
// Manager's retry, tagging, and orphan-sweep logic can be exercised
// without touching /dev/loop-control.
type FakeBackend struct {
	mu        sync.Mutex
	nextFD    int
	devices   map[int]*fakeDevice // by number
	openFDs   map[int]int         // fd -> device number
	failNextN int                 // NextFree fails this many more times before succeeding
}

type fakeDevice struct {
	bound     bool
	tag       string
	readAhead int
	directIO  bool
	blockSize int
}

// NewFake returns a FakeBackend with no devices allocated yet.
func NewFake() *FakeBackend {
	return &FakeBackend{
		nextFD:  1,
		devices: make(map[int]*fakeDevice),
		openFDs: make(map[int]int),
	}
}

// FailNextFree makes the next n calls to NextFree return an error,
// simulating allocation races the real kernel can produce.
func (f *FakeBackend) FailNextFree(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNextN = n
}

func (f *FakeBackend) NextFree() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextN > 0 {
		f.failNextN--
		return 0, fmt.Errorf("simulated allocation race")
	}
	number := len(f.devices)
	f.devices[number] = &fakeDevice{}
	return number, nil
}

func (f *FakeBackend) Open(number int) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[number]; !ok {
		f.devices[number] = &fakeDevice{}
	}
	fd := f.nextFD
	f.nextFD++
	f.openFDs[fd] = number
	return fd, kioctl.LoopPath(number), nil
}

func (f *FakeBackend) Close(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.openFDs, fd)
	return nil
}

func (f *FakeBackend) Bind(fd, backingFd int, offset, size uint64, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev := f.devices[f.openFDs[fd]]
	dev.bound = true
	dev.tag = tag
	return nil
}

func (f *FakeBackend) Clear(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	number, ok := f.openFDs[fd]
	if !ok {
		return fmt.Errorf("fd %d not open", fd)
	}
	dev := f.devices[number]
	dev.bound = false
	dev.tag = ""
	return nil
}

func (f *FakeBackend) FlushBufferCache(fd int) error { return nil }

func (f *FakeBackend) SetBlockSize(fd int, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[f.openFDs[fd]].blockSize = size
	return nil
}

func (f *FakeBackend) SetDirectIO(fd int, enable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[f.openFDs[fd]].directIO = enable
	return nil
}

func (f *FakeBackend) SetReadAhead(path string, kb int) error {
	return nil
}

func (f *FakeBackend) Tag(fd int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[f.openFDs[fd]]
	if !ok {
		return "", fmt.Errorf("fd %d not open", fd)
	}
	return dev.tag, nil
}

func (f *FakeBackend) ListDevices() ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	numbers := make([]int, 0, len(f.devices))
	for n := range f.devices {
		numbers = append(numbers, n)
	}
	return numbers, nil
}

// BoundCount reports how many devices currently have a backing file
// attached, for assertions in tests.
func (f *FakeBackend) BoundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, dev := range f.devices {
		if dev.bound {
			count++
		}
	}
	return count
}
