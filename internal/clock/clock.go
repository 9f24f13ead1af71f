// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the two time operations the mount engine
// needs: reading the current time for logging, and sleeping between
// mount retry attempts, so the 50ms-per-attempt retry loop in the
// mount engine can be driven deterministically in tests instead of
// actually sleeping.
//
// Production code injects Real(); tests inject a Fake and assert on
// the recorded Sleep calls instead of waiting on a wall clock.
package clock

import "time"

// Clock is the seam every blocking-on-time operation in this daemon
// goes through instead of calling the time package directly.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time         { return time.Now() }
func (realClock) Sleep(d time.Duration)  { time.Sleep(d) }
