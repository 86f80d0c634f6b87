// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"errors"
	"time"
)

// ErrTimeout is returned when a hardware condition was not met
// before the deadline.
var ErrTimeout = errors.New("hw: timeout")

// Clock is a monotonic time source.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the wall clock of the host.
type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Poll busy-polls cond every interval until it reports true, it fails, or
// timeout has elapsed.
// cond is always evaluated at least once, and once more after the deadline.
func Poll(clk Clock, timeout, every time.Duration, cond func() (bool, error)) error {
	deadline := clk.Now().Add(timeout)
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !clk.Now().Before(deadline) {
			return ErrTimeout
		}
		clk.Sleep(every)
	}
}
