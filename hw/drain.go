// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"fmt"
	"time"

	"github.com/go-lpc/c2c/internal/regs"
)

// DefaultPollInterval is the interval between two register probes
// of the wait helpers.
const DefaultPollInterval = 10 * time.Microsecond

// Drain stops the tile at base from accepting new bus transactions and
// waits for the in-flight ones to complete.
// Transactions stay disabled on return, even on failure: callers re-enable
// them with Resume.
func Drain(bank Bank, clk Clock, base uint64, timeout time.Duration) error {
	err := ClearBits(bank, base, regs.CTRL, regs.O_TXN_EN)
	if err != nil {
		return fmt.Errorf("hw: could not stop transactions of tile 0x%x: %w", base, err)
	}

	err = Poll(clk, timeout, DefaultPollInterval, func() (bool, error) {
		v, err := bank.Read32(base + regs.STATUS)
		if err != nil {
			return false, err
		}
		return v&regs.O_AXI_OUTSTANDING == 0, nil
	})
	if err != nil {
		return fmt.Errorf("hw: could not drain transactions of tile 0x%x: %w", base, err)
	}
	return nil
}

// Resume lets the tile at base accept bus transactions again.
func Resume(bank Bank, base uint64) error {
	err := SetBits(bank, base, regs.CTRL, regs.O_TXN_EN)
	if err != nil {
		return fmt.Errorf("hw: could not resume transactions of tile 0x%x: %w", base, err)
	}
	return nil
}

// WaitFlag waits for the flag field f of the tile at base to be set.
func WaitFlag(bank Bank, clk Clock, base uint64, f Field, timeout time.Duration) error {
	err := Poll(clk, timeout, DefaultPollInterval, func() (bool, error) {
		v, err := ReadField(bank, base, f)
		if err != nil {
			return false, err
		}
		return v != 0, nil
	})
	if err != nil {
		return fmt.Errorf("hw: could not wait for %v of tile 0x%x: %w", f, base, err)
	}
	return nil
}
