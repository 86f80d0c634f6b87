// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"fmt"

	"github.com/go-lpc/c2c/internal/regs"
)

// apply commits the trims of both directions and raises the clock of the
// tiles to full speed.
// A trim is always written while its receiver still runs at low speed.
func (lnk *Link) apply(p2s, s2p int, clk ClockDivider) error {
	err := lnk.commit(p2s, s2p, clk)
	if e := lnk.resume(); e != nil && err == nil {
		err = e
	}
	return err
}

func (lnk *Link) commit(p2s, s2p int, clk ClockDivider) error {
	tiles := lnk.tiles()
	err := lnk.drain(ErrApplyTimeout, tiles...)
	if err != nil {
		return err
	}

	steps := []struct {
		dir    Direction
		code   int
		rx, tx tile
	}{
		{P2S, p2s, lnk.sec, lnk.pri},
		{S2P, s2p, lnk.pri, lnk.sec},
	}
	if lnk.mode == Loopback {
		steps = steps[:1]
	}

	for _, step := range steps {
		lnk.err = nil
		lnk.writeField(step.rx, fldTrim, uint32(step.code))
		if lnk.err != nil {
			return fmt.Errorf("link: could not apply %v trim=%d: %w", step.dir, step.code, lnk.err)
		}

		err = lnk.drain(ErrApplyTimeout, tiles...)
		if err != nil {
			return err
		}

		lnk.writeClock(step.tx, clk)
		if lnk.err != nil {
			return fmt.Errorf("link: could not raise %v clock: %w", step.dir, lnk.err)
		}
		lnk.msg.Printf("%v: trim=%d applied, clock raised to %v", step.dir, step.code, clk)
	}

	return nil
}

// restore returns the link to normal speed after a failed training.
func (lnk *Link) restore(snap snapshot) error {
	lnk.err = nil
	for i, t := range lnk.tiles() {
		lnk.clearBits(t, regs.CAL_CTRL, regs.O_PRBS_EN)
		lnk.writeField(t, fldTrim, 0)
		lnk.writeDelays(t, [regs.NLANES]int{})
		if i < len(snap.clocks) {
			lnk.writeClock(t, snap.clocks[i])
		}
		lnk.setBits(t, regs.CTRL, regs.O_BRIDGE_EN|regs.O_IRQ_BRIDGE_EN|regs.O_TXN_EN)
	}
	if lnk.err != nil {
		return fmt.Errorf("link: could not restore normal speed: %w", lnk.err)
	}
	return nil
}
