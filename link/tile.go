// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"fmt"

	"github.com/go-lpc/c2c/hw"
	"github.com/go-lpc/c2c/internal/regs"
)

var (
	fldROSC   = hw.Field{Name: "ROSC", Offset: regs.CLK_DIV, Shift: regs.SHIFT_ROSC, Width: regs.WIDTH_ROSC}
	fldDevClk = hw.Field{Name: "DEVCLK", Offset: regs.CLK_DIV, Shift: regs.SHIFT_DEVCLK, Width: regs.WIDTH_DEVCLK}
	fldPLL    = hw.Field{Name: "PLL", Offset: regs.CLK_DIV, Shift: regs.SHIFT_PLL, Width: regs.WIDTH_PLL}

	fldTrim    = hw.Field{Name: "RX_TRIM", Offset: regs.RX_TRIM, Shift: regs.SHIFT_TRIM, Width: regs.WIDTH_TRIM}
	fldFail    = hw.Field{Name: "FAIL_BITMAP", Offset: regs.FAIL_STATUS, Shift: regs.SHIFT_FAIL_BITMAP, Width: regs.WIDTH_FAIL_BITMAP}
	fldCalDone = hw.Field{Name: "CAL_DONE", Offset: regs.STATUS, Shift: 1, Width: 1}
)

func fldLaneDelay(lane int) hw.Field {
	return hw.Field{
		Name:   fmt.Sprintf("LANE_DELAY[%d]", lane),
		Offset: regs.LANE_DELAY,
		Shift:  regs.SHIFT_LANE_DELAY(lane),
		Width:  regs.WIDTH_LANE_DELAY,
	}
}

// tile is one controller tile of the link.
type tile struct {
	name string
	base uint64
}

func (t tile) String() string { return fmt.Sprintf("%s@0x%x", t.name, t.base) }

// tiles returns the distinct tiles of the link.
func (lnk *Link) tiles() []tile {
	if lnk.sec.base == lnk.pri.base {
		return []tile{lnk.pri}
	}
	return []tile{lnk.pri, lnk.sec}
}

// endpoints returns the transmitting and receiving tiles of a direction.
func (lnk *Link) endpoints(dir Direction) (tx, rx tile) {
	if dir == S2P {
		return lnk.sec, lnk.pri
	}
	return lnk.pri, lnk.sec
}

func (lnk *Link) readU32(t tile, off int64) uint32 {
	if lnk.err != nil {
		return 0
	}
	var v uint32
	v, lnk.err = lnk.bank.Read32(t.base + uint64(off))
	if lnk.err != nil {
		lnk.err = fmt.Errorf("link: could not read register 0x%x of %v: %w", off, t, lnk.err)
		return 0
	}
	return v
}

func (lnk *Link) writeU32(t tile, off int64, v uint32) {
	if lnk.err != nil {
		return
	}
	lnk.err = lnk.bank.Write32(t.base+uint64(off), v)
	if lnk.err != nil {
		lnk.err = fmt.Errorf("link: could not write register 0x%x of %v: %w", off, t, lnk.err)
		return
	}
}

func (lnk *Link) readField(t tile, f hw.Field) uint32 {
	if lnk.err != nil {
		return 0
	}
	var v uint32
	v, lnk.err = hw.ReadField(lnk.bank, t.base, f)
	if lnk.err != nil {
		lnk.err = fmt.Errorf("link: could not read %s of %v: %w", f.Name, t, lnk.err)
	}
	return v
}

func (lnk *Link) writeField(t tile, f hw.Field, v uint32) {
	if lnk.err != nil {
		return
	}
	lnk.err = hw.WriteField(lnk.bank, t.base, f, v)
	if lnk.err != nil {
		lnk.err = fmt.Errorf("link: could not write %s of %v: %w", f.Name, t, lnk.err)
	}
}

func (lnk *Link) setBits(t tile, off int64, mask uint32) {
	if lnk.err != nil {
		return
	}
	lnk.err = hw.SetBits(lnk.bank, t.base, off, mask)
	if lnk.err != nil {
		lnk.err = fmt.Errorf("link: could not set bits 0x%x of %v: %w", mask, t, lnk.err)
	}
}

func (lnk *Link) clearBits(t tile, off int64, mask uint32) {
	if lnk.err != nil {
		return
	}
	lnk.err = hw.ClearBits(lnk.bank, t.base, off, mask)
	if lnk.err != nil {
		lnk.err = fmt.Errorf("link: could not clear bits 0x%x of %v: %w", mask, t, lnk.err)
	}
}

func (lnk *Link) writeClock(t tile, clk ClockDivider) {
	lnk.writeField(t, fldROSC, uint32(clk.ROSC))
	lnk.writeField(t, fldDevClk, uint32(clk.DevClk))
	lnk.writeField(t, fldPLL, uint32(clk.PLL))
}

func (lnk *Link) readClock(t tile) ClockDivider {
	return ClockDivider{
		ROSC:   uint8(lnk.readField(t, fldROSC)),
		DevClk: uint8(lnk.readField(t, fldDevClk)),
		PLL:    uint16(lnk.readField(t, fldPLL)),
	}
}

func (lnk *Link) writeDelays(t tile, delays [regs.NLANES]int) {
	for lane, d := range delays {
		lnk.writeField(t, fldLaneDelay(lane), uint32(d))
	}
}

func (lnk *Link) writeHandshake(t tile, set DelaySettings) {
	hs := func(lo, hi uint16) uint32 {
		return uint32(lo)<<regs.SHIFT_HS_LO | uint32(hi)<<regs.SHIFT_HS_HI
	}
	lnk.writeU32(t, regs.HS_DELAY0, hs(set.CmdToPattern, set.PatternToCapture))
	lnk.writeU32(t, regs.HS_DELAY1, hs(set.CaptureLength, set.CaptureToCheck))
	lnk.writeU32(t, regs.HS_DELAY2, hs(set.CheckToDone, set.IdleGap))
}

func (lnk *Link) writePRBS(t tile, set PRBS) {
	lnk.writeU32(t, regs.PRBS_SEED, set.Seed)
	for lane := 0; lane < regs.NLANES; lane++ {
		lnk.writeU32(t, regs.PRBS_POLY_AT(lane, 0), set.PolyPos)
		lnk.writeU32(t, regs.PRBS_POLY_AT(lane, 1), set.PolyNeg)
	}
}

// drain quiesces the provided tiles, in order.
func (lnk *Link) drain(kind error, tiles ...tile) error {
	for _, t := range tiles {
		err := hw.Drain(lnk.bank, lnk.cfg.clk, t.base, lnk.cfg.drain)
		if err != nil {
			return fmt.Errorf("link: could not drain %v: %w", t, timeout(err, kind))
		}
	}
	return nil
}

// resume re-enables transactions on all the tiles of the link.
func (lnk *Link) resume() error {
	for _, t := range lnk.tiles() {
		err := hw.Resume(lnk.bank, t.base)
		if err != nil {
			return fmt.Errorf("link: could not resume transactions of %v: %w", t, err)
		}
	}
	return nil
}
