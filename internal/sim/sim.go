// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim simulates a pair of C2C controller tiles at the register level.
//
// The simulated receiver reports an error on a lane when its sampling point,
// the receive-clock trim plus the lane delay, lies outside of the error-free
// window configured for that lane.
package sim // import "github.com/go-lpc/c2c/internal/sim"

import (
	"fmt"
	"time"

	"github.com/go-lpc/c2c/internal/regs"
)

const (
	P2S = 0 // primary to secondary
	S2P = 1 // secondary to primary
)

// Window is an error-free range [Lo, Hi) of sampling points.
type Window struct {
	Lo, Hi int
}

// Counts are the loopback counters of one lane and edge.
type Counts struct {
	Fail, Late, Early uint16
}

// Access is a register access of the trace.
type Access struct {
	Write bool
	Tile  int // 0: primary, 1: secondary
	Off   int64
	Value uint32
}

func (acc Access) String() string {
	op := "r"
	if acc.Write {
		op = "w"
	}
	return fmt.Sprintf("%s tile=%d off=0x%03x v=0x%x", op, acc.Tile, acc.Off, acc.Value)
}

// Tile is a simulated C2C controller tile.
type Tile struct {
	Base uint64

	Stuck       bool // in-flight transactions never complete
	Outstanding int  // number of STATUS reads reporting in-flight transactions
	NoDone      bool // calibrations never complete
	Counters    [regs.NLANES][regs.NEDGES]Counts

	Resumes      int // number of times transactions were re-enabled
	Calibrations int // number of calibrations received

	mem [regs.TILE_SPAN / 4]uint32
}

// Reg returns the content of the register at off, with no side effect.
func (t *Tile) Reg(off int64) uint32 { return t.mem[off/4] }

// Poke sets the content of the register at off, with no side effect.
func (t *Tile) Poke(off int64, v uint32) { t.mem[off/4] = v }

// Device is a simulated pair of tiles, reachable through the hw.Bank interface.
type Device struct {
	Tiles   [2]*Tile
	Windows [2][regs.NLANES]Window // error-free windows, per direction and lane

	Trace []Access
	Err   error // error returned by every access, when set
}

// New returns a device with tiles at the provided bases.
// All sampling points are error-free.
func New(primary, secondary uint64) *Device {
	dev := &Device{
		Tiles: [2]*Tile{
			{Base: primary},
			{Base: secondary},
		},
	}
	for _, t := range dev.Tiles {
		t.Poke(regs.CTRL, regs.O_TXN_EN)
	}
	for i := range dev.Windows {
		dev.SetWindows(i, Window{0, regs.TRIM_MAX})
	}
	return dev
}

// Primary returns the primary tile.
func (dev *Device) Primary() *Tile { return dev.Tiles[0] }

// Secondary returns the secondary tile.
func (dev *Device) Secondary() *Tile { return dev.Tiles[1] }

// SetWindows sets the error-free window of all lanes of a direction.
func (dev *Device) SetWindows(dir int, w Window) {
	for i := range dev.Windows[dir] {
		dev.Windows[dir][i] = w
	}
}

func (dev *Device) tile(addr uint64) (int, int64, error) {
	if addr%4 != 0 {
		return 0, 0, fmt.Errorf("sim: unaligned access at 0x%x", addr)
	}
	for i, t := range dev.Tiles {
		if t.Base <= addr && addr < t.Base+regs.TILE_SPAN {
			return i, int64(addr - t.Base), nil
		}
	}
	return 0, 0, fmt.Errorf("sim: no tile at 0x%x", addr)
}

func (dev *Device) Read32(addr uint64) (uint32, error) {
	if dev.Err != nil {
		return 0, dev.Err
	}
	i, off, err := dev.tile(addr)
	if err != nil {
		return 0, err
	}
	t := dev.Tiles[i]
	v := t.Reg(off)
	if off == regs.STATUS {
		v &^= regs.O_AXI_OUTSTANDING
		switch {
		case t.Stuck:
			v |= regs.O_AXI_OUTSTANDING
		case t.Outstanding > 0:
			t.Outstanding--
			v |= regs.O_AXI_OUTSTANDING
		}
	}
	dev.Trace = append(dev.Trace, Access{Tile: i, Off: off, Value: v})
	return v, nil
}

func (dev *Device) Write32(addr uint64, v uint32) error {
	if dev.Err != nil {
		return dev.Err
	}
	i, off, err := dev.tile(addr)
	if err != nil {
		return err
	}
	dev.Trace = append(dev.Trace, Access{Write: true, Tile: i, Off: off, Value: v})

	t := dev.Tiles[i]
	old := t.Reg(off)
	switch off {
	case regs.STATUS:
		t.Poke(off, old&^(v&regs.O_CAL_DONE))
	case regs.FAIL_STATUS:
		// read-only.
	case regs.CTRL:
		if old&regs.O_TXN_EN == 0 && v&regs.O_TXN_EN != 0 {
			t.Resumes++
		}
		t.Poke(off, v)
	case regs.CAL_CTRL:
		if v&regs.O_CNT_CLR != 0 {
			for lane := 0; lane < regs.NLANES; lane++ {
				t.Poke(regs.CNT_AT(lane, regs.CNT_FAIL), 0)
				t.Poke(regs.CNT_AT(lane, regs.CNT_LATE), 0)
				t.Poke(regs.CNT_AT(lane, regs.CNT_EARLY), 0)
			}
		}
		if old&regs.O_PRBS_EN != 0 && v&regs.O_PRBS_EN == 0 {
			dev.latch(dev.Tiles[dev.peer(i)])
		}
		if v&regs.O_CAL_START != 0 {
			dev.calibrate(i)
		}
		t.Poke(off, v&regs.O_PRBS_EN)
	default:
		t.Poke(off, v)
	}
	return nil
}

// peer returns the index of the tile receiving the traffic sent by tile i.
func (dev *Device) peer(i int) int {
	if dev.Tiles[i].Reg(regs.CTRL)&regs.O_PHY_LOOPBACK != 0 {
		return i
	}
	return 1 - i
}

func (dev *Device) calibrate(tx int) {
	var (
		irx = dev.peer(tx)
		rx  = dev.Tiles[irx]
		dir = P2S
	)
	if tx == 1 {
		dir = S2P
	}

	rx.Calibrations++
	code := int(rx.Reg(regs.RX_TRIM) >> regs.SHIFT_TRIM & (1<<regs.WIDTH_TRIM - 1))
	delays := rx.Reg(regs.LANE_DELAY)

	var bitmap uint32
	for lane, w := range dev.Windows[dir] {
		d := int(delays >> regs.SHIFT_LANE_DELAY(lane) & (1<<regs.WIDTH_LANE_DELAY - 1))
		if code < w.Lo+d || w.Hi+d <= code {
			bitmap |= 3 << (2 * lane)
		}
	}
	rx.Poke(regs.FAIL_STATUS, bitmap)
	if !rx.NoDone {
		rx.Poke(regs.STATUS, rx.Reg(regs.STATUS)|regs.O_CAL_DONE)
	}
}

func (dev *Device) latch(rx *Tile) {
	for lane, cnts := range rx.Counters {
		pos, neg := cnts[0], cnts[1]
		rx.Poke(regs.CNT_AT(lane, regs.CNT_FAIL), uint32(pos.Fail)|uint32(neg.Fail)<<regs.SHIFT_CNT_NEG)
		rx.Poke(regs.CNT_AT(lane, regs.CNT_LATE), uint32(pos.Late)|uint32(neg.Late)<<regs.SHIFT_CNT_NEG)
		rx.Poke(regs.CNT_AT(lane, regs.CNT_EARLY), uint32(pos.Early)|uint32(neg.Early)<<regs.SHIFT_CNT_NEG)
	}
}

// Writes returns the register writes of the trace.
func (dev *Device) Writes() []Access {
	var o []Access
	for _, acc := range dev.Trace {
		if acc.Write {
			o = append(o, acc)
		}
	}
	return o
}

// Clock is a fake clock advancing only when slept on.
type Clock struct {
	T      time.Time
	Sleeps int
}

func (clk *Clock) Now() time.Time { return clk.T }

func (clk *Clock) Sleep(d time.Duration) {
	clk.Sleeps++
	clk.T = clk.T.Add(d)
}

// Elapsed returns the total slept duration.
func (clk *Clock) Elapsed() time.Duration {
	return clk.T.Sub(time.Time{})
}
