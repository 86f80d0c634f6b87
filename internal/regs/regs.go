// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs describes the register map of a C2C controller tile.
//
// All registers are 32-bit wide and little-endian. Offsets are relative
// to the base address of the tile.
package regs // import "github.com/go-lpc/c2c/internal/regs"

import "fmt"

const (
	NLANES = 4 // number of data lanes, per direction
	NEDGES = 2 // positive and negative sampling edges

	TRIM_MAX       = 64 // resolution of the receive-clock delay
	TRIM_DELAY_MAX = 16 // resolution of the per-lane delay
)

// register offsets
const (
	CTRL        = 0x000
	STATUS      = 0x004
	CLK_DIV     = 0x008
	RX_TRIM     = 0x00c
	LANE_DELAY  = 0x010
	CAL_CTRL    = 0x014
	FAIL_STATUS = 0x018

	PRBS_SEED = 0x020
	PRBS_POLY = 0x040 // 8 registers: [lane][edge]

	HS_DELAY0 = 0x060
	HS_DELAY1 = 0x064
	HS_DELAY2 = 0x068

	CNT_BASE   = 0x080 // per-lane counters
	CNT_STRIDE = 0x010
	CNT_FAIL   = 0x0
	CNT_LATE   = 0x4
	CNT_EARLY  = 0x8

	TILE_SPAN = 0x100
)

// CTRL bits
const (
	O_BRIDGE_EN     = 1 << 0 // bidirectional transaction path
	O_IRQ_BRIDGE_EN = 1 << 1 // bridged interrupts
	O_PHY_LOOPBACK  = 1 << 2 // phy-digital loopback
	O_TXN_EN        = 1 << 3 // accept new bus transactions
)

// STATUS bits
const (
	O_AXI_OUTSTANDING = 1 << 0 // read-only
	O_CAL_DONE        = 1 << 1 // write-1-to-clear
)

// CAL_CTRL bits
const (
	O_CAL_START = 1 << 0 // self-clearing
	O_PRBS_EN   = 1 << 1
	O_CNT_CLR   = 1 << 2 // self-clearing
)

// bit-fields
const (
	SHIFT_ROSC   = 0
	WIDTH_ROSC   = 4
	SHIFT_DEVCLK = 4
	WIDTH_DEVCLK = 8
	SHIFT_PLL    = 12
	WIDTH_PLL    = 12

	SHIFT_TRIM = 0
	WIDTH_TRIM = 6

	WIDTH_LANE_DELAY = 4

	SHIFT_FAIL_BITMAP = 0
	WIDTH_FAIL_BITMAP = NLANES * NEDGES

	// HS_DELAYx registers hold two 16-bit handshake fields each.
	SHIFT_HS_LO = 0
	SHIFT_HS_HI = 16
	WIDTH_HS    = 16

	// counters hold the positive edge in the low half-word,
	// the negative edge in the high half-word.
	SHIFT_CNT_POS = 0
	SHIFT_CNT_NEG = 16
	WIDTH_CNT     = 16
)

// PRBS_POLY_AT returns the offset of the PRBS polynomial register
// for the provided lane and edge.
func PRBS_POLY_AT(lane, edge int) int64 {
	checkLane(lane)
	if edge < 0 || edge >= NEDGES {
		panic(fmt.Errorf("regs: invalid edge=%d", edge))
	}
	return PRBS_POLY + int64(8*lane+4*edge)
}

// CNT_AT returns the offset of the counter register kind
// (CNT_FAIL, CNT_LATE or CNT_EARLY) for the provided lane.
func CNT_AT(lane int, kind int64) int64 {
	checkLane(lane)
	return CNT_BASE + int64(lane)*CNT_STRIDE + kind
}

// SHIFT_LANE_DELAY returns the bit position of the delay of the
// provided lane in the LANE_DELAY register.
func SHIFT_LANE_DELAY(lane int) uint {
	checkLane(lane)
	return uint(lane * WIDTH_LANE_DELAY)
}

func checkLane(lane int) {
	if lane < 0 || lane >= NLANES {
		panic(fmt.Errorf("regs: invalid lane=%d", lane))
	}
}
