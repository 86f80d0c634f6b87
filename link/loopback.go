// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"fmt"
	"strings"

	"github.com/go-lpc/c2c/internal/regs"
	"github.com/go-lpc/c2c/trim"
)

// Counts are the PRBS checker counters of one lane and edge.
type Counts struct {
	Fail  uint16 // mismatched bits
	Late  uint16 // bits sampled one cycle late
	Early uint16 // bits sampled one cycle early
}

// LoopbackReport holds the PRBS checker counters of a loopback test,
// per lane and edge.
type LoopbackReport struct {
	Lanes [trim.LaneCount][regs.NEDGES]Counts
}

// Errors returns the total number of failures.
func (rep LoopbackReport) Errors() int {
	n := 0
	for _, lane := range rep.Lanes {
		for _, c := range lane {
			n += int(c.Fail)
		}
	}
	return n
}

// OK returns whether no failure was recorded.
func (rep LoopbackReport) OK() bool { return rep.Errors() == 0 }

func (rep LoopbackReport) String() string {
	o := new(strings.Builder)
	for i, lane := range rep.Lanes {
		fmt.Fprintf(o, "lane[%d]:", i)
		for j, c := range lane {
			fmt.Fprintf(o, " %v={fail=%d late=%d early=%d}", trim.Edge(j), c.Fail, c.Late, c.Early)
		}
		if i < len(rep.Lanes)-1 {
			o.WriteString("\n")
		}
	}
	return o.String()
}

// RunLoopbackTest runs the PRBS generator of the primary tile for a fixed
// interval and reports the checker counters of the receiving tile.
// No trim search is performed.
func (lnk *Link) RunLoopbackTest(set Settings) (LoopbackReport, error) {
	var rep LoopbackReport
	err := lnk.check()
	if err != nil {
		return rep, err
	}
	err = set.Validate()
	if err != nil {
		return rep, err
	}

	tx, rx := lnk.endpoints(P2S)

	lnk.err = nil
	lnk.writePRBS(tx, set.PRBS)
	lnk.setBits(rx, regs.CAL_CTRL, regs.O_CNT_CLR)
	lnk.setBits(tx, regs.CAL_CTRL, regs.O_PRBS_EN)
	if lnk.err != nil {
		err = fmt.Errorf("link: could not start PRBS generator: %w", lnk.err)
		lnk.err = nil
		lnk.clearBits(tx, regs.CAL_CTRL, regs.O_PRBS_EN)
		return rep, err
	}

	lnk.cfg.clk.Sleep(lnk.cfg.loopback)

	lnk.clearBits(tx, regs.CAL_CTRL, regs.O_PRBS_EN)
	if lnk.err != nil {
		return rep, fmt.Errorf("link: could not stop PRBS generator: %w", lnk.err)
	}

	count := func(v uint32, edge int) uint16 {
		if edge == 0 {
			return uint16(v >> regs.SHIFT_CNT_POS)
		}
		return uint16(v >> regs.SHIFT_CNT_NEG)
	}

	for lane := range rep.Lanes {
		var (
			fail  = lnk.readU32(rx, regs.CNT_AT(lane, regs.CNT_FAIL))
			late  = lnk.readU32(rx, regs.CNT_AT(lane, regs.CNT_LATE))
			early = lnk.readU32(rx, regs.CNT_AT(lane, regs.CNT_EARLY))
		)
		for edge := range rep.Lanes[lane] {
			rep.Lanes[lane][edge] = Counts{
				Fail:  count(fail, edge),
				Late:  count(late, edge),
				Early: count(early, edge),
			}
		}
	}
	if lnk.err != nil {
		return rep, fmt.Errorf("link: could not read loopback counters: %w", lnk.err)
	}

	if !rep.OK() {
		lnk.msg.Printf("loopback test: %d errors", rep.Errors())
	}
	return rep, nil
}
