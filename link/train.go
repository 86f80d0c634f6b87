// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"fmt"

	"github.com/go-lpc/c2c/hw"
	"github.com/go-lpc/c2c/internal/regs"
	"github.com/go-lpc/c2c/trim"
)

// snapshot holds the clock dividers of the tiles before training.
type snapshot struct {
	clocks []ClockDivider // one per distinct tile
}

func (lnk *Link) snapshot() (snapshot, error) {
	var snap snapshot
	lnk.err = nil
	for _, t := range lnk.tiles() {
		snap.clocks = append(snap.clocks, lnk.readClock(t))
	}
	if lnk.err != nil {
		return snap, fmt.Errorf("link: could not read clock dividers: %w", lnk.err)
	}
	return snap, nil
}

// setupTrain programs the training clock, the PRBS generator and the
// handshake timings of the tiles.
// Trims and lane delays are zeroed.
func (lnk *Link) setupTrain(set Settings) error {
	tiles := lnk.tiles()
	err := lnk.drain(ErrDrainTimeout, tiles...)
	if err == nil {
		lnk.err = nil
		for _, t := range tiles {
			lnk.writeClock(t, set.Clock)
			lnk.writePRBS(t, set.PRBS)
			lnk.writeDelays(t, [regs.NLANES]int{})
			lnk.writeField(t, fldTrim, 0)
		}
		lnk.writeHandshake(lnk.pri, set.P2S)
		if lnk.mode != Loopback {
			lnk.writeHandshake(lnk.sec, set.S2P)
		}
		if lnk.err != nil {
			err = fmt.Errorf("link: could not setup training: %w", lnk.err)
		}
	}

	if e := lnk.resume(); e != nil && err == nil {
		err = e
	}
	return err
}

// gatherStatistics runs one calibration of the direction with the provided
// trim code and returns the lane/edge error bitmap.
//
// Transactions are re-enabled on both tiles before returning, whether the
// calibration succeeded or not.
func (lnk *Link) gatherStatistics(dir Direction, code int) (uint8, error) {
	tx, rx := lnk.endpoints(dir)

	lnk.err = nil
	lnk.writeField(rx, fldTrim, uint32(code))
	if lnk.err != nil {
		return 0, fmt.Errorf("link: could not program %v trim=%d: %w", dir, code, lnk.err)
	}

	quiesce := []tile{rx}
	if dir == P2S && tx.base != rx.base {
		quiesce = append(quiesce, tx)
	}

	bitmap, err := lnk.probe(dir, code, tx, rx, quiesce)
	if e := lnk.resume(); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return 0, err
	}
	return bitmap, nil
}

func (lnk *Link) probe(dir Direction, code int, tx, rx tile, quiesce []tile) (uint8, error) {
	err := lnk.drain(ErrDrainTimeout, quiesce...)
	if err != nil {
		return 0, err
	}

	lnk.setBits(tx, regs.CAL_CTRL, regs.O_CAL_START)
	if lnk.err != nil {
		return 0, fmt.Errorf("link: could not start %v calibration: %w", dir, lnk.err)
	}

	err = hw.WaitFlag(lnk.bank, lnk.cfg.clk, rx.base, fldCalDone, lnk.cfg.train)
	if err != nil {
		return 0, fmt.Errorf(
			"link: could not complete %v calibration (trim=%d): %w",
			dir, code, timeout(err, ErrTrainTimeout),
		)
	}

	bitmap := lnk.readField(rx, fldFail)
	if lnk.err != nil {
		return 0, fmt.Errorf("link: could not read %v errors: %w", dir, lnk.err)
	}

	err = hw.Clear1C(lnk.bank, rx.base, regs.STATUS, regs.O_CAL_DONE)
	if err != nil {
		return 0, fmt.Errorf("link: could not acknowledge %v calibration: %w", dir, err)
	}

	return uint8(bitmap), nil
}

// runDirection gathers the statistics of the direction over all trim codes.
// Bridged interrupts are disabled for the duration of the scan.
func (lnk *Link) runDirection(dir Direction) ([]uint8, error) {
	var (
		tiles = lnk.tiles()
		irqs  = make([]bool, len(tiles))
	)

	lnk.err = nil
	for i, t := range tiles {
		irqs[i] = lnk.readU32(t, regs.CTRL)&regs.O_IRQ_BRIDGE_EN != 0
		lnk.clearBits(t, regs.CTRL, regs.O_IRQ_BRIDGE_EN)
	}

	var (
		err   error
		stats = make([]uint8, trim.Max)
	)
	if lnk.err != nil {
		err = fmt.Errorf("link: could not disable bridged interrupts: %w", lnk.err)
	}

	for code := 0; err == nil && code < len(stats); code++ {
		stats[code], err = lnk.gatherStatistics(dir, code)
		if err != nil {
			err = fmt.Errorf("link: could not gather %v statistics: %w", dir, err)
		}
	}

	lnk.err = nil
	for i, t := range tiles {
		if irqs[i] {
			lnk.setBits(t, regs.CTRL, regs.O_IRQ_BRIDGE_EN)
		}
	}
	if lnk.err != nil && err == nil {
		err = fmt.Errorf("link: could not restore bridged interrupts: %w", lnk.err)
	}

	if err != nil {
		return nil, err
	}
	return stats, nil
}

// runTrain gathers the statistics of all the directions of the link.
func (lnk *Link) runTrain() ([][]uint8, error) {
	dirs := lnk.Directions()
	stats := make([][]uint8, len(dirs))
	for i, dir := range dirs {
		var err error
		stats[i], err = lnk.runDirection(dir)
		if err != nil {
			return nil, err
		}
	}
	return stats, nil
}
