// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package link trains and controls a chip-to-chip (C2C) link between a
// primary and a secondary controller tile.
//
// At normal speed, the link needs no calibration.
// Running it at full speed requires the receive-clock sampling delay (trim)
// of each direction to be centered on the error-free window of its lanes,
// and the skew between lanes to be compensated.
// EnableHighSpeed scans all trim codes in both directions with a PRBS test
// pattern, analyzes the gathered statistics and applies the selected trims
// before raising the clock of the link.
//
// A Link must not be used concurrently.
// Independent links may be trained in parallel.
package link // import "github.com/go-lpc/c2c/link"

import (
	"fmt"
	"log"

	"github.com/go-lpc/c2c/hw"
	"github.com/go-lpc/c2c/internal/regs"
	"github.com/go-lpc/c2c/trim"
)

// Mode is the topology of a link.
type Mode int

const (
	Normal   Mode = iota // primary and secondary tiles
	Loopback             // link folded back onto the primary tile
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Loopback:
		return "loopback"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Direction is a direction of the link.
type Direction int

const (
	P2S Direction = iota // primary to secondary
	S2P                  // secondary to primary
)

func (dir Direction) String() string {
	switch dir {
	case P2S:
		return "p2s"
	case S2P:
		return "s2p"
	}
	return fmt.Sprintf("Direction(%d)", int(dir))
}

// Pass holds the statistics of one direction gathered during a training
// pass, and their analysis.
type Pass struct {
	Stats  []uint8
	Result trim.Result
}

// Outcome is the training outcome of one direction.
// The first pass is run with no lane delay. The final pass is run with the
// lane delays found by the first one.
type Outcome struct {
	Dir   Direction
	First Pass
	Final Pass
}

// Result returns the result of the last pass run for the direction.
func (o Outcome) Result() trim.Result {
	if o.Final.Stats != nil {
		return o.Final.Result
	}
	return o.First.Result
}

// Training describes the last high-speed training attempt of a link.
type Training struct {
	Outcomes []Outcome
	Err      error
}

// Link controls a C2C link.
type Link struct {
	msg  *log.Logger
	bank hw.Bank
	cfg  config
	mode Mode

	pri tile
	sec tile

	err  error // sticky register access error
	last Training
}

// New creates a link controller for the tiles at the provided base
// addresses.
// In loopback mode, the secondary address is ignored and the primary tile
// is switched to phy-digital loopback.
func New(bank hw.Bank, primary, secondary uint64, mode Mode, opts ...Option) (*Link, error) {
	if bank == nil {
		return nil, fmt.Errorf("link: nil register bank: %w", ErrInvalid)
	}
	switch mode {
	case Normal, Loopback:
	default:
		return nil, fmt.Errorf("link: invalid mode %v: %w", mode, ErrInvalid)
	}

	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if mode == Loopback {
		secondary = primary
	}

	lnk := &Link{
		msg:  cfg.msg,
		bank: bank,
		cfg:  cfg,
		mode: mode,
		pri:  tile{name: "primary", base: primary},
		sec:  tile{name: "secondary", base: secondary},
	}

	if mode == Loopback && primary != 0 {
		lnk.setBits(lnk.pri, regs.CTRL, regs.O_PHY_LOOPBACK)
		if lnk.err != nil {
			return nil, fmt.Errorf("link: could not enable loopback: %w", lnk.err)
		}
	}

	return lnk, nil
}

// Mode returns the topology of the link.
func (lnk *Link) Mode() Mode { return lnk.mode }

// Directions returns the trained directions of the link.
func (lnk *Link) Directions() []Direction {
	if lnk.mode == Loopback {
		return []Direction{P2S}
	}
	return []Direction{P2S, S2P}
}

func (lnk *Link) check() error {
	if lnk.pri.base == 0 || lnk.sec.base == 0 {
		return fmt.Errorf(
			"link: invalid tile addresses (primary=0x%x, secondary=0x%x): %w",
			lnk.pri.base, lnk.sec.base, ErrNotInitialized,
		)
	}
	return nil
}

// EnableNormalSpeed enables the transaction and bridged interrupt paths
// of both tiles.
func (lnk *Link) EnableNormalSpeed() error {
	err := lnk.check()
	if err != nil {
		return err
	}

	lnk.err = nil
	for _, t := range lnk.tiles() {
		lnk.setBits(t, regs.CTRL, regs.O_BRIDGE_EN|regs.O_IRQ_BRIDGE_EN)
	}
	if lnk.err != nil {
		return fmt.Errorf("link: could not enable normal speed: %w", lnk.err)
	}
	return nil
}

// EnableHighSpeed trains the link with the provided settings and switches
// it to its full speed clock.
//
// When the first pass only finds per-lane windows, the lane delays are
// programmed and the scan is run again: that second pass must then find a
// window common to all lanes. A residual skew is reported as an error
// wrapping trim.ErrNoWindow.
//
// On failure, the link is left running at normal speed.
func (lnk *Link) EnableHighSpeed(set Settings) error {
	err := lnk.check()
	if err != nil {
		return err
	}
	err = set.Validate()
	if err != nil {
		return err
	}

	lnk.last = Training{}
	snap, err := lnk.snapshot()
	if err != nil {
		lnk.last.Err = err
		return err
	}

	err = lnk.enableHighSpeed(set)
	lnk.last.Err = err
	if err != nil {
		lnk.msg.Printf("could not train link: %+v", err)
		if e := lnk.restore(snap); e != nil {
			lnk.msg.Printf("could not restore normal speed: %+v", e)
		}
		return err
	}

	for _, o := range lnk.last.Outcomes {
		lnk.msg.Printf("%v: %v", o.Dir, o.Final.Result)
	}
	return nil
}

func (lnk *Link) enableHighSpeed(set Settings) error {
	err := lnk.setupTrain(set)
	if err != nil {
		return err
	}

	stats, err := lnk.runTrain()
	if err != nil {
		return err
	}

	lnk.last.Outcomes = make([]Outcome, len(stats))
	for i, dir := range lnk.Directions() {
		o := &lnk.last.Outcomes[i]
		o.Dir = dir
		o.First.Stats = stats[i]
		o.First.Result, err = trim.Analyze(stats[i], set.MinWindow, set.MaxSkewSpread)
		if err != nil {
			return fmt.Errorf("link: could not analyze %v first pass: %w", dir, err)
		}
		lnk.msg.Printf("%v: first pass: %v", dir, o.First.Result)
	}

	lnk.err = nil
	for _, o := range lnk.last.Outcomes {
		_, rx := lnk.endpoints(o.Dir)
		lnk.writeDelays(rx, o.First.Result.RegDelays())
	}
	if lnk.err != nil {
		return fmt.Errorf("link: could not program lane delays: %w", lnk.err)
	}

	stats, err = lnk.runTrain()
	if err != nil {
		return err
	}

	var trims [2]int
	for i := range lnk.last.Outcomes {
		o := &lnk.last.Outcomes[i]
		o.Final.Stats = stats[i]
		o.Final.Result, err = trim.Analyze(stats[i], set.MinWindow, set.MaxSkewSpread)
		if err != nil {
			return fmt.Errorf("link: could not analyze %v final pass: %w", o.Dir, err)
		}
		if o.Final.Result.Phase != trim.Combined {
			// the lane delays did not compensate the skew.
			return fmt.Errorf(
				"link: residual %v skew after lane delays (%v): %w",
				o.Dir, o.Final.Result, trim.ErrNoWindow,
			)
		}
		trims[o.Dir] = o.Final.Result.Trim
	}

	return lnk.apply(trims[P2S], trims[S2P], set.TxClock)
}

// LastTraining returns the statistics and analysis of the last high speed
// training attempt.
func (lnk *Link) LastTraining() Training {
	return lnk.last
}
