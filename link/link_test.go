// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/go-lpc/c2c/hw"
	"github.com/go-lpc/c2c/internal/regs"
	"github.com/go-lpc/c2c/internal/sim"
	"github.com/go-lpc/c2c/trim"
)

const (
	priBase = 0x10000
	secBase = 0x20000
)

func newTestLink(t *testing.T, dev *sim.Device, mode Mode, opts ...Option) (*Link, *sim.Clock) {
	t.Helper()
	clk := new(sim.Clock)
	opts = append([]Option{
		WithLogger(log.New(io.Discard, "link: ", 0)),
		WithClock(clk),
	}, opts...)
	lnk, err := New(dev, priBase, secBase, mode, opts...)
	if err != nil {
		t.Fatalf("could not create link: %+v", err)
	}
	return lnk, clk
}

func clkDiv(clk ClockDivider) uint32 {
	return uint32(clk.ROSC)<<regs.SHIFT_ROSC |
		uint32(clk.DevClk)<<regs.SHIFT_DEVCLK |
		uint32(clk.PLL)<<regs.SHIFT_PLL
}

func TestNew(t *testing.T) {
	t.Run("nil-bank", func(t *testing.T) {
		_, err := New(nil, priBase, secBase, Normal)
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrInvalid)
		}
	})

	t.Run("invalid-mode", func(t *testing.T) {
		_, err := New(sim.New(priBase, secBase), priBase, secBase, Mode(42))
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrInvalid)
		}
	})

	t.Run("normal", func(t *testing.T) {
		dev := sim.New(priBase, secBase)
		lnk, _ := newTestLink(t, dev, Normal)
		if got, want := len(dev.Trace), 0; got != want {
			t.Fatalf("invalid number of register accesses: got=%d, want=%d", got, want)
		}
		if got, want := len(lnk.Directions()), 2; got != want {
			t.Fatalf("invalid number of directions: got=%d, want=%d", got, want)
		}
	})

	t.Run("loopback", func(t *testing.T) {
		dev := sim.New(priBase, secBase)
		lnk, _ := newTestLink(t, dev, Loopback)
		if got, want := lnk.sec.base, uint64(priBase); got != want {
			t.Fatalf("invalid secondary address: got=0x%x, want=0x%x", got, want)
		}
		if got, want := len(dev.Writes()), 1; got != want {
			t.Fatalf("invalid number of register writes: got=%d, want=%d", got, want)
		}
		ctrl := dev.Primary().Reg(regs.CTRL)
		if ctrl&regs.O_PHY_LOOPBACK == 0 {
			t.Fatalf("phy loopback not enabled: ctrl=0x%x", ctrl)
		}
		if got, want := lnk.Directions(), []Direction{P2S}; len(got) != 1 || got[0] != want[0] {
			t.Fatalf("invalid directions: got=%v, want=%v", got, want)
		}
	})
}

func TestNotInitialized(t *testing.T) {
	for _, tc := range []struct {
		name string
		pri  uint64
		sec  uint64
		mode Mode
	}{
		{"no-primary", 0, secBase, Normal},
		{"no-secondary", priBase, 0, Normal},
		{"no-tiles", 0, 0, Normal},
		{"loopback", 0, secBase, Loopback},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := sim.New(priBase, secBase)
			lnk, err := New(dev, tc.pri, tc.sec, tc.mode, WithLogger(log.New(io.Discard, "", 0)))
			if err != nil {
				t.Fatalf("could not create link: %+v", err)
			}

			err = lnk.EnableNormalSpeed()
			if !errors.Is(err, ErrNotInitialized) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrNotInitialized)
			}
			err = lnk.EnableHighSpeed(DefaultSettings())
			if !errors.Is(err, ErrNotInitialized) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrNotInitialized)
			}
			_, err = lnk.RunLoopbackTest(DefaultSettings())
			if !errors.Is(err, ErrNotInitialized) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrNotInitialized)
			}

			if got, want := len(dev.Trace), 0; got != want {
				t.Fatalf("invalid number of register accesses: got=%d, want=%d", got, want)
			}
		})
	}
}

func TestEnableNormalSpeed(t *testing.T) {
	dev := sim.New(priBase, secBase)
	lnk, _ := newTestLink(t, dev, Normal)

	const want = regs.O_BRIDGE_EN | regs.O_IRQ_BRIDGE_EN | regs.O_TXN_EN
	for i := 0; i < 2; i++ {
		err := lnk.EnableNormalSpeed()
		if err != nil {
			t.Fatalf("could not enable normal speed: %+v", err)
		}
		for _, tile := range dev.Tiles {
			if got := tile.Reg(regs.CTRL); got != want {
				t.Fatalf("invalid ctrl of tile 0x%x: got=0x%x, want=0x%x", tile.Base, got, want)
			}
		}
	}

	dev.Err = errors.New("bus error")
	err := lnk.EnableNormalSpeed()
	if !errors.Is(err, dev.Err) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, dev.Err)
	}
}

func TestRunTrain(t *testing.T) {
	dev := sim.New(priBase, secBase)
	dev.SetWindows(sim.P2S, sim.Window{Lo: 40, Hi: 60})
	dev.SetWindows(sim.S2P, sim.Window{Lo: 40, Hi: 60})

	lnk, _ := newTestLink(t, dev, Normal)
	stats, err := lnk.runTrain()
	if err != nil {
		t.Fatalf("could not run training: %+v", err)
	}
	if got, want := len(stats), 2; got != want {
		t.Fatalf("invalid number of statistics: got=%d, want=%d", got, want)
	}

	for i, dir := range lnk.Directions() {
		if got, want := len(stats[i]), trim.Max; got != want {
			t.Fatalf("%v: invalid statistics size: got=%d, want=%d", dir, got, want)
		}
		for code, v := range stats[i] {
			want := uint8(0xff)
			if 40 <= code && code < 60 {
				want = 0
			}
			if v != want {
				t.Fatalf("%v: invalid bitmap at trim=%d: got=0x%x, want=0x%x", dir, code, v, want)
			}
		}
		res, err := trim.Analyze(stats[i], trim.MinWindowSize, trim.MaxSkewSpread)
		if err != nil {
			t.Fatalf("%v: could not analyze: %+v", dir, err)
		}
		if got, want := res.Trim, 50; got != want {
			t.Fatalf("%v: invalid trim: got=%d, want=%d", dir, got, want)
		}
		if got, want := res.EyeWidth, 20; got != want {
			t.Fatalf("%v: invalid eye width: got=%d, want=%d", dir, got, want)
		}
	}

	for _, tile := range dev.Tiles {
		if got, want := tile.Calibrations, trim.Max; got != want {
			t.Fatalf("invalid number of calibrations of tile 0x%x: got=%d, want=%d", tile.Base, got, want)
		}
		if got, want := tile.Reg(regs.STATUS)&regs.O_CAL_DONE, uint32(0); got != want {
			t.Fatalf("calibration-done flag not acknowledged on tile 0x%x", tile.Base)
		}
		if tile.Reg(regs.CTRL)&regs.O_TXN_EN == 0 {
			t.Fatalf("transactions not re-enabled on tile 0x%x", tile.Base)
		}
	}
}

func TestEnableHighSpeed(t *testing.T) {
	dev := sim.New(priBase, secBase)
	dev.SetWindows(sim.P2S, sim.Window{Lo: 40, Hi: 60})
	dev.SetWindows(sim.S2P, sim.Window{Lo: 10, Hi: 25})

	lnk, _ := newTestLink(t, dev, Normal)
	err := lnk.EnableNormalSpeed()
	if err != nil {
		t.Fatalf("could not enable normal speed: %+v", err)
	}

	set := DefaultSettings()
	err = lnk.EnableHighSpeed(set)
	if err != nil {
		t.Fatalf("could not enable high speed: %+v", err)
	}

	train := lnk.LastTraining()
	if train.Err != nil {
		t.Fatalf("invalid training error: %+v", train.Err)
	}
	if got, want := len(train.Outcomes), 2; got != want {
		t.Fatalf("invalid number of outcomes: got=%d, want=%d", got, want)
	}
	for _, tc := range []struct {
		dir  Direction
		trim int
		eye  int
	}{
		{P2S, 50, 20},
		{S2P, 17, 15},
	} {
		o := train.Outcomes[tc.dir]
		if got, want := o.Dir, tc.dir; got != want {
			t.Fatalf("invalid direction: got=%v, want=%v", got, want)
		}
		for _, pass := range []Pass{o.First, o.Final} {
			if got, want := pass.Result.Phase, trim.Combined; got != want {
				t.Fatalf("%v: invalid phase: got=%v, want=%v", tc.dir, got, want)
			}
			if got, want := pass.Result.Trim, tc.trim; got != want {
				t.Fatalf("%v: invalid trim: got=%d, want=%d", tc.dir, got, want)
			}
			if got, want := pass.Result.EyeWidth, tc.eye; got != want {
				t.Fatalf("%v: invalid eye width: got=%d, want=%d", tc.dir, got, want)
			}
		}
	}

	var (
		pri = dev.Primary()
		sec = dev.Secondary()
	)
	if got, want := sec.Reg(regs.RX_TRIM), uint32(50); got != want {
		t.Fatalf("invalid p2s trim: got=%d, want=%d", got, want)
	}
	if got, want := pri.Reg(regs.RX_TRIM), uint32(17); got != want {
		t.Fatalf("invalid s2p trim: got=%d, want=%d", got, want)
	}
	for _, tile := range dev.Tiles {
		if got, want := tile.Reg(regs.CLK_DIV), clkDiv(set.TxClock); got != want {
			t.Fatalf("invalid clock dividers of tile 0x%x: got=0x%x, want=0x%x", tile.Base, got, want)
		}
		const ctrl = regs.O_BRIDGE_EN | regs.O_IRQ_BRIDGE_EN | regs.O_TXN_EN
		if got, want := tile.Reg(regs.CTRL), uint32(ctrl); got != want {
			t.Fatalf("invalid ctrl of tile 0x%x: got=0x%x, want=0x%x", tile.Base, got, want)
		}
		if got, want := tile.Reg(regs.LANE_DELAY), uint32(0); got != want {
			t.Fatalf("invalid lane delays of tile 0x%x: got=0x%x, want=0x%x", tile.Base, got, want)
		}
		if got, want := tile.Calibrations, 2*trim.Max; got != want {
			t.Fatalf("invalid number of calibrations: got=%d, want=%d", got, want)
		}
	}

	// handshake timings.
	hs := set.P2S
	if got, want := pri.Reg(regs.HS_DELAY1), uint32(hs.CaptureLength)|uint32(hs.CaptureToCheck)<<16; got != want {
		t.Fatalf("invalid handshake timings: got=0x%x, want=0x%x", got, want)
	}
	if got, want := sec.Reg(regs.PRBS_POLY_AT(3, 1)), set.PRBS.PolyNeg; got != want {
		t.Fatalf("invalid PRBS polynomial: got=0x%x, want=0x%x", got, want)
	}
}

func TestApplyOrdering(t *testing.T) {
	dev := sim.New(priBase, secBase)
	dev.SetWindows(sim.P2S, sim.Window{Lo: 40, Hi: 60})
	dev.SetWindows(sim.S2P, sim.Window{Lo: 10, Hi: 30})

	lnk, _ := newTestLink(t, dev, Normal)
	set := DefaultSettings()

	err := lnk.apply(50, 20, set.TxClock)
	if err != nil {
		t.Fatalf("could not apply trims: %+v", err)
	}

	var (
		trace = dev.Trace
		find  = func(beg, tile int, off int64, write bool) int {
			for i := beg; i < len(trace); i++ {
				acc := trace[i]
				if acc.Tile == tile && acc.Off == off && acc.Write == write {
					return i
				}
			}
			t.Fatalf("could not find access (tile=%d, off=0x%x, write=%v) after %d", tile, off, write, beg)
			return -1
		}
	)

	var (
		p2sTrim = find(0, 1, regs.RX_TRIM, true)
		p2sDrn1 = find(p2sTrim, 0, regs.STATUS, false)
		p2sDrn2 = find(p2sTrim, 1, regs.STATUS, false)
		priClk  = find(p2sTrim, 0, regs.CLK_DIV, true)
		s2pTrim = find(priClk, 0, regs.RX_TRIM, true)
		s2pDrn1 = find(s2pTrim, 0, regs.STATUS, false)
		s2pDrn2 = find(s2pTrim, 1, regs.STATUS, false)
		secClk  = find(s2pTrim, 1, regs.CLK_DIV, true)
	)
	if !(p2sDrn1 < priClk && p2sDrn2 < priClk) {
		t.Fatalf("primary clock raised before drain:\n%v", trace[p2sTrim:priClk+1])
	}
	if !(s2pDrn1 < secClk && s2pDrn2 < secClk) {
		t.Fatalf("secondary clock raised before drain:\n%v", trace[s2pTrim:secClk+1])
	}

	for i, acc := range trace[:p2sTrim] {
		if acc.Write && acc.Off == regs.CLK_DIV {
			t.Fatalf("clock raised before trims were applied: access[%d]=%v", i, acc)
		}
	}

	if got, want := dev.Secondary().Reg(regs.RX_TRIM), uint32(50); got != want {
		t.Fatalf("invalid p2s trim: got=%d, want=%d", got, want)
	}
	if got, want := dev.Primary().Reg(regs.RX_TRIM), uint32(20); got != want {
		t.Fatalf("invalid s2p trim: got=%d, want=%d", got, want)
	}
	for _, tile := range dev.Tiles {
		if got, want := tile.Resumes, 1; got != want {
			t.Fatalf("invalid number of resumes of tile 0x%x: got=%d, want=%d", tile.Base, got, want)
		}
	}
}

func TestApplyTimeout(t *testing.T) {
	dev := sim.New(priBase, secBase)
	dev.Secondary().Stuck = true

	lnk, clk := newTestLink(t, dev, Normal, WithDrainTimeout(time.Millisecond))
	err := lnk.apply(10, 20, DefaultSettings().TxClock)
	if !errors.Is(err, ErrApplyTimeout) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrApplyTimeout)
	}
	if !errors.Is(err, hw.ErrTimeout) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, hw.ErrTimeout)
	}
	if elapsed := clk.Elapsed(); elapsed > time.Millisecond+hw.DefaultPollInterval {
		t.Fatalf("apply did not honor its timeout: %v", elapsed)
	}
	for _, tile := range dev.Tiles {
		if got, want := tile.Reg(regs.RX_TRIM), uint32(0); got != want {
			t.Fatalf("trim written to a non quiescent tile 0x%x: got=%d", tile.Base, got)
		}
		if got, want := tile.Reg(regs.CTRL)&regs.O_TXN_EN, uint32(regs.O_TXN_EN); got != want {
			t.Fatalf("transactions not re-enabled on tile 0x%x", tile.Base)
		}
	}
}

func TestGatherStatisticsTimeouts(t *testing.T) {
	const tmo = time.Millisecond
	for _, tc := range []struct {
		name    string
		setup   func(dev *sim.Device)
		dir     Direction
		want    error
		resumes [2]int
	}{
		{
			name:    "p2s-stuck-tx",
			setup:   func(dev *sim.Device) { dev.Primary().Stuck = true },
			dir:     P2S,
			want:    ErrDrainTimeout,
			resumes: [2]int{1, 1},
		},
		{
			name:    "p2s-stuck-rx",
			setup:   func(dev *sim.Device) { dev.Secondary().Stuck = true },
			dir:     P2S,
			want:    ErrDrainTimeout,
			resumes: [2]int{0, 1},
		},
		{
			name:    "s2p-stuck-rx",
			setup:   func(dev *sim.Device) { dev.Primary().Stuck = true },
			dir:     S2P,
			want:    ErrDrainTimeout,
			resumes: [2]int{1, 0},
		},
		{
			name:    "p2s-no-done",
			setup:   func(dev *sim.Device) { dev.Secondary().NoDone = true },
			dir:     P2S,
			want:    ErrTrainTimeout,
			resumes: [2]int{1, 1},
		},
		{
			name:    "s2p-no-done",
			setup:   func(dev *sim.Device) { dev.Primary().NoDone = true },
			dir:     S2P,
			want:    ErrTrainTimeout,
			resumes: [2]int{1, 0},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := sim.New(priBase, secBase)
			tc.setup(dev)

			lnk, clk := newTestLink(t, dev, Normal, WithDrainTimeout(tmo), WithTrainWait(tmo))
			_, err := lnk.gatherStatistics(tc.dir, 12)
			if !errors.Is(err, tc.want) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, tc.want)
			}
			if !errors.Is(err, hw.ErrTimeout) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, hw.ErrTimeout)
			}
			if elapsed := clk.Elapsed(); elapsed > tmo+hw.DefaultPollInterval {
				t.Fatalf("timeout not honored: %v", elapsed)
			}

			for i, tile := range dev.Tiles {
				if got, want := tile.Resumes, tc.resumes[i]; got != want {
					t.Fatalf("invalid number of resumes of tile 0x%x: got=%d, want=%d", tile.Base, got, want)
				}
				if tile.Reg(regs.CTRL)&regs.O_TXN_EN == 0 {
					t.Fatalf("transactions left disabled on tile 0x%x", tile.Base)
				}
			}
		})
	}
}

func TestRunDirectionInterrupts(t *testing.T) {
	for _, tc := range []struct {
		name  string
		irq   bool
		stuck bool
	}{
		{"irq-ok", true, false},
		{"irq-stuck", true, true},
		{"no-irq-ok", false, false},
		{"no-irq-stuck", false, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := sim.New(priBase, secBase)
			dev.Secondary().Stuck = tc.stuck

			lnk, _ := newTestLink(t, dev, Normal, WithDrainTimeout(time.Millisecond))
			if tc.irq {
				err := lnk.EnableNormalSpeed()
				if err != nil {
					t.Fatalf("could not enable normal speed: %+v", err)
				}
			}

			_, err := lnk.runDirection(P2S)
			switch {
			case tc.stuck && !errors.Is(err, ErrDrainTimeout):
				t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrDrainTimeout)
			case !tc.stuck && err != nil:
				t.Fatalf("could not run direction: %+v", err)
			}

			// replay the trace: no calibration may run with bridged
			// interrupts enabled.
			ctrl := [2]uint32{regs.O_TXN_EN, regs.O_TXN_EN}
			cals := 0
			for _, acc := range dev.Writes() {
				switch {
				case acc.Off == regs.CTRL:
					ctrl[acc.Tile] = acc.Value
				case acc.Off == regs.CAL_CTRL && acc.Value&regs.O_CAL_START != 0:
					cals++
					for i, v := range ctrl {
						if v&regs.O_IRQ_BRIDGE_EN != 0 {
							t.Fatalf("calibration with bridged interrupts enabled on tile %d", i)
						}
					}
				}
			}
			want := trim.Max
			if tc.stuck {
				want = 0
			}
			if cals != want {
				t.Fatalf("invalid number of calibrations: got=%d, want=%d", cals, want)
			}

			for _, tile := range dev.Tiles {
				got := tile.Reg(regs.CTRL)&regs.O_IRQ_BRIDGE_EN != 0
				if got != tc.irq {
					t.Fatalf("invalid bridged interrupts state of tile 0x%x: got=%v, want=%v", tile.Base, got, tc.irq)
				}
			}
		})
	}
}

func TestEnableHighSpeedFailure(t *testing.T) {
	normal := ClockDivider{ROSC: 3, DevClk: 8, PLL: 50}
	for _, tc := range []struct {
		name  string
		setup func(dev *sim.Device)
		opts  []Option
		want  error
	}{
		{
			name:  "no-window",
			setup: func(dev *sim.Device) { dev.SetWindows(sim.S2P, sim.Window{Lo: 20, Hi: 24}) },
			want:  trim.ErrNoWindow,
		},
		{
			name:  "dead-lane",
			setup: func(dev *sim.Device) { dev.Windows[sim.P2S][2] = sim.Window{} },
			want:  trim.ErrNoWindow,
		},
		{
			name:  "drain-timeout",
			setup: func(dev *sim.Device) { dev.Secondary().Outstanding = 1 << 20 },
			opts:  []Option{WithDrainTimeout(time.Millisecond)},
			want:  ErrDrainTimeout,
		},
		{
			name:  "train-timeout",
			setup: func(dev *sim.Device) { dev.Primary().NoDone = true },
			opts:  []Option{WithTrainWait(time.Millisecond)},
			want:  ErrTrainTimeout,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := sim.New(priBase, secBase)
			for _, tile := range dev.Tiles {
				tile.Poke(regs.CLK_DIV, clkDiv(normal))
			}
			tc.setup(dev)

			lnk, _ := newTestLink(t, dev, Normal, tc.opts...)
			err := lnk.EnableNormalSpeed()
			if err != nil {
				t.Fatalf("could not enable normal speed: %+v", err)
			}

			err = lnk.EnableHighSpeed(DefaultSettings())
			if !errors.Is(err, tc.want) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, tc.want)
			}
			if got := lnk.LastTraining().Err; !errors.Is(got, tc.want) {
				t.Fatalf("invalid training error: got=%+v, want=%+v", got, tc.want)
			}

			for _, tile := range dev.Tiles {
				if got, want := tile.Reg(regs.CLK_DIV), clkDiv(normal); got != want {
					t.Fatalf("clock of tile 0x%x not restored: got=0x%x, want=0x%x", tile.Base, got, want)
				}
				const ctrl = regs.O_BRIDGE_EN | regs.O_IRQ_BRIDGE_EN | regs.O_TXN_EN
				if got, want := tile.Reg(regs.CTRL), uint32(ctrl); got != want {
					t.Fatalf("invalid ctrl of tile 0x%x: got=0x%x, want=0x%x", tile.Base, got, want)
				}
				if got := tile.Reg(regs.RX_TRIM); got != 0 {
					t.Fatalf("trim of tile 0x%x not reset: got=%d", tile.Base, got)
				}
				if got := tile.Reg(regs.LANE_DELAY); got != 0 {
					t.Fatalf("lane delays of tile 0x%x not reset: got=0x%x", tile.Base, got)
				}
				if got := tile.Reg(regs.CAL_CTRL); got != 0 {
					t.Fatalf("PRBS generator of tile 0x%x still running: 0x%x", tile.Base, got)
				}
			}
		})
	}
}

func TestEnableHighSpeedInvalid(t *testing.T) {
	dev := sim.New(priBase, secBase)
	lnk, _ := newTestLink(t, dev, Normal)

	set := DefaultSettings()
	set.MaxSkewSpread = trim.DelayMax
	err := lnk.EnableHighSpeed(set)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrInvalid)
	}
	if got, want := len(dev.Trace), 0; got != want {
		t.Fatalf("invalid number of register accesses: got=%d, want=%d", got, want)
	}
}

func TestSkewCompensation(t *testing.T) {
	dev := sim.New(priBase, secBase)
	dev.Windows[sim.P2S] = [regs.NLANES]sim.Window{
		{Lo: 20, Hi: 30},
		{Lo: 22, Hi: 32},
		{Lo: 25, Hi: 35},
		{Lo: 21, Hi: 31},
	}

	lnk, _ := newTestLink(t, dev, Normal)
	set := DefaultSettings()
	set.MinWindow = 8

	err := lnk.EnableHighSpeed(set)
	if err != nil {
		t.Fatalf("could not enable high speed: %+v", err)
	}

	p2s := lnk.LastTraining().Outcomes[P2S]
	first := p2s.First.Result
	if got, want := first.Phase, trim.Skew; got != want {
		t.Fatalf("invalid first pass phase: got=%v, want=%v", got, want)
	}
	if got, want := first.Delays, [trim.LaneCount]int{0, -2, -5, -1}; got != want {
		t.Fatalf("invalid first pass delays: got=%v, want=%v", got, want)
	}

	// lanes are delayed onto the latest window, starting at 25.
	if got, want := dev.Secondary().Reg(regs.LANE_DELAY), uint32(0x4035); got != want {
		t.Fatalf("invalid lane delays: got=0x%x, want=0x%x", got, want)
	}

	final := p2s.Final.Result
	if got, want := final.Phase, trim.Combined; got != want {
		t.Fatalf("invalid final pass phase: got=%v, want=%v", got, want)
	}
	if got, want := final.Trim, 30; got != want {
		t.Fatalf("invalid final trim: got=%d, want=%d", got, want)
	}
	if got, want := final.EyeWidth, 10; got != want {
		t.Fatalf("invalid final eye width: got=%d, want=%d", got, want)
	}
	if got, want := dev.Secondary().Reg(regs.RX_TRIM), uint32(30); got != want {
		t.Fatalf("invalid p2s trim: got=%d, want=%d", got, want)
	}

	// s2p has no skew.
	if got, want := dev.Primary().Reg(regs.LANE_DELAY), uint32(0); got != want {
		t.Fatalf("invalid s2p lane delays: got=0x%x, want=0x%x", got, want)
	}
}

// driftBank moves the P2S windows back by the programmed lane delays,
// as if the lanes drifted right after the delays were applied.
type driftBank struct {
	*sim.Device
	drifted bool
}

func (bank *driftBank) Write32(addr uint64, v uint32) error {
	err := bank.Device.Write32(addr, v)
	if err != nil || bank.drifted || addr != secBase+regs.LANE_DELAY || v == 0 {
		return err
	}
	bank.drifted = true
	for lane := range bank.Windows[sim.P2S] {
		d := int(v >> regs.SHIFT_LANE_DELAY(lane) & (1<<regs.WIDTH_LANE_DELAY - 1))
		bank.Windows[sim.P2S][lane].Lo -= d
		bank.Windows[sim.P2S][lane].Hi -= d
	}
	return nil
}

func TestResidualSkew(t *testing.T) {
	dev := sim.New(priBase, secBase)
	dev.Windows[sim.P2S] = [regs.NLANES]sim.Window{
		{Lo: 20, Hi: 30},
		{Lo: 22, Hi: 32},
		{Lo: 25, Hi: 35},
		{Lo: 21, Hi: 31},
	}
	bank := &driftBank{Device: dev}

	lnk, err := New(bank, priBase, secBase, Normal,
		WithLogger(log.New(io.Discard, "link: ", 0)),
		WithClock(new(sim.Clock)),
	)
	if err != nil {
		t.Fatalf("could not create link: %+v", err)
	}

	set := DefaultSettings()
	set.MinWindow = 8

	err = lnk.EnableHighSpeed(set)
	if !errors.Is(err, trim.ErrNoWindow) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, trim.ErrNoWindow)
	}
	if !bank.drifted {
		t.Fatalf("lane delays were not programmed")
	}

	p2s := lnk.LastTraining().Outcomes[P2S]
	if got, want := p2s.First.Result.Phase, trim.Skew; got != want {
		t.Fatalf("invalid first pass phase: got=%v, want=%v", got, want)
	}
	if got, want := p2s.Final.Result.Phase, trim.Skew; got != want {
		t.Fatalf("invalid final pass phase: got=%v, want=%v", got, want)
	}
	if got := dev.Secondary().Reg(regs.RX_TRIM); got != 0 {
		t.Fatalf("p2s trim applied despite residual skew: got=%d", got)
	}
}

func TestLoopback(t *testing.T) {
	dev := sim.New(priBase, secBase)
	dev.SetWindows(sim.P2S, sim.Window{Lo: 10, Hi: 30})
	dev.SetWindows(sim.S2P, sim.Window{})

	lnk, _ := newTestLink(t, dev, Loopback)
	set := DefaultSettings()
	err := lnk.EnableHighSpeed(set)
	if err != nil {
		t.Fatalf("could not enable high speed: %+v", err)
	}

	outs := lnk.LastTraining().Outcomes
	if got, want := len(outs), 1; got != want {
		t.Fatalf("invalid number of outcomes: got=%d, want=%d", got, want)
	}
	if got, want := outs[0].Final.Result.Trim, 20; got != want {
		t.Fatalf("invalid trim: got=%d, want=%d", got, want)
	}

	pri := dev.Primary()
	if got, want := pri.Reg(regs.RX_TRIM), uint32(20); got != want {
		t.Fatalf("invalid trim: got=%d, want=%d", got, want)
	}
	if got, want := pri.Reg(regs.CLK_DIV), clkDiv(set.TxClock); got != want {
		t.Fatalf("invalid clock: got=0x%x, want=0x%x", got, want)
	}
	if got, want := pri.Calibrations, 2*trim.Max; got != want {
		t.Fatalf("invalid number of calibrations: got=%d, want=%d", got, want)
	}

	for _, acc := range dev.Trace {
		if acc.Tile != 0 {
			t.Fatalf("secondary tile accessed in loopback: %v", acc)
		}
	}
}

func TestRunLoopbackTest(t *testing.T) {
	for _, tc := range []struct {
		name string
		mode Mode
		rx   int
	}{
		{"loopback", Loopback, 0},
		{"normal", Normal, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := sim.New(priBase, secBase)
			rx := dev.Tiles[tc.rx]
			rx.Counters[1][trim.Pos] = sim.Counts{Fail: 3, Late: 1}
			rx.Counters[2][trim.Neg] = sim.Counts{Early: 7}
			rx.Poke(regs.CNT_AT(0, regs.CNT_FAIL), 0xffff) // stale

			const interval = 5 * time.Millisecond
			lnk, clk := newTestLink(t, dev, tc.mode, WithLoopbackInterval(interval))

			rep, err := lnk.RunLoopbackTest(DefaultSettings())
			if err != nil {
				t.Fatalf("could not run loopback test: %+v", err)
			}
			if got, want := clk.Elapsed(), interval; got != want {
				t.Fatalf("invalid PRBS run time: got=%v, want=%v", got, want)
			}

			var want LoopbackReport
			want.Lanes[1][trim.Pos] = Counts{Fail: 3, Late: 1}
			want.Lanes[2][trim.Neg] = Counts{Early: 7}
			if rep != want {
				t.Fatalf("invalid report:\ngot=\n%v\nwant=\n%v", rep, want)
			}
			if got, want := rep.Errors(), 3; got != want {
				t.Fatalf("invalid number of errors: got=%d, want=%d", got, want)
			}
			if rep.OK() {
				t.Fatalf("report should not be OK")
			}
			if got := dev.Primary().Reg(regs.CAL_CTRL); got&regs.O_PRBS_EN != 0 {
				t.Fatalf("PRBS generator still running")
			}
		})
	}
}

func TestRunLoopbackTestOK(t *testing.T) {
	dev := sim.New(priBase, secBase)
	lnk, _ := newTestLink(t, dev, Loopback)
	rep, err := lnk.RunLoopbackTest(DefaultSettings())
	if err != nil {
		t.Fatalf("could not run loopback test: %+v", err)
	}
	if !rep.OK() {
		t.Fatalf("invalid report:\n%v", rep)
	}
}
