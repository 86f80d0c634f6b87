// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/go-lpc/c2c/internal/regs"
	"github.com/go-lpc/c2c/trim"
	"gopkg.in/yaml.v3"
)

// ClockDivider holds the clock divider settings of a tile.
type ClockDivider struct {
	ROSC   uint8  `yaml:"rosc"`
	DevClk uint8  `yaml:"devclk"`
	PLL    uint16 `yaml:"pll"`
}

func (clk ClockDivider) validate() error {
	if uint32(clk.ROSC) > fldROSC.Max() {
		return fmt.Errorf("rosc=%d overflows %d bits", clk.ROSC, regs.WIDTH_ROSC)
	}
	if uint32(clk.PLL) > fldPLL.Max() {
		return fmt.Errorf("pll=%d overflows %d bits", clk.PLL, regs.WIDTH_PLL)
	}
	return nil
}

func (clk ClockDivider) String() string {
	return fmt.Sprintf("rosc=%d devclk=%d pll=%d", clk.ROSC, clk.DevClk, clk.PLL)
}

// PRBS holds the pseudo-random bit sequence generator settings.
// The polynomials are shared by all lanes.
type PRBS struct {
	Seed    uint32 `yaml:"seed"`
	PolyPos uint32 `yaml:"poly_pos"`
	PolyNeg uint32 `yaml:"poly_neg"`
}

// DelaySettings holds the handshake timings of one direction,
// in transmit clock cycles.
type DelaySettings struct {
	CmdToPattern     uint16 `yaml:"cmd_to_pattern"`
	PatternToCapture uint16 `yaml:"pattern_to_capture"`
	CaptureLength    uint16 `yaml:"capture_length"`
	CaptureToCheck   uint16 `yaml:"capture_to_check"`
	CheckToDone      uint16 `yaml:"check_to_done"`
	IdleGap          uint16 `yaml:"idle_gap"`
}

// Settings holds the training settings of a link.
type Settings struct {
	Clock   ClockDivider  `yaml:"clock"`    // training clock
	TxClock ClockDivider  `yaml:"tx_clock"` // full speed clock
	PRBS    PRBS          `yaml:"prbs"`
	P2S     DelaySettings `yaml:"p2s"`
	S2P     DelaySettings `yaml:"s2p"`

	MinWindow     int `yaml:"min_window"`
	MaxSkewSpread int `yaml:"max_skew_spread"`
}

// DefaultSettings returns the default training settings.
// The training clock runs the bus at a quarter of its full speed.
func DefaultSettings() Settings {
	delays := DelaySettings{
		CmdToPattern:     16,
		PatternToCapture: 8,
		CaptureLength:    256,
		CaptureToCheck:   8,
		CheckToDone:      4,
		IdleGap:          32,
	}
	return Settings{
		Clock:   ClockDivider{ROSC: 2, DevClk: 4, PLL: 100},
		TxClock: ClockDivider{ROSC: 2, DevClk: 1, PLL: 100},
		PRBS: PRBS{
			Seed:    0xffffffff,
			PolyPos: 0x80200003,
			PolyNeg: 0xa3000000,
		},
		P2S:           delays,
		S2P:           delays,
		MinWindow:     trim.MinWindowSize,
		MaxSkewSpread: trim.MaxSkewSpread,
	}
}

// Validate checks the settings can be programmed.
func (set Settings) Validate() error {
	if err := set.Clock.validate(); err != nil {
		return fmt.Errorf("link: invalid training clock: %v: %w", err, ErrInvalid)
	}
	if err := set.TxClock.validate(); err != nil {
		return fmt.Errorf("link: invalid tx clock: %v: %w", err, ErrInvalid)
	}
	if set.PRBS.Seed == 0 {
		return fmt.Errorf("link: invalid zero PRBS seed: %w", ErrInvalid)
	}
	if set.PRBS.PolyPos == 0 || set.PRBS.PolyNeg == 0 {
		return fmt.Errorf("link: invalid zero PRBS polynomial: %w", ErrInvalid)
	}
	if set.MinWindow < 0 || set.MinWindow > trim.Max {
		return fmt.Errorf("link: invalid min-window=%d: %w", set.MinWindow, ErrInvalid)
	}
	if set.MaxSkewSpread < 0 || set.MaxSkewSpread >= trim.DelayMax {
		return fmt.Errorf("link: invalid max-skew-spread=%d: %w", set.MaxSkewSpread, ErrInvalid)
	}
	return nil
}

// DecodeSettings decodes YAML settings from r.
// Missing values are taken from DefaultSettings.
func DecodeSettings(r io.Reader) (Settings, error) {
	set := DefaultSettings()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(&set)
	if err != nil && err != io.EOF {
		return set, fmt.Errorf("link: could not decode settings: %w", err)
	}
	err = set.Validate()
	if err != nil {
		return set, err
	}
	return set, nil
}

// LoadSettings loads YAML settings from the named file.
func LoadSettings(fname string) (Settings, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return Settings{}, fmt.Errorf("link: could not read settings file: %w", err)
	}
	return DecodeSettings(bytes.NewReader(raw))
}
