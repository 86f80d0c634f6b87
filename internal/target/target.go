// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package target describes the C2C links of a board and opens the register
// banks through which they are reached.
package target // import "github.com/go-lpc/c2c/internal/target"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-lpc/c2c/hw"
	"github.com/go-lpc/c2c/internal/regs"
	"github.com/go-lpc/c2c/internal/sim"
	"github.com/go-lpc/c2c/link"
	"gopkg.in/yaml.v3"
)

// Target describes a C2C link.
//
// Bus selects how the registers of the link are reached:
//   - "devmem:/dev/mem" maps the tiles through a memory device,
//   - "smbus:1:0x42" uses the sideband bridge on i2c bus 1, slave 0x42,
//   - "sim" simulates the tiles.
type Target struct {
	Name      string `yaml:"name"`
	Bus       string `yaml:"bus"`
	Primary   uint64 `yaml:"primary"`
	Secondary uint64 `yaml:"secondary"`
	Loopback  bool   `yaml:"loopback"`

	// Windows are the error-free windows of the simulated lanes,
	// per direction ("p2s", "s2p").
	Windows map[string][][2]int `yaml:"windows,omitempty"`
}

// Bank is an opened register bank.
type Bank interface {
	hw.Bank
	io.Closer
}

// Mode returns the link mode of the target.
func (tgt Target) Mode() link.Mode {
	if tgt.Loopback {
		return link.Loopback
	}
	return link.Normal
}

// Open opens the register bank of the target.
func (tgt Target) Open() (Bank, error) {
	toks := strings.Split(tgt.Bus, ":")
	switch toks[0] {
	case "devmem":
		if len(toks) != 2 || toks[1] == "" {
			return nil, fmt.Errorf("target: invalid devmem bus %q", tgt.Bus)
		}
		bank, err := hw.OpenMMIO(toks[1], tgt.bases()...)
		if err != nil {
			return nil, fmt.Errorf("target: could not open %q: %w", tgt.Name, err)
		}
		return bank, nil

	case "smbus":
		if len(toks) != 3 {
			return nil, fmt.Errorf("target: invalid smbus bus %q", tgt.Bus)
		}
		bus, err := strconv.Atoi(toks[1])
		if err != nil {
			return nil, fmt.Errorf("target: could not parse i2c bus %q: %w", toks[1], err)
		}
		addr, err := strconv.ParseUint(toks[2], 0, 7)
		if err != nil {
			return nil, fmt.Errorf("target: could not parse i2c address %q: %w", toks[2], err)
		}
		bank, err := hw.OpenSMBus(bus, uint8(addr))
		if err != nil {
			return nil, fmt.Errorf("target: could not open %q: %w", tgt.Name, err)
		}
		return bank, nil

	case "sim":
		return tgt.simulate()
	}
	return nil, fmt.Errorf("target: unknown bus %q for %q", tgt.Bus, tgt.Name)
}

func (tgt Target) bases() []uint64 {
	if tgt.Loopback {
		return []uint64{tgt.Primary}
	}
	return []uint64{tgt.Primary, tgt.Secondary}
}

type simBank struct {
	*sim.Device
}

func (simBank) Close() error { return nil }

func (tgt Target) simulate() (Bank, error) {
	sec := tgt.Secondary
	if tgt.Loopback && (sec == 0 || sec == tgt.Primary) {
		sec = tgt.Primary + regs.TILE_SPAN
	}
	dev := sim.New(tgt.Primary, sec)
	for name, ws := range tgt.Windows {
		var dir int
		switch name {
		case "p2s":
			dir = sim.P2S
		case "s2p":
			dir = sim.S2P
		default:
			return nil, fmt.Errorf("target: invalid direction %q for %q", name, tgt.Name)
		}
		if len(ws) != regs.NLANES {
			return nil, fmt.Errorf(
				"target: invalid number of %s windows for %q (got=%d, want=%d)",
				name, tgt.Name, len(ws), regs.NLANES,
			)
		}
		for lane, w := range ws {
			dev.Windows[dir][lane] = sim.Window{Lo: w[0], Hi: w[1]}
		}
	}
	return simBank{dev}, nil
}

// Load loads the list of targets from the provided YAML file.
func Load(fname string) ([]Target, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("target: could not open targets file: %w", err)
	}
	defer f.Close()

	return Decode(f)
}

// Decode decodes a list of targets from r.
func Decode(r io.Reader) ([]Target, error) {
	var doc struct {
		Links []Target `yaml:"links"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(&doc)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("target: could not decode targets: %w", err)
	}

	seen := make(map[string]bool, len(doc.Links))
	for i, tgt := range doc.Links {
		switch {
		case tgt.Name == "":
			return nil, fmt.Errorf("target: link #%d has no name", i)
		case seen[tgt.Name]:
			return nil, fmt.Errorf("target: duplicate link %q", tgt.Name)
		case tgt.Bus == "":
			return nil, fmt.Errorf("target: link %q has no bus", tgt.Name)
		}
		seen[tgt.Name] = true
	}

	return doc.Links, nil
}
