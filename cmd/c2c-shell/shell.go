// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-lpc/c2c/internal/regs"
	"github.com/go-lpc/c2c/internal/target"
	"github.com/go-lpc/c2c/link"
	"github.com/go-lpc/c2c/report"
	"github.com/go-lpc/c2c/trim"
)

var errQuit = errors.New("quit")

type command struct {
	name string
	args string
	help string
	run  func(args []string) error
}

type shell struct {
	w    io.Writer
	cmds []command
	tgts map[string]target.Target

	set  link.Settings
	opts []link.Option

	tgt  target.Target
	bank target.Bank
	lnk  *link.Link
}

func newShell(w io.Writer, fname string, opts ...link.Option) (*shell, error) {
	tgts, err := target.Load(fname)
	if err != nil {
		return nil, fmt.Errorf("could not load links: %w", err)
	}

	sh := &shell{
		w:    w,
		tgts: make(map[string]target.Target, len(tgts)),
		set:  link.DefaultSettings(),
		opts: opts,
	}
	for _, tgt := range tgts {
		sh.tgts[tgt.Name] = tgt
	}

	sh.cmds = []command{
		{"init", "LINK", "open a link", sh.cmdInit},
		{"settings", "FILE", "load training settings", sh.cmdSettings},
		{"normal", "", "enable the link at normal speed", sh.cmdNormal},
		{"train", "", "train the link and enable it at full speed", sh.cmdTrain},
		{"loopback", "", "run a PRBS loopback test", sh.cmdLoopback},
		{"stats", "[p2s|s2p] [first|final]", "display the statistics of the last training", sh.cmdStats},
		{"dump", "", "display the registers of the link tiles", sh.cmdDump},
		{"help", "", "display this help", sh.cmdHelp},
		{"quit", "", "quit the shell", func([]string) error { return errQuit }},
	}
	return sh, nil
}

func (sh *shell) close() error {
	sh.lnk = nil
	if sh.bank == nil {
		return nil
	}
	err := sh.bank.Close()
	sh.bank = nil
	return err
}

func (sh *shell) exec(line string) error {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return nil
	}
	for _, cmd := range sh.cmds {
		if cmd.name == toks[0] {
			return cmd.run(toks[1:])
		}
	}
	return fmt.Errorf("unknown command %q (see \"help\")", toks[0])
}

func (sh *shell) link() (*link.Link, error) {
	if sh.lnk == nil {
		return nil, fmt.Errorf("no link opened (see \"init\")")
	}
	return sh.lnk, nil
}

func (sh *shell) cmdInit(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("init: missing link name")
	}
	tgt, ok := sh.tgts[args[0]]
	if !ok {
		return fmt.Errorf("init: unknown link %q", args[0])
	}

	err := sh.close()
	if err != nil {
		return fmt.Errorf("init: could not close previous link: %w", err)
	}

	bank, err := tgt.Open()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	lnk, err := link.New(bank, tgt.Primary, tgt.Secondary, tgt.Mode(), sh.opts...)
	if err != nil {
		_ = bank.Close()
		return fmt.Errorf("init: %w", err)
	}

	sh.tgt = tgt
	sh.bank = bank
	sh.lnk = lnk
	fmt.Fprintf(sh.w, "link %q opened (mode=%v, bus=%s)\n", tgt.Name, lnk.Mode(), tgt.Bus)
	return nil
}

func (sh *shell) cmdSettings(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("settings: missing settings file")
	}
	set, err := link.LoadSettings(args[0])
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	sh.set = set
	return nil
}

func (sh *shell) cmdNormal(args []string) error {
	lnk, err := sh.link()
	if err != nil {
		return err
	}
	return lnk.EnableNormalSpeed()
}

func (sh *shell) cmdTrain(args []string) error {
	lnk, err := sh.link()
	if err != nil {
		return err
	}
	err = lnk.EnableHighSpeed(sh.set)
	rep := report.New(sh.tgt.Name, lnk.LastTraining())
	if e := rep.Summary(sh.w); e != nil {
		return e
	}
	return err
}

func (sh *shell) cmdLoopback(args []string) error {
	lnk, err := sh.link()
	if err != nil {
		return err
	}
	rep, err := lnk.RunLoopbackTest(sh.set)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "loopback errors=%s\n%v\n", humanize.Comma(int64(rep.Errors())), rep)
	return nil
}

func (sh *shell) cmdStats(args []string) error {
	lnk, err := sh.link()
	if err != nil {
		return err
	}

	var (
		dir  = ""
		pass = "final"
	)
	switch len(args) {
	case 0:
	case 1:
		dir = args[0]
	case 2:
		dir = args[0]
		pass = args[1]
	default:
		return fmt.Errorf("stats: too many arguments")
	}
	if pass != "first" && pass != "final" {
		return fmt.Errorf("stats: invalid pass %q", pass)
	}

	train := lnk.LastTraining()
	if len(train.Outcomes) == 0 {
		return fmt.Errorf("stats: no training statistics")
	}

	found := false
	for _, o := range train.Outcomes {
		if dir != "" && dir != o.Dir.String() {
			continue
		}
		found = true
		p := o.Final
		if pass == "first" {
			p = o.First
		}
		if p.Stats == nil {
			fmt.Fprintf(sh.w, "%v %s: no statistics\n", o.Dir, pass)
			continue
		}
		sh.printStats(o.Dir, pass, p)
	}
	if !found {
		return fmt.Errorf("stats: no statistics for direction %q", dir)
	}
	return nil
}

// printStats displays one line per trim code, with one column per lane.
// Each column shows the positive and negative edges, '.' for no error
// and 'x' for an error.
func (sh *shell) printStats(dir link.Direction, pass string, p link.Pass) {
	fmt.Fprintf(sh.w, "=== %v %s: %v ===\n", dir, pass, p.Result)
	fmt.Fprintf(sh.w, "trim  lane0 lane1 lane2 lane3\n")
	total := 0
	for code, v := range p.Stats {
		mark := " "
		if p.Result.OK() && code == p.Result.Trim {
			mark = "*"
		}
		fmt.Fprintf(sh.w, "%s%3d ", mark, code)
		for lane := 0; lane < trim.LaneCount; lane++ {
			fmt.Fprintf(sh.w, "   %c%c",
				edge(v, lane, trim.Pos), edge(v, lane, trim.Neg),
			)
		}
		fmt.Fprintf(sh.w, "\n")
		total += bits.OnesCount8(v)
	}
	fmt.Fprintf(sh.w, "errors=%s\n", humanize.Comma(int64(total)))
}

func edge(v uint8, lane int, e trim.Edge) byte {
	if v&trim.Bit(lane, e) != 0 {
		return 'x'
	}
	return '.'
}

var registers = []struct {
	name string
	off  int64
}{
	{"CTRL", regs.CTRL},
	{"STATUS", regs.STATUS},
	{"CLK_DIV", regs.CLK_DIV},
	{"RX_TRIM", regs.RX_TRIM},
	{"LANE_DELAY", regs.LANE_DELAY},
	{"CAL_CTRL", regs.CAL_CTRL},
	{"FAIL_STATUS", regs.FAIL_STATUS},
	{"PRBS_SEED", regs.PRBS_SEED},
	{"HS_DELAY0", regs.HS_DELAY0},
	{"HS_DELAY1", regs.HS_DELAY1},
	{"HS_DELAY2", regs.HS_DELAY2},
}

func (sh *shell) cmdDump(args []string) error {
	if _, err := sh.link(); err != nil {
		return err
	}

	tiles := []struct {
		name string
		base uint64
	}{
		{"primary", sh.tgt.Primary},
	}
	if !sh.tgt.Loopback {
		tiles = append(tiles, struct {
			name string
			base uint64
		}{"secondary", sh.tgt.Secondary})
	}

	for _, tile := range tiles {
		fmt.Fprintf(sh.w, "=== %s tile (0x%x) ===\n", tile.name, tile.base)
		for _, reg := range registers {
			v, err := sh.bank.Read32(tile.base + uint64(reg.off))
			if err != nil {
				return fmt.Errorf("dump: could not read %s of %s tile: %w", reg.name, tile.name, err)
			}
			fmt.Fprintf(sh.w, "%-12s [0x%03x] = 0x%08x\n", reg.name, reg.off, v)
		}
	}
	return nil
}

func (sh *shell) cmdHelp(args []string) error {
	for _, cmd := range sh.cmds {
		fmt.Fprintf(sh.w, "  %-32s %s\n", strings.TrimSpace(cmd.name+" "+cmd.args), cmd.help)
	}
	return nil
}
