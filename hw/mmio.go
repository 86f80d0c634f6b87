// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-lpc/c2c/internal/mmap"
	"github.com/go-lpc/c2c/internal/regs"
)

type rwer interface {
	io.ReaderAt
	io.WriterAt
}

type window struct {
	base uint64
	size uint64
	mem  rwer
	h    io.Closer
}

func (w window) contains(addr uint64) bool {
	return w.base <= addr && addr+4 <= w.base+w.size
}

// MMIO is a register bank backed by memory-mapped windows of
// physical memory, one per tile.
type MMIO struct {
	fd   *os.File
	wins []window
	buf  [4]byte
}

var _ Bank = (*MMIO)(nil)

// OpenMMIO maps the register windows of the tiles located at the
// provided base addresses, through devmem (typically /dev/mem).
// Bases that are aliased (loopback) are mapped once.
func OpenMMIO(devmem string, bases ...uint64) (*MMIO, error) {
	fd, err := os.OpenFile(devmem, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("hw: could not open %q: %w", devmem, err)
	}

	bank := &MMIO{fd: fd}
	defer func() {
		if err != nil {
			_ = bank.Close()
		}
	}()

	var (
		page = uint64(os.Getpagesize())
		seen = make(map[uint64]bool, len(bases))
	)
	for _, base := range bases {
		if seen[base] {
			continue
		}
		seen[base] = true

		var (
			beg  = base &^ (page - 1)
			size = (base - beg + regs.TILE_SPAN + page - 1) &^ (page - 1)
			h    *mmap.Handle
		)
		h, err = mmap.Open(fd, int64(beg), int64(size))
		if err != nil {
			return nil, fmt.Errorf("hw: could not map tile 0x%x: %w", base, err)
		}
		bank.wins = append(bank.wins, window{base: beg, size: size, mem: h, h: h})
	}
	sort.Slice(bank.wins, func(i, j int) bool {
		return bank.wins[i].base < bank.wins[j].base
	})

	return bank, nil
}

func (bank *MMIO) lookup(addr uint64) (window, error) {
	for _, w := range bank.wins {
		if w.contains(addr) {
			return w, nil
		}
	}
	return window{}, fmt.Errorf("hw: address 0x%x not mapped", addr)
}

func (bank *MMIO) Read32(addr uint64) (uint32, error) {
	w, err := bank.lookup(addr)
	if err != nil {
		return 0, err
	}
	_, err = w.mem.ReadAt(bank.buf[:], int64(addr-w.base))
	if err != nil {
		return 0, fmt.Errorf("hw: could not read register 0x%x: %w", addr, err)
	}
	return binary.LittleEndian.Uint32(bank.buf[:]), nil
}

func (bank *MMIO) Write32(addr uint64, v uint32) error {
	w, err := bank.lookup(addr)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(bank.buf[:], v)
	_, err = w.mem.WriteAt(bank.buf[:], int64(addr-w.base))
	if err != nil {
		return fmt.Errorf("hw: could not write register 0x%x: %w", addr, err)
	}
	return nil
}

// Close unmaps all the windows and closes the underlying device.
func (bank *MMIO) Close() error {
	var err error
	for _, w := range bank.wins {
		if e := w.h.Close(); e != nil && err == nil {
			err = fmt.Errorf("hw: could not unmap window 0x%x: %w", w.base, e)
		}
	}
	bank.wins = nil

	if bank.fd != nil {
		if e := bank.fd.Close(); e != nil && err == nil {
			err = fmt.Errorf("hw: could not close dev-mem: %w", e)
		}
		bank.fd = nil
	}
	return err
}
