// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hw provides access to the registers of the C2C controller tiles.
package hw // import "github.com/go-lpc/c2c/hw"

import (
	"fmt"
)

// Bank gives access to 32-bit registers at absolute addresses.
//
// Accesses are never cached: every read hits the device.
type Bank interface {
	Read32(addr uint64) (uint32, error)
	Write32(addr uint64, v uint32) error
}

// Field describes a bit-field of a 32-bit register.
type Field struct {
	Name   string
	Offset int64 // register offset, relative to the tile base
	Shift  uint
	Width  uint
}

// Mask returns the in-place mask of the field.
func (f Field) Mask() uint32 {
	if f.Width >= 32 {
		return ^uint32(0) << f.Shift
	}
	return ((1 << f.Width) - 1) << f.Shift
}

// Max returns the largest value the field can hold.
func (f Field) Max() uint32 {
	return f.Mask() >> f.Shift
}

func (f Field) String() string {
	return fmt.Sprintf("%s[0x%03x:%d+%d]", f.Name, f.Offset, f.Shift, f.Width)
}

// ReadField reads the field f of the tile at base.
func ReadField(bank Bank, base uint64, f Field) (uint32, error) {
	v, err := bank.Read32(base + uint64(f.Offset))
	if err != nil {
		return 0, fmt.Errorf("hw: could not read %v at 0x%x: %w", f, base, err)
	}
	return (v & f.Mask()) >> f.Shift, nil
}

// WriteField sets the field f of the tile at base to v.
// The other bits of the register are preserved: the register is
// re-read right before the write.
func WriteField(bank Bank, base uint64, f Field, v uint32) error {
	if v > f.Max() {
		return fmt.Errorf("hw: value 0x%x overflows %v", v, f)
	}
	addr := base + uint64(f.Offset)
	cur, err := bank.Read32(addr)
	if err != nil {
		return fmt.Errorf("hw: could not read %v at 0x%x: %w", f, base, err)
	}
	cur &= ^f.Mask()
	cur |= (v << f.Shift) & f.Mask()
	err = bank.Write32(addr, cur)
	if err != nil {
		return fmt.Errorf("hw: could not write %v at 0x%x: %w", f, base, err)
	}
	return nil
}

// SetBits sets the bits of mask in the register at base+off.
func SetBits(bank Bank, base uint64, off int64, mask uint32) error {
	addr := base + uint64(off)
	v, err := bank.Read32(addr)
	if err != nil {
		return fmt.Errorf("hw: could not read register 0x%x: %w", addr, err)
	}
	err = bank.Write32(addr, v|mask)
	if err != nil {
		return fmt.Errorf("hw: could not write register 0x%x: %w", addr, err)
	}
	return nil
}

// ClearBits clears the bits of mask in the register at base+off.
func ClearBits(bank Bank, base uint64, off int64, mask uint32) error {
	addr := base + uint64(off)
	v, err := bank.Read32(addr)
	if err != nil {
		return fmt.Errorf("hw: could not read register 0x%x: %w", addr, err)
	}
	err = bank.Write32(addr, v&^mask)
	if err != nil {
		return fmt.Errorf("hw: could not write register 0x%x: %w", addr, err)
	}
	return nil
}

// Clear1C acknowledges the bits of mask in the write-1-to-clear register
// at base+off.
// Only the bits of mask are written, so that other pending status bits
// are left untouched.
func Clear1C(bank Bank, base uint64, off int64, mask uint32) error {
	addr := base + uint64(off)
	err := bank.Write32(addr, mask)
	if err != nil {
		return fmt.Errorf("hw: could not clear 0x%x in register 0x%x: %w", mask, addr, err)
	}
	return nil
}
