// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-daq/smbus"
)

// sideband bridge registers
const (
	sbAddr = 0x00 // 4 bytes, little-endian
	sbData = 0x04 // 4 bytes, little-endian
	sbCmd  = 0x08
	sbStat = 0x09

	sbCmdRead  = 0x01
	sbCmdWrite = 0x02

	sbBusy = 1 << 0
)

type smbusConn interface {
	ReadReg(addr, reg uint8) (uint8, error)
	WriteReg(addr, reg, v uint8) error
	Close() error
}

var _ smbusConn = (*smbus.Conn)(nil)

// SMBus is a register bank reached through the SMBus sideband bridge of
// the board controller.
// Each 32-bit access is performed indirectly: the address is loaded
// byte-per-byte, the command is issued and the bridge is polled until it
// is idle.
//
// All the banks opened on the same bridge share one lock, held for the
// whole indirect access.
type SMBus struct {
	mu   *sync.Mutex
	conn smbusConn
	addr uint8
	clk  Clock
	tmo  time.Duration
}

var _ Bank = (*SMBus)(nil)

type bridgeID struct {
	bus  int
	addr uint8
}

var bridges = struct {
	sync.Mutex
	locks map[bridgeID]*sync.Mutex
}{
	locks: make(map[bridgeID]*sync.Mutex),
}

// bridgeLock returns the lock serializing accesses to the sideband
// bridge at addr on the i2c bus.
func bridgeLock(bus int, addr uint8) *sync.Mutex {
	bridges.Lock()
	defer bridges.Unlock()

	id := bridgeID{bus, addr}
	mu, ok := bridges.locks[id]
	if !ok {
		mu = new(sync.Mutex)
		bridges.locks[id] = mu
	}
	return mu
}

// OpenSMBus opens the sideband bridge at the provided slave address on
// the i2c bus.
func OpenSMBus(bus int, addr uint8) (*SMBus, error) {
	conn, err := smbus.Open(bus, addr)
	if err != nil {
		return nil, fmt.Errorf("hw: could not open smbus-%d (addr=0x%x): %w", bus, addr, err)
	}
	return newSMBus(conn, addr, SystemClock{}, bridgeLock(bus, addr)), nil
}

func newSMBus(conn smbusConn, addr uint8, clk Clock, mu *sync.Mutex) *SMBus {
	return &SMBus{
		mu:   mu,
		conn: conn,
		addr: addr,
		clk:  clk,
		tmo:  10 * time.Millisecond,
	}
}

func (bank *SMBus) writeU32(reg uint8, v uint32) error {
	for i := uint8(0); i < 4; i++ {
		err := bank.conn.WriteReg(bank.addr, reg+i, uint8(v>>(8*i)))
		if err != nil {
			return err
		}
	}
	return nil
}

func (bank *SMBus) readU32(reg uint8) (uint32, error) {
	var v uint32
	for i := uint8(0); i < 4; i++ {
		b, err := bank.conn.ReadReg(bank.addr, reg+i)
		if err != nil {
			return 0, err
		}
		v |= uint32(b) << (8 * i)
	}
	return v, nil
}

func (bank *SMBus) exec(cmd uint8) error {
	err := bank.conn.WriteReg(bank.addr, sbCmd, cmd)
	if err != nil {
		return err
	}
	return Poll(bank.clk, bank.tmo, DefaultPollInterval, func() (bool, error) {
		v, err := bank.conn.ReadReg(bank.addr, sbStat)
		if err != nil {
			return false, err
		}
		return v&sbBusy == 0, nil
	})
}

func (bank *SMBus) Read32(addr uint64) (uint32, error) {
	if addr > 0xffffffff {
		return 0, fmt.Errorf("hw: address 0x%x out of sideband range", addr)
	}

	bank.mu.Lock()
	defer bank.mu.Unlock()

	err := bank.writeU32(sbAddr, uint32(addr))
	if err != nil {
		return 0, fmt.Errorf("hw: could not load sideband address 0x%x: %w", addr, err)
	}
	err = bank.exec(sbCmdRead)
	if err != nil {
		return 0, fmt.Errorf("hw: could not read register 0x%x: %w", addr, err)
	}
	v, err := bank.readU32(sbData)
	if err != nil {
		return 0, fmt.Errorf("hw: could not fetch register 0x%x: %w", addr, err)
	}
	return v, nil
}

func (bank *SMBus) Write32(addr uint64, v uint32) error {
	if addr > 0xffffffff {
		return fmt.Errorf("hw: address 0x%x out of sideband range", addr)
	}

	bank.mu.Lock()
	defer bank.mu.Unlock()

	err := bank.writeU32(sbAddr, uint32(addr))
	if err != nil {
		return fmt.Errorf("hw: could not load sideband address 0x%x: %w", addr, err)
	}
	err = bank.writeU32(sbData, v)
	if err != nil {
		return fmt.Errorf("hw: could not load sideband data for 0x%x: %w", addr, err)
	}
	err = bank.exec(sbCmdWrite)
	if err != nil {
		return fmt.Errorf("hw: could not write register 0x%x: %w", addr, err)
	}
	return nil
}

// Close closes the underlying smbus connection.
func (bank *SMBus) Close() error {
	return bank.conn.Close()
}
