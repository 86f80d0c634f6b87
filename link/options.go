// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"log"
	"os"
	"time"

	"github.com/go-lpc/c2c/hw"
)

const (
	defaultDrainTimeout     = 10 * time.Millisecond
	defaultTrainWait        = 10 * time.Millisecond // MAX_TRAIN_WAIT
	defaultLoopbackInterval = 10 * time.Millisecond
)

type config struct {
	msg *log.Logger
	clk hw.Clock

	drain    time.Duration // drain and apply timeout
	train    time.Duration // calibration-done timeout
	loopback time.Duration // PRBS run time of the loopback test
}

func newConfig() config {
	return config{
		msg:      log.New(os.Stdout, "link: ", 0),
		clk:      hw.SystemClock{},
		drain:    defaultDrainTimeout,
		train:    defaultTrainWait,
		loopback: defaultLoopbackInterval,
	}
}

// Option configures a link controller.
type Option func(*config)

// WithLogger sets the logger of the link controller.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithClock sets the time source used by all hardware waits.
func WithClock(clk hw.Clock) Option {
	return func(cfg *config) {
		cfg.clk = clk
	}
}

// WithDrainTimeout sets the maximal time to wait for in-flight
// transactions to complete.
func WithDrainTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.drain = d
	}
}

// WithTrainWait sets the maximal time to wait for a calibration to complete.
func WithTrainWait(d time.Duration) Option {
	return func(cfg *config) {
		cfg.train = d
	}
}

// WithLoopbackInterval sets the PRBS run time of the loopback test.
func WithLoopbackInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.loopback = d
	}
}
