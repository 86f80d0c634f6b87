// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trim analyzes the pass/fail statistics gathered while scanning
// the receive-clock sampling delay (trim) of a C2C link direction.
//
// A statistics array holds one bitmap per trim code. Bit 2*lane+edge of a
// bitmap is set when an error was seen on that lane and sampling edge
// while the link was running with that trim code.
package trim // import "github.com/go-lpc/c2c/trim"

import (
	"errors"
	"fmt"

	"github.com/go-lpc/c2c/internal/regs"
)

const (
	Max       = regs.TRIM_MAX       // number of trim codes
	LaneCount = regs.NLANES         // number of lanes per direction
	DelayMax  = regs.TRIM_DELAY_MAX // number of per-lane delay codes

	MinWindowSize = 6 // default minimal eye width
	MaxSkewSpread = 8 // default maximal spread between lane windows
)

// Edge is a sampling edge.
type Edge int

const (
	Pos Edge = iota
	Neg
)

func (e Edge) String() string {
	switch e {
	case Pos:
		return "pos"
	case Neg:
		return "neg"
	}
	return fmt.Sprintf("Edge(%d)", int(e))
}

// Bit returns the bitmap bit of the provided lane and edge.
func Bit(lane int, edge Edge) uint8 {
	return 1 << (2*uint(lane) + uint(edge))
}

// LaneMask returns the bitmap bits of both edges of the provided lane.
func LaneMask(lane int) uint8 {
	return Bit(lane, Pos) | Bit(lane, Neg)
}

const allLanes = 1<<(2*LaneCount) - 1

var (
	// ErrNoWindow is returned when no usable window could be found.
	// It indicates the link is not trainable with the requested settings.
	ErrNoWindow = errors.New("trim: no usable window")

	// ErrInvalid is returned for invalid analysis inputs.
	ErrInvalid = errors.New("trim: invalid input")
)

// Phase describes how a Result was obtained.
type Phase int

const (
	NoPhase  Phase = iota // no window found
	Combined              // all lanes share an error-free window
	Skew                  // lanes needed a per-lane delay compensation
)

func (p Phase) String() string {
	switch p {
	case NoPhase:
		return "none"
	case Combined:
		return "combined"
	case Skew:
		return "skew"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Result is the outcome of the analysis of one direction.
type Result struct {
	Trim     int            // selected trim. Max when no window was found.
	Delays   [LaneCount]int // per-lane delay, relative to the anchor lane.
	EyeWidth int            // number of error-free trim codes of the binding window.
	Phase    Phase
	Anchor   int // reference lane of the skew compensation, -1 otherwise.
}

// OK returns whether the result holds a usable trim.
func (r Result) OK() bool {
	return r.Phase != NoPhase && 0 <= r.Trim && r.Trim < Max
}

// RegDelays returns the per-lane delays as the non-negative values to be
// programmed in the lane delay register.
//
// Delaying lane l by RegDelays()[l] codes moves its window onto the one
// of the lane with the latest window start.
func (r Result) RegDelays() [LaneCount]int {
	min := r.Delays[0]
	for _, d := range r.Delays[1:] {
		if d < min {
			min = d
		}
	}
	var o [LaneCount]int
	for i, d := range r.Delays {
		o[i] = d - min
	}
	return o
}

func (r Result) String() string {
	if r.Phase == NoPhase {
		return "trim=none"
	}
	return fmt.Sprintf("trim=%d eye=%d phase=%v delays=%v", r.Trim, r.EyeWidth, r.Phase, r.Delays)
}
