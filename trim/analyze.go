// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trim

import (
	"fmt"
)

// Analyze selects the trim maximizing the error-free margin of the
// provided statistics array, which must hold Max entries.
//
// The combined window search (all lanes OR'ed together) is tried first.
// If it does not yield a window of at least minWindow codes, the lanes
// are searched for a group of windows whose starts lie within maxSpread
// codes of each other, and per-lane delays realigning them are returned.
//
// When no window is found, the returned result holds the Max sentinel as
// trim, and the error is ErrNoWindow.
// Analyze does not modify stats.
func Analyze(stats []uint8, minWindow, maxSpread int) (Result, error) {
	res := Result{Trim: Max, Anchor: -1}
	switch {
	case len(stats) != Max:
		return res, fmt.Errorf("trim: invalid statistics size (got=%d, want=%d): %w",
			len(stats), Max, ErrInvalid,
		)
	case minWindow < 0:
		return res, fmt.Errorf("trim: invalid minimal window size %d: %w", minWindow, ErrInvalid)
	case maxSpread < 0:
		return res, fmt.Errorf("trim: invalid maximal skew spread %d: %w", maxSpread, ErrInvalid)
	}

	if r, ok := combined(stats, minWindow); ok {
		return r, nil
	}

	if r, ok := skewed(stats, minWindow, maxSpread); ok {
		return r, nil
	}

	return res, fmt.Errorf(
		"trim: no window of %d codes (max-spread=%d): %w",
		minWindow, maxSpread, ErrNoWindow,
	)
}

func combined(stats []uint8, minWindow int) (Result, bool) {
	off, size := longestRun(stats, allLanes)
	if size < minWindow {
		return Result{}, false
	}
	return Result{
		Trim:     off + size/2,
		EyeWidth: size,
		Phase:    Combined,
		Anchor:   -1,
	}, true
}

func skewed(stats []uint8, minWindow, maxSpread int) (Result, bool) {
	type window struct {
		off  int
		size int
	}

	for start := 0; start <= DelayMax; start++ {
		var (
			wins   [LaneCount]window
			found  [LaneCount]bool
			anchor = -1
		)
		for lane := 0; lane < LaneCount; lane++ {
			off, size, ok := firstRun(stats, LaneMask(lane), start, minWindow)
			if !ok {
				continue
			}
			wins[lane] = window{off, size}
			found[lane] = true
			if anchor < 0 || off < wins[anchor].off {
				anchor = lane
			}
		}
		if anchor < 0 {
			// no lane has a window past start: later starts won't either.
			return Result{}, false
		}

		var (
			ref   = wins[anchor]
			group = true
			res   = Result{
				Trim:     ref.off + ref.size/2,
				EyeWidth: ref.size,
				Phase:    Skew,
				Anchor:   anchor,
			}
		)
		for lane := 0; lane < LaneCount; lane++ {
			if !found[lane] || wins[lane].off-ref.off > maxSpread {
				group = false
				break
			}
			res.Delays[lane] = ref.off - wins[lane].off
			if wins[lane].size < res.EyeWidth {
				res.EyeWidth = wins[lane].size
			}
		}
		if group {
			return res, true
		}
	}
	return Result{}, false
}

// longestRun returns the first longest run of entries with no bit of
// mask set.
func longestRun(stats []uint8, mask uint8) (off, size int) {
	beg, n := 0, 0
	for i, v := range stats {
		if v&mask != 0 {
			n = 0
			continue
		}
		if n == 0 {
			beg = i
		}
		n++
		if n > size {
			off, size = beg, n
		}
	}
	return off, size
}

// firstRun returns the first run of at least min entries with no bit of
// mask set, starting at or after start.
// A run already open before start is skipped.
func firstRun(stats []uint8, mask uint8, start, min int) (off, size int, ok bool) {
	var (
		n = len(stats)
		i = start
	)
	if i > 0 && i < n && stats[i-1]&mask == 0 {
		for i < n && stats[i]&mask == 0 {
			i++
		}
	}

	for i < n {
		if stats[i]&mask != 0 {
			i++
			continue
		}
		beg := i
		for i < n && stats[i]&mask == 0 {
			i++
		}
		if i-beg >= min {
			return beg, i - beg, true
		}
	}
	return 0, 0, false
}
