// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package c2c holds code to train the chip-to-chip link between
// the primary and secondary tiles.
//
// The link is brought up at normal speed first. Raising it to its target
// clock requires a calibration of the receive-clock sampling delay (trim)
// of each direction, and possibly a per-lane skew compensation:
//
//   - package hw provides access to the controller registers,
//   - package trim analyzes the pass/fail statistics of a trim scan,
//   - package link drives the training sequence and applies its result,
//   - package report renders training statistics,
//   - package resultdb keeps a history of trainings,
//   - package server exposes a link as a tdaq process.
package c2c // import "github.com/go-lpc/c2c"

import (
	"runtime/debug"
)

const modPath = "github.com/go-lpc/c2c"

// Version returns the version of c2c and its checksum, as recorded
// in the build information of the running binary.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}
	if b.Main.Path == modPath {
		return b.Main.Version, b.Main.Sum
	}
	for _, m := range b.Deps {
		if m.Path == modPath {
			return moduleVersion(m)
		}
	}
	return "", ""
}

// moduleVersion returns the version of a dependency, taking replace
// directives into account. A local replacement without version is
// flagged with a trailing '*'.
func moduleVersion(m *debug.Module) (version, sum string) {
	r := m.Replace
	if r == nil {
		return m.Version, m.Sum
	}
	switch {
	case r.Path != "" && r.Version != "":
		return r.Path + " " + r.Version, r.Sum
	case r.Version != "":
		return r.Version, r.Sum
	case r.Path != "":
		return r.Path, r.Sum
	}
	return m.Version + "*", ""
}
