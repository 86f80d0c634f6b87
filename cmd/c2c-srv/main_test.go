// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLookup(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "links.yaml")
	err := os.WriteFile(fname, []byte(`
links:
  - {name: c2c-0, bus: sim, primary: 0x100, secondary: 0x200}
  - {name: c2c-1, bus: sim, primary: 0x300, loopback: true}
`), 0644)
	if err != nil {
		t.Fatalf("could not create links file: %+v", err)
	}

	tgt, err := lookup(fname, "c2c-1")
	if err != nil {
		t.Fatalf("could not find link: %+v", err)
	}
	if got, want := tgt.Primary, uint64(0x300); got != want {
		t.Fatalf("invalid primary base: got=0x%x, want=0x%x", got, want)
	}
	if !tgt.Loopback {
		t.Fatalf("invalid mode")
	}

	_, err = lookup(fname, "c2c-2")
	if err == nil {
		t.Fatalf("expected an error")
	}

	_, err = lookup(fname+".missing", "c2c-0")
	if err == nil {
		t.Fatalf("expected an error")
	}
}
