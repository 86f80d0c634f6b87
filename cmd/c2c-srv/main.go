// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command c2c-srv starts a TDAQ server controlling a C2C link.
//
// The link is selected by name, from the links file given by the
// C2C_LINKS environment variable (default: /etc/c2c/links.yaml).
//
// Usage: c2c-srv [TDAQ-OPTIONS] LINK-NAME
package main // import "github.com/go-lpc/c2c/cmd/c2c-srv"

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/c2c"
	"github.com/go-lpc/c2c/internal/target"
	"github.com/go-lpc/c2c/server"
)

func main() {
	log.SetPrefix("c2c-srv: ")
	log.SetFlags(0)

	cmd := flags.New()
	if len(cmd.Args) != 1 {
		log.Fatalf("missing link name")
	}

	fname := os.Getenv("C2C_LINKS")
	if fname == "" {
		fname = "/etc/c2c/links.yaml"
	}

	tgt, err := lookup(fname, cmd.Args[0])
	if err != nil {
		log.Fatalf("could not find link: %+v", err)
	}

	v, _ := c2c.Version()
	log.Printf("serving link %q (bus=%s, version=%q)", tgt.Name, tgt.Bus, v)

	dev := server.New(tgt)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/trims", dev.Trims)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

func lookup(fname, name string) (target.Target, error) {
	tgts, err := target.Load(fname)
	if err != nil {
		return target.Target{}, err
	}
	for _, tgt := range tgts {
		if tgt.Name == name {
			return tgt, nil
		}
	}
	return target.Target{}, fmt.Errorf("no link %q in %q", name, fname)
}
