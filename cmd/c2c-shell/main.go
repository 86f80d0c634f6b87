// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command c2c-shell is an interactive shell to bring up and debug C2C links.
//
// Usage: c2c-shell [OPTIONS] LINKS.yaml
//
// Example:
//
//	$> c2c-shell ./links.yaml
//	c2c> init c2c-0
//	c2c> train
//	=== link c2c-0: ok ===
//	p2s first trim=50 eye=20 phase=combined delays=[0 0 0 0] errors=352
//	[...]
//	c2c> stats p2s
//	[...]
//	c2c> quit
package main // import "github.com/go-lpc/c2c/cmd/c2c-shell"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peterh/liner"
)

func main() {
	var (
		setf = flag.String("settings", "", "path to YAML training settings")
		hist = flag.String("history", filepath.Join(os.TempDir(), ".c2c-shell.history"), "path to the history file")
	)

	flag.Usage = func() {
		fmt.Printf(`c2c-shell is an interactive shell to bring up and debug C2C links.

Usage: c2c-shell [OPTIONS] LINKS.yaml

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	log.SetPrefix("c2c-shell: ")
	log.SetFlags(0)

	if flag.NArg() != 1 {
		flag.Usage()
		log.Fatalf("missing path to links file")
	}

	sh, err := newShell(os.Stdout, flag.Arg(0))
	if err != nil {
		log.Fatalf("could not create shell: %+v", err)
	}
	defer sh.close()

	if *setf != "" {
		err = sh.cmdSettings([]string{*setf})
		if err != nil {
			log.Fatalf("%+v", err)
		}
	}

	err = run(sh, *hist)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(sh *shell, hist string) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(sh.complete)

	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}

	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			log.Printf("could not save history: %+v", err)
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("c2c> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintf(sh.w, "\n")
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(line)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintf(sh.w, "error: %+v\n", err)
		}
	}
}

func (sh *shell) complete(line string) []string {
	var (
		toks = strings.Fields(line)
		o    []string
	)
	switch {
	case len(toks) == 0:
		for _, cmd := range sh.cmds {
			o = append(o, cmd.name)
		}
	case len(toks) == 1 && !strings.HasSuffix(line, " "):
		for _, cmd := range sh.cmds {
			if strings.HasPrefix(cmd.name, toks[0]) {
				o = append(o, cmd.name)
			}
		}
	case toks[0] == "init":
		prefix := ""
		if len(toks) > 1 {
			prefix = toks[1]
		}
		for name := range sh.tgts {
			if strings.HasPrefix(name, prefix) {
				o = append(o, "init "+name)
			}
		}
	}
	sort.Strings(o)
	return o
}
