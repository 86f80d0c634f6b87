// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command c2c-boot (re)starts one c2c-srv process per C2C link.
//
// Usage: c2c-boot [OPTIONS] LINKS.yaml [C2C-SRV-OPTIONS]
//
// The output of each process is written to DIR/c2c-srv-LINK.log.
package main // import "github.com/go-lpc/c2c/cmd/c2c-boot"

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-lpc/c2c/internal/target"
	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
		doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
		dir    = flag.String("dir", os.Getenv("C2CLOGDIR"), "directory for log files")
		srv    = flag.String("srv", "c2c-srv", "command serving a link")
	)

	flag.Parse()

	log.SetPrefix("c2c-boot: ")
	log.SetFlags(0)

	if flag.NArg() < 1 {
		flag.Usage()
		log.Fatalf("missing path to links file")
	}

	cmds, err := commands(*srv, flag.Arg(0), flag.Args()[1:])
	if err != nil {
		log.Fatalf("%+v", err)
	}

	killall(*srv)

	stop := make(chan os.Signal, 1)
	err = run(*doMon, *doFreq, cmds, *dir, stop)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

// commands creates the command serving each link of the links file.
func commands(srv, fname string, args []string) ([]*exec.Cmd, error) {
	fname, err := filepath.Abs(fname)
	if err != nil {
		return nil, fmt.Errorf("could not locate links file: %w", err)
	}

	tgts, err := target.Load(fname)
	if err != nil {
		return nil, fmt.Errorf("could not load links: %w", err)
	}
	if len(tgts) == 0 {
		return nil, fmt.Errorf("no link in %q", fname)
	}

	cmds := make([]*exec.Cmd, len(tgts))
	for i, tgt := range tgts {
		cmd := exec.Command(srv, append(append([]string{}, args...), tgt.Name)...)
		cmd.Env = append(os.Environ(), "C2C_LINKS="+fname)
		cmds[i] = cmd
	}
	return cmds, nil
}

// killall kills the servers left over by a previous boot.
func killall(srv string) {
	name := filepath.Base(srv)
	kill := exec.Command("killall", name)
	kill.Stderr = os.Stderr
	kill.Stdout = os.Stdout
	err := kill.Run()
	if err != nil {
		log.Printf("could not kill %q: %+v", name, err)
	}
}

func run(doMon bool, freq time.Duration, cmds []*exec.Cmd, dir string, stop chan os.Signal) error {
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	if dir == "" {
		dir = "/var/log/c2c"
	}

	var (
		grp  errgroup.Group
		kill = make(chan int)
	)
	for i := range cmds {
		cmd := cmds[i]
		grp.Go(func() error {
			return start(cmd, dir, kill, doMon, freq)
		})
	}

	go func() {
		<-stop
		close(kill)
	}()

	err := grp.Wait()
	if err != nil {
		return fmt.Errorf("could not boot c2c servers: %w", err)
	}
	return nil
}

// logName returns the base name of the log files of a command.
func logName(cmd *exec.Cmd) string {
	name := filepath.Base(cmd.Path)
	if n := len(cmd.Args); n > 1 {
		name += "-" + filepath.Base(cmd.Args[n-1])
	}
	return name
}

// start runs cmd until it exits or kill is closed.
// The output of cmd goes to DIR/NAME.log, pmon samples to DIR/NAME-pmon.log.
func start(cmd *exec.Cmd, dir string, kill chan int, doMon bool, freq time.Duration) error {
	var (
		name = logName(cmd)
		msg  = log.New(os.Stderr, "c2c-boot["+name+"]: ", 0)
	)

	out, err := os.Create(filepath.Join(dir, name+".log"))
	if err != nil {
		return fmt.Errorf("could not create log file of %q: %w", name, err)
	}
	defer out.Close()

	cmd.Stdout = out
	cmd.Stderr = out

	msg.Printf("starting %s...", cmd.Path)
	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("could not start %q: %w", name, err)
	}

	if doMon {
		stop, err := monitor(msg, cmd.Process.Pid, filepath.Join(dir, name+"-pmon.log"), freq)
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return fmt.Errorf("could not monitor %q: %w", name, err)
		}
		defer stop()
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-kill:
		msg.Printf("stopping (pid=%d)...", cmd.Process.Pid)
		err = cmd.Process.Kill()
		if err != nil {
			return fmt.Errorf("could not kill %q: %w", name, err)
		}
		<-done
		return nil
	case err = <-done:
		if err != nil {
			return fmt.Errorf("%q exited: %w", name, err)
		}
		msg.Printf("done")
		return nil
	}
}

// monitor samples the resources of the process pid into fname, until the
// returned function is called.
func monitor(msg *log.Logger, pid int, fname string, freq time.Duration) (func(), error) {
	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}

	p, err := pmon.Monitor(pid)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("could not attach pmon to pid=%d: %w", pid, err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		err := p.Run()
		if err != nil {
			msg.Printf("pmon failed: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			msg.Printf("could not stop pmon: %+v", err)
		}
		_ = f.Close()
	}, nil
}
