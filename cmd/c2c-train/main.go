// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command c2c-train trains the C2C links of a board and raises them to
// their full speed.
//
// Usage: c2c-train [OPTIONS] LINKS.yaml
//
// Example:
//
//	$> c2c-train -settings ./c2c.yaml -o ./out ./links.yaml
//	c2c-train: training 2 links...
//	=== link c2c-0: ok ===
//	p2s first trim=50 eye=20 phase=combined delays=[0 0 0 0] errors=352
//	p2s final trim=50 eye=20 phase=combined delays=[0 0 0 0] errors=352
//	s2p first trim=17 eye=15 phase=combined delays=[0 0 0 0] errors=392
//	s2p final trim=17 eye=15 phase=combined delays=[0 0 0 0] errors=392
//	[...]
package main // import "github.com/go-lpc/c2c/cmd/c2c-train"

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-lpc/c2c"
	"github.com/go-lpc/c2c/internal/target"
	"github.com/go-lpc/c2c/link"
	"github.com/go-lpc/c2c/report"
	"github.com/go-lpc/c2c/resultdb"
	"golang.org/x/sync/errgroup"
	mail "gopkg.in/gomail.v2"
)

func main() {
	var (
		setf     = flag.String("settings", "", "path to YAML training settings")
		bus      = flag.String("bus", "", "bus to use for all links (sim, devmem:/dev/mem, smbus:BUS:ADDR)")
		odir     = flag.String("o", "", "output dir for YODA histograms")
		dbname   = flag.String("db", "", "name of the db where trainings are recorded")
		doMail   = flag.Bool("mail", false, "send a mail alert on training failure")
		loopback = flag.Bool("loopback", false, "run a PRBS loopback test after training")
		vers     = flag.Bool("version", false, "print version and exit")
	)

	flag.Usage = func() {
		fmt.Printf(`c2c-train trains the C2C links of a board.

Usage: c2c-train [OPTIONS] LINKS.yaml

Example:

 $> c2c-train -settings ./c2c.yaml -o ./out ./links.yaml

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	log.SetPrefix("c2c-train: ")
	log.SetFlags(0)

	if *vers {
		v, sum := c2c.Version()
		fmt.Printf("c2c-train version=%q sum=%q\n", v, sum)
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		log.Fatalf("missing path to links file")
	}

	tgts, err := target.Load(flag.Arg(0))
	if err != nil {
		log.Fatalf("could not load links: %+v", err)
	}

	cfg := config{
		set:      link.DefaultSettings(),
		bus:      *bus,
		odir:     *odir,
		loopback: *loopback,
	}

	if *setf != "" {
		cfg.set, err = link.LoadSettings(*setf)
		if err != nil {
			log.Fatalf("could not load settings: %+v", err)
		}
	}

	if *dbname != "" {
		db, err := resultdb.Open(*dbname)
		if err != nil {
			log.Fatalf("could not open result db: %+v", err)
		}
		defer db.Close()
		cfg.db = db
	}

	if *doMail {
		cfg.alert = alertMail
	}

	err = run(os.Stdout, tgts, cfg)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

type recorder interface {
	Record(ctx context.Context, name string, train link.Training) error
}

type config struct {
	set      link.Settings
	bus      string
	odir     string
	loopback bool

	db    recorder
	alert func(reps []*report.Report)
	opts  []link.Option
}

// outcome is the result of the training of one link.
type outcome struct {
	rep *report.Report
	lb  *link.LoopbackReport
}

func run(w io.Writer, tgts []target.Target, cfg config) error {
	if len(tgts) == 0 {
		return fmt.Errorf("no link to train")
	}

	if cfg.odir != "" {
		err := os.MkdirAll(cfg.odir, 0755)
		if err != nil {
			return fmt.Errorf("could not create output dir: %w", err)
		}
	}

	log.Printf("training %d links...", len(tgts))

	var (
		grp  errgroup.Group
		outs = make([]outcome, len(tgts))
	)
	for i := range tgts {
		i := i
		tgt := tgts[i]
		if cfg.bus != "" {
			tgt.Bus = cfg.bus
		}
		grp.Go(func() error {
			out, err := train(tgt, cfg)
			if err != nil {
				return fmt.Errorf("could not train link %q: %w", tgt.Name, err)
			}
			outs[i] = out
			return nil
		})
	}

	err := grp.Wait()
	if err != nil {
		return err
	}

	var failed []*report.Report
	for _, out := range outs {
		rep := out.rep
		err = rep.Summary(w)
		if err != nil {
			return fmt.Errorf("could not write summary of %q: %w", rep.Name, err)
		}
		if out.lb != nil {
			fmt.Fprintf(w, "loopback errors=%d\n%v\n", out.lb.Errors(), out.lb)
		}

		if rep.Err != nil {
			failed = append(failed, rep)
		}

		if cfg.odir != "" {
			err = saveYODA(filepath.Join(cfg.odir, rep.Name+".yoda"), rep)
			if err != nil {
				return err
			}
		}
	}

	if len(failed) == 0 {
		return nil
	}

	if cfg.alert != nil {
		cfg.alert(failed)
	}

	names := make([]string, len(failed))
	for i, rep := range failed {
		names[i] = rep.Name
	}
	return fmt.Errorf("could not train %d/%d links: %s",
		len(failed), len(tgts), strings.Join(names, ", "),
	)
}

// train trains a link.
// Training failures are reported in the returned outcome, errors are
// only returned when the link could not be reached.
func train(tgt target.Target, cfg config) (outcome, error) {
	var out outcome

	bank, err := tgt.Open()
	if err != nil {
		return out, err
	}
	defer bank.Close()

	opts := append([]link.Option{
		link.WithLogger(log.New(os.Stdout, "c2c-train: "+tgt.Name+": ", 0)),
	}, cfg.opts...)

	lnk, err := link.New(bank, tgt.Primary, tgt.Secondary, tgt.Mode(), opts...)
	if err != nil {
		return out, err
	}

	err = lnk.EnableNormalSpeed()
	if err != nil {
		return out, err
	}

	err = lnk.EnableHighSpeed(cfg.set)
	if err != nil {
		log.Printf("could not enable high speed on %q: %+v", tgt.Name, err)
	}
	last := lnk.LastTraining()
	out.rep = report.New(tgt.Name, last)

	if cfg.db != nil {
		err = cfg.db.Record(context.Background(), tgt.Name, last)
		if err != nil {
			return out, fmt.Errorf("could not record training: %w", err)
		}
	}

	if cfg.loopback && last.Err == nil {
		rep, err := lnk.RunLoopbackTest(cfg.set)
		if err != nil {
			return out, fmt.Errorf("could not run loopback test: %w", err)
		}
		out.lb = &rep
	}

	return out, nil
}

func saveYODA(fname string, rep *report.Report) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create YODA file: %w", err)
	}
	defer f.Close()

	err = rep.WriteYODA(f)
	if err != nil {
		return fmt.Errorf("could not write YODA file %q: %w", fname, err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close YODA file %q: %w", fname, err)
	}
	return nil
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func alertMail(reps []*report.Report) {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 || alertMailTgts[0] == "" {
		log.Printf("could not send mail alert: missing credentials")
		return
	}

	msg, err := newAlert(alertMailUsr, alertMailTgts, reps)
	if err != nil {
		log.Printf("could not create mail alert: %+v", err)
		return
	}

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err = dial.DialAndSend(msg)
	if err != nil {
		log.Printf("could not send mail alert: %+v", err)
	}
}

func newAlert(from string, tgts []string, reps []*report.Report) (*mail.Message, error) {
	body := new(strings.Builder)
	for _, rep := range reps {
		err := rep.Summary(body)
		if err != nil {
			return nil, err
		}
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("Bcc", tgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[c2c-train] %d link(s) failed training", len(reps)))
	msg.SetBody("text/plain", body.String())
	return msg, nil
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
