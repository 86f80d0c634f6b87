// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package report summarizes the training of C2C links.
//
// The statistics of each direction and training pass are histogrammed per
// lane, as a function of the trim code, and can be saved as YODA files.
package report // import "github.com/go-lpc/c2c/report"

import (
	"fmt"
	"io"
	"math/bits"

	"github.com/dustin/go-humanize"
	"github.com/go-lpc/c2c/link"
	"github.com/go-lpc/c2c/trim"
	"go-hep.org/x/hep/hbook"
)

// Scan holds the histograms of one direction and training pass.
type Scan struct {
	Dir    link.Direction
	Pass   string // "first" or "final"
	Result trim.Result

	Lanes [trim.LaneCount]*hbook.H1D // failing edges per trim code
	All   *hbook.H1D                 // failing lane/edge pairs per trim code
}

// Errors returns the number of failing lane/edge pairs, summed over all
// trim codes.
func (scan *Scan) Errors() int64 {
	return int64(scan.All.SumW())
}

// Report is the training report of a link.
type Report struct {
	Name  string
	Err   error
	Scans []*Scan
}

// New creates the report of the provided training.
func New(name string, train link.Training) *Report {
	rep := &Report{
		Name: name,
		Err:  train.Err,
	}
	for _, o := range train.Outcomes {
		for _, p := range []struct {
			name string
			pass link.Pass
		}{
			{"first", o.First},
			{"final", o.Final},
		} {
			if p.pass.Stats == nil {
				continue
			}
			rep.Scans = append(rep.Scans, newScan(name, o.Dir, p.name, p.pass))
		}
	}
	return rep
}

func newScan(name string, dir link.Direction, pass string, p link.Pass) *Scan {
	scan := &Scan{
		Dir:    dir,
		Pass:   pass,
		Result: p.Result,
		All:    newH1D(fmt.Sprintf("/%s/%v/%s/all", name, dir, pass)),
	}
	for i := range scan.Lanes {
		scan.Lanes[i] = newH1D(fmt.Sprintf("/%s/%v/%s/lane-%d", name, dir, pass, i))
	}

	for code, v := range p.Stats {
		x := float64(code)
		if n := bits.OnesCount8(v); n > 0 {
			scan.All.Fill(x, float64(n))
		}
		for lane, h := range scan.Lanes {
			if n := bits.OnesCount8(v & trim.LaneMask(lane)); n > 0 {
				h.Fill(x, float64(n))
			}
		}
	}
	return scan
}

func newH1D(name string) *hbook.H1D {
	h := hbook.NewH1D(trim.Max, 0, trim.Max)
	h.Annotation()["name"] = name
	return h
}

// Hists returns all the histograms of the report.
func (rep *Report) Hists() []*hbook.H1D {
	var hs []*hbook.H1D
	for _, scan := range rep.Scans {
		hs = append(hs, scan.All)
		hs = append(hs, scan.Lanes[:]...)
	}
	return hs
}

// WriteYODA writes all the histograms of the report in the YODA format.
func (rep *Report) WriteYODA(w io.Writer) error {
	for _, h := range rep.Hists() {
		raw, err := h.MarshalYODA()
		if err != nil {
			return fmt.Errorf("report: could not marshal %q: %w", h.Name(), err)
		}
		_, err = w.Write(raw)
		if err != nil {
			return fmt.Errorf("report: could not write %q: %w", h.Name(), err)
		}
	}
	return nil
}

// Summary writes a human readable summary of the report.
func (rep *Report) Summary(w io.Writer) error {
	status := "ok"
	if rep.Err != nil {
		status = rep.Err.Error()
	}
	_, err := fmt.Fprintf(w, "=== link %s: %s ===\n", rep.Name, status)
	if err != nil {
		return fmt.Errorf("report: could not write summary: %w", err)
	}

	for _, scan := range rep.Scans {
		_, err = fmt.Fprintf(
			w, "%v %-5s %v errors=%s\n",
			scan.Dir, scan.Pass, scan.Result, humanize.Comma(scan.Errors()),
		)
		if err != nil {
			return fmt.Errorf("report: could not write summary: %w", err)
		}
	}
	return nil
}
