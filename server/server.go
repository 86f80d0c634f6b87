// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package server exposes a C2C link as a TDAQ process.
//
// The /config command carries the YAML training settings in its body,
// /init brings the link up at normal speed and /start trains it and raises
// it to full speed.
// The outcome of each training is published as JSON on the /trims output.
package server // import "github.com/go-lpc/c2c/server"

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/c2c/internal/target"
	"github.com/go-lpc/c2c/link"
	"github.com/go-lpc/c2c/trim"
)

type msgstream interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Server controls a C2C link on behalf of a TDAQ run-control.
type Server struct {
	tgt  target.Target
	opts []link.Option

	set  link.Settings
	bank target.Bank
	lnk  *link.Link

	trims chan []byte
}

// New creates a server for the provided link.
func New(tgt target.Target, opts ...link.Option) *Server {
	return &Server{
		tgt:   tgt,
		opts:  opts,
		set:   link.DefaultSettings(),
		trims: make(chan []byte, 1),
	}
}

func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	return srv.config(ctx.Msg, req.Body)
}

func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	return srv.init(ctx.Msg)
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	return srv.reset(ctx.Msg)
}

func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	return srv.start(ctx.Msg)
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	return nil
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return srv.close()
}

// Trims publishes the outcome of the last training.
func (srv *Server) Trims(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
	case raw := <-srv.trims:
		dst.Body = raw
	}
	return nil
}

func (srv *Server) config(msg msgstream, body []byte) error {
	set, err := link.DecodeSettings(bytes.NewReader(body))
	if err != nil {
		msg.Errorf("could not decode settings: %+v", err)
		return fmt.Errorf("server: could not decode settings: %w", err)
	}
	srv.set = set
	msg.Infof("link %q: training clock %v, full-speed clock %v", srv.tgt.Name, set.Clock, set.TxClock)
	return nil
}

func (srv *Server) init(msg msgstream) error {
	err := srv.close()
	if err != nil {
		msg.Errorf("could not close previous register bank: %+v", err)
		return fmt.Errorf("server: could not close previous register bank: %w", err)
	}

	bank, err := srv.tgt.Open()
	if err != nil {
		msg.Errorf("could not open register bank of %q: %+v", srv.tgt.Name, err)
		return fmt.Errorf("server: could not open register bank of %q: %w", srv.tgt.Name, err)
	}

	lnk, err := link.New(bank, srv.tgt.Primary, srv.tgt.Secondary, srv.tgt.Mode(), srv.opts...)
	if err != nil {
		_ = bank.Close()
		msg.Errorf("could not create link %q: %+v", srv.tgt.Name, err)
		return fmt.Errorf("server: could not create link %q: %w", srv.tgt.Name, err)
	}

	err = lnk.EnableNormalSpeed()
	if err != nil {
		_ = bank.Close()
		msg.Errorf("could not enable link %q: %+v", srv.tgt.Name, err)
		return fmt.Errorf("server: could not enable link %q: %w", srv.tgt.Name, err)
	}

	srv.bank = bank
	srv.lnk = lnk
	return nil
}

func (srv *Server) start(msg msgstream) error {
	if srv.lnk == nil {
		msg.Errorf("link %q not initialized", srv.tgt.Name)
		return fmt.Errorf("server: link %q: %w", srv.tgt.Name, link.ErrNotInitialized)
	}

	err := srv.lnk.EnableHighSpeed(srv.set)
	srv.publish(msg, srv.lnk.LastTraining())
	if err != nil {
		msg.Errorf("could not train link %q: %+v", srv.tgt.Name, err)
		return fmt.Errorf("server: could not train link %q: %w", srv.tgt.Name, err)
	}
	msg.Infof("link %q at full speed", srv.tgt.Name)
	return nil
}

func (srv *Server) reset(msg msgstream) error {
	srv.set = link.DefaultSettings()
	err := srv.close()
	if err != nil {
		msg.Errorf("could not close register bank: %+v", err)
		return fmt.Errorf("server: could not close register bank: %w", err)
	}
	return nil
}

func (srv *Server) close() error {
	srv.lnk = nil
	if srv.bank == nil {
		return nil
	}
	bank := srv.bank
	srv.bank = nil
	return bank.Close()
}

// publish replaces any unread training outcome with the provided one.
func (srv *Server) publish(msg msgstream, train link.Training) {
	raw, err := json.Marshal(newTrims(srv.tgt.Name, train))
	if err != nil {
		msg.Errorf("could not marshal training outcome: %+v", err)
		return
	}
	select {
	case <-srv.trims:
	default:
	}
	srv.trims <- raw
}

// Trims is the JSON payload of the /trims output.
type Trims struct {
	Link  string    `json:"link"`
	Error string    `json:"error,omitempty"`
	Dirs  []DirTrim `json:"dirs"`
}

// DirTrim is the training outcome of one direction.
type DirTrim struct {
	Dir       string              `json:"dir"`
	Trim      int                 `json:"trim"`
	EyeWidth  int                 `json:"eye"`
	Phase     string              `json:"phase"`
	Anchor    int                 `json:"anchor"`
	Delays    [trim.LaneCount]int `json:"delays"`
	RegDelays [trim.LaneCount]int `json:"reg_delays"`
}

func newTrims(name string, train link.Training) Trims {
	o := Trims{
		Link: name,
		Dirs: make([]DirTrim, 0, len(train.Outcomes)),
	}
	if train.Err != nil {
		o.Error = train.Err.Error()
	}
	for _, out := range train.Outcomes {
		res := out.Result()
		o.Dirs = append(o.Dirs, DirTrim{
			Dir:       out.Dir.String(),
			Trim:      res.Trim,
			EyeWidth:  res.EyeWidth,
			Phase:     res.Phase.String(),
			Anchor:    res.Anchor,
			Delays:    res.Delays,
			RegDelays: res.RegDelays(),
		})
	}
	return o
}
