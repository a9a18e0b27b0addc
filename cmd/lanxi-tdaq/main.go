// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command lanxi-tdaq starts a TDAQ server driving a set of LAN-XI modules.
//
// The session configuration is read from the YAML file named by the
// /config command, the second command-line argument or the LANXI_CFG
// environment variable.
// Each /start command runs a new acquisition session, until the
// requested samples are collected or the /stop command is received.
// The collected samples are then published on the /samples output,
// one CBOR-encoded block per module input channel.
package main // import "github.com/go-lpc/lanxi/cmd/lanxi-tdaq"

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/lanxi/acq"
)

func main() {
	cmd := flags.New()

	dev := newDevice(cmd.Args[0], os.Getenv("LANXI_CFG"))
	if len(cmd.Args) > 1 {
		dev.fname = cmd.Args[1]
	}

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/samples", dev.samples)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

// Block holds the samples of a single input channel, collected during
// one run.
type Block struct {
	Run     uint32  `cbor:"run"`
	Module  string  `cbor:"module"`
	Channel uint16  `cbor:"channel"`
	Samples []int32 `cbor:"samples"`
	Error   string  `cbor:"error,omitempty"`
}

type device struct {
	name  string
	fname string

	mu     sync.Mutex
	cfg    acq.Config
	ok     bool // whether cfg was loaded
	runNbr uint32
	sess   *acq.Session
	n      int // number of published blocks

	quit chan struct{}
	data chan []byte
	opts []acq.Option
}

func newDevice(name, fname string, opts ...acq.Option) *device {
	return &device{
		name:  name,
		fname: fname,
		quit:  make(chan struct{}),
		data:  make(chan []byte, 1024),
		opts:  opts,
	}
}

func (dev *device) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	fname := dev.fname
	if len(req.Body) > 0 {
		dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
		if v := dec.ReadStr(); v != "" {
			fname = v
		}
	}
	if fname == "" {
		return fmt.Errorf("missing session configuration file")
	}

	cfg, err := acq.LoadConfig(fname)
	if err != nil {
		ctx.Msg.Errorf("could not load session configuration %q: %+v", fname, err)
		return fmt.Errorf("could not load session configuration %q: %w", fname, err)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.cfg = cfg
	dev.ok = true
	ctx.Msg.Infof("configured %d module(s) from %q", len(cfg.Modules), fname)

	return nil
}

func (dev *device) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if !dev.ok {
		return fmt.Errorf("device %q not configured", dev.name)
	}
	dev.runNbr = 0
	dev.n = 0
	return nil
}

func (dev *device) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.sess != nil {
		dev.sess.Stop()
		dev.sess = nil
	}
	dev.runNbr = 0
	dev.n = 0
	return nil
}

func (dev *device) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if !dev.ok {
		return fmt.Errorf("device %q not configured", dev.name)
	}

	sess, err := acq.NewSession(dev.cfg, dev.opts...)
	if err != nil {
		ctx.Msg.Errorf("could not create session: %+v", err)
		return fmt.Errorf("could not create session: %w", err)
	}
	dev.sess = sess
	dev.runNbr++
	return nil
}

func (dev *device) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	dev.mu.Lock()
	n := dev.n
	if dev.sess != nil {
		dev.sess.Stop()
	}
	dev.mu.Unlock()
	ctx.Msg.Debugf("received /stop command... -> n=%d", n)
	return nil
}

func (dev *device) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.sess != nil {
		dev.sess.Stop()
	}
	select {
	case <-dev.quit:
	default:
		close(dev.quit)
	}
	return nil
}

func (dev *device) samples(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.data:
		dst.Body = data
	}
	return nil
}

func (dev *device) run(ctx tdaq.Context) error {
	dev.mu.Lock()
	sess := dev.sess
	run := dev.runNbr
	dev.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("no session to run")
	}

	// the end of the run stops the session: the samples collected so
	// far are still published.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Ctx.Done():
			sess.Stop()
		case <-done:
		}
	}()

	err := sess.Run(context.Background())
	close(done)
	if err != nil {
		ctx.Msg.Errorf("could not run session: %+v", err)
		return fmt.Errorf("could not run session: %w", err)
	}
	if err := sess.Err(); err != nil {
		ctx.Msg.Infof("session ended with errors: %+v", err)
	}

	blocks := blocksFrom(run, sess.Result())
	for _, blk := range blocks {
		raw, err := cbor.Marshal(blk)
		if err != nil {
			return fmt.Errorf("could not encode samples block: %w", err)
		}
		select {
		case dev.data <- raw:
			dev.mu.Lock()
			dev.n++
			dev.mu.Unlock()
		case <-dev.quit:
			return nil
		}
	}
	ctx.Msg.Infof("run %d: published %d block(s)", run, len(blocks))

	<-ctx.Ctx.Done()
	return nil
}

func blocksFrom(run uint32, res acq.Result) []Block {
	mods := make([]string, 0, len(res.Channels))
	for name := range res.Channels {
		mods = append(mods, name)
	}
	sort.Strings(mods)

	var blocks []Block
	for _, name := range mods {
		chans := res.Channels[name]
		ids := make([]int, 0, len(chans))
		for id := range chans {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)

		var msg string
		if err := res.Errors[name]; err != nil {
			msg = err.Error()
		}
		for _, id := range ids {
			blocks = append(blocks, Block{
				Run:     run,
				Module:  name,
				Channel: uint16(id),
				Samples: chans[uint16(id)].Samples(),
				Error:   msg,
			})
		}
	}
	return blocks
}
