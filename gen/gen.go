// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gen streams samples generated on the host to the output
// channels of LAN-XI generator modules.
//
// Each output channel receives its samples on its own TCP socket.
// The output buffers of a module are primed with a first batch of
// samples before the generator is started, the rest is streamed while
// the generator plays.
package gen // import "github.com/go-lpc/lanxi/gen"

import (
	"context"
	"io"
	"log"
	"math"
	"net"
	"os"

	"github.com/go-lpc/lanxi/rec"
	"github.com/go-lpc/lanxi/stream"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const (
	defaultPrime    = 3 * 6000
	defaultChunk    = 4096
	defaultSyncMode = `{"synchronization":{"mode":"stand-alone"}}`
)

// Controller is the control plane of a module with generator outputs.
type Controller interface {
	rec.Channel

	Generator(ctx context.Context, op string, body []byte) error
	Apply(ctx context.Context) error

	// OutputPorts returns the ports of the sockets of the output
	// channels.
	OutputPorts(ctx context.Context) ([]int, error)

	// StreamAddr returns the network address of the socket listening
	// on port.
	StreamAddr(port int) string
}

var _ Controller = (*rec.Client)(nil)

// Config describes an output streaming run.
type Config struct {
	Prepare  string // generator prepare, start and stop parameters (JSON)
	Output   string // generator output channels setup (JSON)
	SyncMode string // synchronization mode (JSON), stand-alone by default

	// Apply applies the generator start to all the modules of the
	// frame.
	Apply bool

	Prime int // samples sent per channel before starting the generator
	Chunk int // samples per socket write
}

func (cfg *Config) applyDefaults() {
	if cfg.SyncMode == "" {
		cfg.SyncMode = defaultSyncMode
	}
	if cfg.Prime <= 0 {
		cfg.Prime = defaultPrime
	}
	if cfg.Chunk <= 0 {
		cfg.Chunk = defaultChunk
	}
}

// Option configures an Output.
type Option func(*Output)

// WithLogger sets the logger of the output.
// A nil logger discards all messages.
func WithLogger(msg *log.Logger) Option {
	return func(o *Output) {
		if msg == nil {
			msg = log.New(io.Discard, "", 0)
		}
		o.msg = msg
	}
}

// WithMachine sets the options of the state machine driving the
// module.
func WithMachine(opts ...rec.Option) Option {
	return func(o *Output) {
		o.mopts = append(o.mopts, opts...)
	}
}

// Output streams samples to the generator outputs of a module.
type Output struct {
	ctl   Controller
	cfg   Config
	msg   *log.Logger
	mopts []rec.Option
	m     *rec.Machine

	ports []int
}

// New creates an output streaming run over the module controlled by ctl.
func New(ctl Controller, cfg Config, opts ...Option) *Output {
	cfg.applyDefaults()
	o := &Output{
		ctl: ctl,
		cfg: cfg,
		msg: log.New(os.Stdout, "gen: ", 0),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.m = rec.New(ctl, append([]rec.Option{rec.WithLogger(o.msg)}, o.mopts...)...)
	return o
}

// Run opens the recorder application, streams signals to the output
// channels and closes the recorder once every sample was sent.
// The i-th signal is sent to the i-th output channel.
func (o *Output) Run(ctx context.Context, signals [][]int32) error {
	err := o.m.ToIdle(ctx)
	if err != nil {
		return xerrors.Errorf("gen: could not bring module to Idle: %w", err)
	}

	err = o.ctl.Put(ctx, rec.PathSyncMode, []byte(o.cfg.SyncMode))
	if err != nil {
		return xerrors.Errorf("gen: could not set sync mode: %w", err)
	}

	err = o.m.Open(ctx, nil)
	if err != nil {
		return xerrors.Errorf("gen: could not open recorder: %w", err)
	}
	defer func() {
		err := o.m.ToIdle(context.Background())
		if err != nil {
			o.msg.Printf("could not close recorder: %+v", err)
		}
	}()

	err = o.Prepare(ctx)
	if err != nil {
		return err
	}

	return o.Stream(ctx, signals)
}

// Prepare prepares the generator, sets its output channels up and
// retrieves the ports of their sockets.
// The recorder application must be opened.
func (o *Output) Prepare(ctx context.Context) error {
	err := o.ctl.Generator(ctx, "prepare", bytesOf(o.cfg.Prepare))
	if err != nil {
		return xerrors.Errorf("gen: could not prepare generator: %w", err)
	}

	err = o.ctl.Generator(ctx, "output", bytesOf(o.cfg.Output))
	if err != nil {
		return xerrors.Errorf("gen: could not set output channels up: %w", err)
	}

	o.ports, err = o.ctl.OutputPorts(ctx)
	if err != nil {
		return xerrors.Errorf("gen: could not get output ports: %w", err)
	}
	o.msg.Printf("output streaming ports: %v", o.ports)
	return nil
}

// Ports returns the ports of the output channels sockets, once
// prepared.
func (o *Output) Ports() []int { return o.ports }

// Stream connects to the output channels sockets, primes them,
// starts the generator, sends the remaining samples and stops the
// generator.
func (o *Output) Stream(ctx context.Context, signals [][]int32) error {
	if len(signals) == 0 {
		return xerrors.Errorf("gen: no signal to stream")
	}
	if len(signals) > len(o.ports) {
		return xerrors.Errorf(
			"gen: too many signals for output channels (signals=%d, outputs=%d)",
			len(signals), len(o.ports),
		)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		grp, gtx = errgroup.WithContext(ctx)
		primed   = make([]chan struct{}, len(signals))
	)
	for i := range signals {
		var (
			addr = o.ctl.StreamAddr(o.ports[i])
			vs   = signals[i]
			ch   = make(chan struct{})
		)
		primed[i] = ch
		grp.Go(func() error {
			return o.send(gtx, addr, vs, ch)
		})
	}

	for _, ch := range primed {
		select {
		case <-ch:
		case <-gtx.Done():
			cancel()
			err := grp.Wait()
			if err == nil {
				err = gtx.Err()
			}
			return xerrors.Errorf("gen: could not prime output channels: %w", err)
		}
	}
	o.msg.Printf("output channels primed")

	err := o.start(ctx)
	if err != nil {
		cancel()
		_ = grp.Wait()
		return err
	}

	err = grp.Wait()
	if err != nil {
		o.stop()
		return xerrors.Errorf("gen: could not stream samples: %w", err)
	}

	return o.stop()
}

func (o *Output) start(ctx context.Context) error {
	err := o.ctl.Generator(ctx, "start", bytesOf(o.cfg.Prepare))
	if err != nil {
		return xerrors.Errorf("gen: could not start generator: %w", err)
	}
	if !o.cfg.Apply {
		return nil
	}
	err = o.ctl.Apply(ctx)
	if err != nil {
		o.stop()
		return xerrors.Errorf("gen: could not apply generator start: %w", err)
	}
	return nil
}

func (o *Output) stop() error {
	err := o.ctl.Generator(context.Background(), "stop", bytesOf(o.cfg.Prepare))
	if err != nil {
		o.msg.Printf("could not stop generator: %+v", err)
		return xerrors.Errorf("gen: could not stop generator: %w", err)
	}
	return nil
}

// send streams vs to the output socket at addr, closing primed once
// the priming samples were sent.
func (o *Output) send(ctx context.Context, addr string, vs []int32, primed chan struct{}) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return xerrors.Errorf("gen: could not connect to output %s: %w", addr, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// unblock writes to a module not consuming its buffers.
			conn.Close()
		case <-done:
		}
	}()

	var (
		w  = stream.NewSampleWriter(conn)
		ok = false
	)
	for beg := 0; beg < len(vs); beg += o.cfg.Chunk {
		end := beg + o.cfg.Chunk
		if end > len(vs) {
			end = len(vs)
		}
		err := w.Write(vs[beg:end])
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerrors.Errorf("gen: could not send samples to %s: %w", addr, err)
		}
		if !ok && w.N() >= o.cfg.Prime {
			ok = true
			close(primed)
		}
	}
	if !ok {
		close(primed)
	}
	return nil
}

// Tone returns n samples of a sine wave of frequency freq (Hz)
// sampled at rate (Hz), with amplitude amp.
func Tone(freq, rate float64, n int, amp float64) []int32 {
	vs := make([]int32, n)
	for i := range vs {
		vs[i] = int32(math.Round(amp * math.Sin(2*math.Pi*freq*float64(i)/rate)))
	}
	return vs
}

func bytesOf(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}
