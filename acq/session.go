// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-lpc/lanxi/rec"
	"github.com/go-lpc/lanxi/stream"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Option configures a Session.
type Option func(*Session)

// WithChannel sets the function creating the control plane of a
// module. The default is Dial.
func WithChannel(dial func(Endpoint) (Controller, error)) Option {
	return func(s *Session) {
		s.dial = dial
	}
}

// WithLogger sets the logger of the session.
// A nil logger discards all messages.
func WithLogger(msg *log.Logger) Option {
	return func(s *Session) {
		if msg == nil {
			msg = log.New(io.Discard, "", 0)
		}
		s.msg = msg
	}
}

// WithMetrics sets the collectors updated by the session.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithMachine sets the options of the state machines driving the
// modules of the session.
func WithMachine(opts ...rec.Option) Option {
	return func(s *Session) {
		s.mopts = append(s.mopts, opts...)
	}
}

// OnCAN registers a function called with every CAN sequence received,
// along with the timestamp of its message.
// f is called from the reader of each module, possibly concurrently,
// and seq is only valid for the duration of the call.
func OnCAN(f func(module string, ts uint64, seq *stream.AuxSequence)) Option {
	return func(s *Session) {
		s.oncan = f
	}
}

// Result holds the data collected by a session.
// Modules are keyed by their address.
type Result struct {
	Channels map[string]map[uint16]*Accumulator
	CAN      map[string]CANStats
	Errors   map[string]error // modules whose reader ended on an error
	Elapsed  time.Duration    // time spent streaming
}

// Session is an acquisition session over a set of modules.
type Session struct {
	cfg     Config
	msg     *log.Logger
	dial    func(Endpoint) (Controller, error)
	mopts   []rec.Option
	metrics *Metrics
	oncan   func(string, uint64, *stream.AuxSequence)
	verify  verifier

	master *module
	mods   []*module

	quit    chan struct{}
	once    sync.Once
	expired bool // whether the session Duration elapsed

	mu  sync.Mutex
	ran bool
	res Result
}

// NewSession creates a new acquisition session from cfg.
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	cfg.Modules = append([]Endpoint(nil), cfg.Modules...)
	cfg.applyDefaults()
	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:  cfg,
		msg:  log.New(os.Stdout, "acq: ", 0),
		dial: Dial,
		quit: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.verify, err = newVerifier(cfg.Verify)
	if err != nil {
		return nil, err
	}

	mopts := append([]rec.Option{rec.WithLogger(s.msg)}, s.mopts...)
	for _, ep := range cfg.Modules {
		ctl, err := s.dial(ep)
		if err != nil {
			return nil, xerrors.Errorf("acq: could not create control plane of %v: %w", ep, err)
		}
		mod := newModule(ep, ctl, rec.New(ctl, mopts...), cfg)
		s.mods = append(s.mods, mod)
		if ep.Role == Master {
			s.master = mod
		}
	}

	return s, nil
}

// Stop requests the session to stop.
// Stop may be called from any goroutine, any number of times.
func (s *Session) Stop() {
	s.once.Do(func() { close(s.quit) })
}

func (s *Session) stopped() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// Run brings all the modules up, streams until completion and brings
// the modules back to Idle.
//
// Errors while bringing modules up are returned right away.
// A module whose stream fails does not stop the other modules: Run
// returns normally and the failure is reported by Err and Result.
//
// Streaming ends normally on completion, on Stop or once the session
// Duration elapsed. When ctx is done first and some module is still
// incomplete, Run returns the error of ctx. The partial data is still
// available from Result.
func (s *Session) Run(parent context.Context) error {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return xerrors.Errorf("acq: session already ran")
	}
	s.ran = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer s.collect()
	defer s.teardown()

	beg := time.Now()
	err := s.bringup(ctx)
	if err != nil {
		return xerrors.Errorf("acq: could not bring modules up: %w", err)
	}
	s.metrics.bringup(time.Since(beg))
	s.msg.Printf("all modules streaming (%v)", time.Since(beg))

	beg = time.Now()
	err = s.stream(ctx)
	s.mu.Lock()
	s.res.Elapsed = time.Since(beg)
	s.mu.Unlock()

	switch {
	case err != nil && s.stopped() && errors.Is(err, context.Canceled):
		err = nil
	case err == nil && parent.Err() != nil && !s.stopped() && !s.expired && !s.complete():
		err = xerrors.Errorf("acq: session interrupted before completion: %w", parent.Err())
	}
	return err
}

// complete reports whether every module reached its target.
func (s *Session) complete() bool {
	for _, mod := range s.mods {
		if !mod.complete() {
			return false
		}
	}
	return true
}

func (s *Session) slaves() []*module {
	mods := make([]*module, 0, len(s.mods)-1)
	for _, mod := range s.mods {
		if mod != s.master {
			mods = append(mods, mod)
		}
	}
	return mods
}

// each runs f concurrently on every module of mods.
func (s *Session) each(ctx context.Context, mods []*module, f func(ctx context.Context, mod *module) error) error {
	grp, ctx := errgroup.WithContext(ctx)
	for i := range mods {
		mod := mods[i]
		grp.Go(func() error {
			err := f(ctx, mod)
			if err != nil {
				return xerrors.Errorf("acq: module %v: %w", mod.ep, err)
			}
			return nil
		})
	}
	return grp.Wait()
}

// all runs f concurrently on every module of the session.
func (s *Session) all(ctx context.Context, f func(ctx context.Context, mod *module) error) error {
	return s.each(ctx, s.mods, f)
}

// ordered runs f on all slaves, then on the master.
func (s *Session) ordered(ctx context.Context, f func(ctx context.Context, mod *module) error) error {
	err := s.each(ctx, s.slaves(), f)
	if err != nil {
		return err
	}
	return s.each(ctx, []*module{s.master}, f)
}

func (s *Session) bringup(ctx context.Context) error {
	var (
		open  = bytesOf(s.cfg.Open)
		setup = bytesOf(s.cfg.Setup)
	)

	err := s.all(ctx, func(ctx context.Context, mod *module) error {
		return mod.m.ToIdle(ctx)
	})
	if err != nil {
		return err
	}

	if !s.cfg.PTP {
		return s.all(ctx, func(ctx context.Context, mod *module) error {
			err := mod.m.Open(ctx, open)
			if err != nil {
				return err
			}
			err = mod.m.Create(ctx)
			if err != nil {
				return err
			}
			err = mod.m.Configure(ctx, setup)
			if err != nil {
				return err
			}
			return s.reached(ctx, mod, rec.RecorderStreaming)
		})
	}

	for _, step := range []struct {
		name string
		run  func(ctx context.Context, f func(context.Context, *module) error) error
		f    func(ctx context.Context, mod *module) error
	}{
		{
			name: "sync-mode",
			run:  s.all,
			f: func(ctx context.Context, mod *module) error {
				body := s.cfg.SyncMode.Slave
				if mod.ep.Role == Master {
					body = s.cfg.SyncMode.Master
				}
				return mod.m.SyncMode(ctx, []byte(body))
			},
		},
		{
			name: "open",
			run:  s.ordered,
			f: func(ctx context.Context, mod *module) error {
				err := mod.m.Open(ctx, open)
				if err != nil {
					return err
				}
				return mod.m.WaitForInput(ctx, rec.InputSampling)
			},
		},
		{
			name: "create",
			run:  s.all,
			f: func(ctx context.Context, mod *module) error {
				return mod.m.Create(ctx)
			},
		},
		{
			name: "setup",
			run:  s.all,
			f: func(ctx context.Context, mod *module) error {
				err := mod.m.Configure(ctx, setup)
				if err != nil {
					return err
				}
				return mod.m.WaitForInput(ctx, rec.InputSettled)
			},
		},
		{
			name: "synchronize",
			run:  s.ordered,
			f: func(ctx context.Context, mod *module) error {
				return mod.m.Synchronize(ctx)
			},
		},
		{
			name: "start-streaming",
			run:  s.ordered,
			f: func(ctx context.Context, mod *module) error {
				err := mod.m.StartStreaming(ctx)
				if err != nil {
					return err
				}
				s.metrics.state(mod.name, rec.RecorderStreaming)
				return nil
			},
		},
	} {
		err := step.run(ctx, step.f)
		if err != nil {
			return xerrors.Errorf("acq: %s failed: %w", step.name, err)
		}
	}
	return nil
}

func (s *Session) reached(ctx context.Context, mod *module, st rec.State) error {
	err := mod.m.WaitForState(ctx, st)
	if err != nil {
		return err
	}
	s.metrics.state(mod.name, st)
	return nil
}

// stream connects to the streaming socket of every module, starts the
// measurements and reads data until completion.
func (s *Session) stream(ctx context.Context) error {
	var (
		bar      = NewBarrier(len(s.mods) - 1)
		grp, gtx = errgroup.WithContext(ctx)
	)

	for i := range s.mods {
		mod := s.mods[i]
		grp.Go(func() error {
			defer close(mod.done)
			return s.run(gtx, mod, bar)
		})
	}

	all := make(chan struct{})
	go func() {
		defer close(all)
		for _, mod := range s.mods {
			<-mod.done
		}
	}()

	var timeout <-chan time.Time
	if s.cfg.Duration > 0 {
		timer := time.NewTimer(s.cfg.Duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-all:
	case <-timeout:
		s.expired = true
		s.msg.Printf("acquisition duration elapsed (%v)", s.cfg.Duration)
	case <-gtx.Done():
	}

	for _, mod := range s.mods {
		mod.close()
	}

	return grp.Wait()
}

// run starts the measurement on a module and reads its streams.
func (s *Session) run(ctx context.Context, mod *module, bar *Barrier) error {
	addrs, err := s.streams(ctx, mod)
	if err != nil {
		return err
	}

	err = mod.connect(ctx, addrs)
	if err != nil {
		return err
	}

	switch mod.ep.Role {
	case Master:
		err = bar.Wait(ctx)
		if err != nil {
			return xerrors.Errorf("acq: master %v could not wait for slaves: %w", mod.ep, err)
		}
		if len(s.mods) > 1 {
			err = sleep(ctx, s.cfg.SettleDelay)
			if err != nil {
				return err
			}
		}
		err = mod.m.StartMeasurement(ctx)
		if err != nil {
			return xerrors.Errorf("acq: could not start measurement on %v: %w", mod.ep, err)
		}
	default:
		err = mod.m.StartMeasurement(ctx)
		if err != nil {
			return xerrors.Errorf("acq: could not start measurement on %v: %w", mod.ep, err)
		}
		bar.Arrive()
	}
	s.metrics.state(mod.name, rec.RecorderRecording)

	err = s.readAll(mod)
	if err != nil {
		s.msg.Printf("module %v: stream failed: %+v", mod.ep, err)
		s.metrics.failure(mod.name)
		mod.err = err
	}
	return nil
}

// streams returns the addresses of the streaming sockets of mod.
func (s *Session) streams(ctx context.Context, mod *module) ([]string, error) {
	if !s.cfg.MultiSocket {
		port, err := mod.ctl.TCPPort(ctx)
		if err != nil {
			return nil, xerrors.Errorf("acq: could not get streaming port of %v: %w", mod.ep, err)
		}
		return []string{mod.ctl.StreamAddr(port)}, nil
	}

	ports, err := mod.ctl.TCPPorts(ctx)
	if err != nil {
		return nil, xerrors.Errorf("acq: could not get streaming ports of %v: %w", mod.ep, err)
	}
	if len(ports) == 0 {
		return nil, xerrors.Errorf("acq: no streaming port for %v", mod.ep)
	}
	addrs := make([]string, len(ports))
	for i, port := range ports {
		addrs[i] = mod.ctl.StreamAddr(port)
	}
	mod.perSocket(len(ports))
	return addrs, nil
}

// readAll reads every stream of mod, one reader per socket.
// The first reader error is returned once all readers are done.
func (s *Session) readAll(mod *module) error {
	if !s.cfg.MultiSocket {
		return s.read(mod, mod.conns[0], 0)
	}

	var grp errgroup.Group
	for i := range mod.conns {
		var (
			conn = mod.conns[i]
			id   = uint16(i + 1)
		)
		grp.Go(func() error {
			err := s.read(mod, conn, id)
			if err != nil {
				return xerrors.Errorf("acq: socket %d: %w", id, err)
			}
			return nil
		})
	}
	return grp.Wait()
}

// read decodes messages from one stream of mod until its channels
// are complete, the stream is closed by the session or an error
// occurs.
// A non-zero id routes all the signal data of the stream to that
// channel. Otherwise, signal data is routed after its signal id.
func (s *Session) read(mod *module, conn net.Conn, id uint16) error {
	var (
		dec = stream.NewDecoder(conn)
		msg stream.Message
	)

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		err := dec.Next(&msg)
		if err != nil {
			if mod.closed() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return xerrors.Errorf("acq: stream closed by module: %w", err)
			}
			return err
		}
		s.metrics.message(mod.name, msg.Header.MessageType)

		switch msg.Header.MessageType {
		case stream.SignalDataType:
			sig := &msg.Signal
			if id == 0 {
				n := mod.signal(sig)
				s.metrics.samples(mod.name, sig.SignalID, n)
				if mod.complete() {
					return nil
				}
				break
			}
			acc := mod.accs[id]
			acc.Add(sig.Values)
			s.metrics.samples(mod.name, id, len(sig.Values))
			if acc.Done() {
				return nil
			}

		case stream.AuxSequenceType:
			seq := &msg.Aux
			mod.cmu.Lock()
			bad := s.verify.check(&mod.can, seq)
			mod.cmu.Unlock()
			s.metrics.can(mod.name, seq.CANChannel(), len(seq.Records), bad)
			if bad > 0 {
				s.msg.Printf("module %v: %d CAN record(s) not matching pattern on channel %d",
					mod.ep, bad, seq.CANChannel(),
				)
			}
			if s.oncan != nil {
				s.oncan(mod.name, msg.Header.Timestamp, seq)
			}
		}
	}
}

// teardown brings every module back to Idle.
// Errors are only logged.
func (s *Session) teardown() {
	ctx := context.Background()
	_ = s.all(ctx, func(ctx context.Context, mod *module) error {
		st, err := mod.m.State(ctx)
		if err != nil {
			s.msg.Printf("module %v: could not get state: %+v", mod.ep, err)
		}
		if st == rec.RecorderRecording {
			err = mod.m.StopMeasurement(ctx)
			if err != nil {
				s.msg.Printf("module %v: could not stop measurement: %+v", mod.ep, err)
			}
		}
		mod.close()

		err = mod.m.ToIdle(ctx)
		if err != nil {
			s.msg.Printf("module %v: could not go back to Idle: %+v", mod.ep, err)
			return nil
		}
		s.metrics.state(mod.name, rec.Idle)
		return nil
	})
}

func (s *Session) collect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.res.Channels = make(map[string]map[uint16]*Accumulator, len(s.mods))
	s.res.CAN = make(map[string]CANStats, len(s.mods))
	s.res.Errors = make(map[string]error)
	for _, mod := range s.mods {
		s.res.Channels[mod.name] = mod.accs
		s.res.CAN[mod.name] = mod.can
		if mod.err != nil {
			s.res.Errors[mod.name] = mod.err
		}
	}
}

// Result returns the data collected by the session.
// Result is only complete once Run has returned.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res
}

// Accumulator returns the samples collected for the 1-based channel
// of a module, or nil.
func (s *Session) Accumulator(module string, channel uint16) *Accumulator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res.Channels[module][channel]
}

// CANErrors returns the number of CAN records not matching the
// verification pattern, per CAN channel of a module.
func (s *Session) CANErrors(module string) map[int]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res.CAN[module].Errors
}

// Err returns the first stream error of the session modules, in
// configuration order.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mod := range s.mods {
		if err, ok := s.res.Errors[mod.name]; ok {
			return xerrors.Errorf(
				"acq: %d module(s) failed, first %v: %w",
				len(s.res.Errors), mod.ep, err,
			)
		}
	}
	return nil
}

func bytesOf(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// module is the per-module state of a session.
// Apart from conns, it is owned by the goroutine running the module.
// With one socket per channel, each reader only touches the
// accumulator of its own channel, and CAN statistics are guarded by
// cmu.
type module struct {
	ep   Endpoint
	name string
	ctl  Controller
	m    *rec.Machine

	target int
	size   int
	accs   map[uint16]*Accumulator
	ids    []uint16 // channels needed for completion
	infer  bool     // whether ids is still being inferred
	can    CANStats
	cmu    sync.Mutex
	err    error
	done   chan struct{}

	mu       sync.Mutex
	conns    []net.Conn
	shutdown bool
}

func newModule(ep Endpoint, ctl Controller, m *rec.Machine, cfg Config) *module {
	mod := &module{
		ep:     ep,
		name:   ep.Addr,
		ctl:    ctl,
		m:      m,
		target: cfg.Samples,
		size:   cfg.BufferSize,
		accs:   make(map[uint16]*Accumulator, len(cfg.Channels)),
		ids:    append([]uint16(nil), cfg.Channels...),
		infer:  len(cfg.Channels) == 0,
		can:    newCANStats(),
		done:   make(chan struct{}),
	}
	for _, id := range cfg.Channels {
		mod.accs[id] = NewAccumulator(cfg.Samples, cfg.BufferSize)
	}
	return mod
}

func (mod *module) connect(ctx context.Context, addrs []string) error {
	var (
		dialer net.Dialer
		conns  = make([]net.Conn, 0, len(addrs))
	)
	for _, addr := range addrs {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return xerrors.Errorf("acq: could not connect to stream %s of %v: %w", addr, mod.ep, err)
		}
		conns = append(conns, conn)
	}

	mod.mu.Lock()
	defer mod.mu.Unlock()
	if mod.shutdown {
		for _, c := range conns {
			c.Close()
		}
		return xerrors.Errorf("acq: stream of %v closed before connection", mod.ep)
	}
	mod.conns = conns
	return nil
}

// close closes the stream sockets. Reads failing afterwards are part
// of a normal shutdown.
func (mod *module) close() {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	if mod.shutdown {
		return
	}
	mod.shutdown = true
	for _, conn := range mod.conns {
		_ = conn.Close()
	}
}

func (mod *module) closed() bool {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	return mod.shutdown
}

// perSocket prepares the accumulators of a module streaming each of
// its n channels on its own socket: the i-th socket carries the i-th
// signal.
func (mod *module) perSocket(n int) {
	if mod.infer {
		mod.ids = mod.ids[:0]
		for i := 1; i <= n; i++ {
			mod.ids = append(mod.ids, uint16(i))
		}
		mod.infer = false
	}
	for i := 1; i <= n; i++ {
		id := uint16(i)
		if _, ok := mod.accs[id]; !ok {
			mod.accs[id] = NewAccumulator(mod.target, mod.size)
		}
	}
}

// signal accumulates the samples of sig and returns their number.
func (mod *module) signal(sig *stream.SignalData) int {
	acc, ok := mod.accs[sig.SignalID]
	switch {
	case ok && mod.infer:
		// a channel seen again: a full cycle went by.
		mod.infer = false
	case !ok:
		acc = NewAccumulator(mod.target, mod.size)
		mod.accs[sig.SignalID] = acc
		if mod.infer {
			mod.ids = append(mod.ids, sig.SignalID)
		}
	}
	acc.Add(sig.Values)
	return len(sig.Values)
}

// complete reports whether every needed channel of the module
// reached its target.
func (mod *module) complete() bool {
	if mod.infer || mod.target <= 0 || len(mod.ids) == 0 {
		return false
	}
	for _, id := range mod.ids {
		if !mod.accs[id].Done() {
			return false
		}
	}
	return true
}
