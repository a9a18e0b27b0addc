// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakemod provides an in-process fake LAN-XI module, serving
// the recorder control plane over HTTP and streaming synthetic data
// over TCP.
package fakemod // import "github.com/go-lpc/lanxi/internal/fakemod"

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-lpc/lanxi/rec"
	"github.com/go-lpc/lanxi/stream"
	"golang.org/x/xerrors"
)

// Option configures a fake module.
type Option func(*Module)

// WithSignals sets the 1-based signal ids streamed by the module and
// the number of samples per signal data message.
func WithSignals(ids []uint16, n int) Option {
	return func(m *Module) {
		m.ids = ids
		m.nvals = n
	}
}

// WithCAN makes the module stream the given CAN records on the
// 1-based CAN channel, once per streaming cycle.
func WithCAN(channel int, recs []stream.AuxRecord) Option {
	return func(m *Module) {
		m.can = append(m.can, canFrame{channel, recs})
	}
}

// WithPartialRead makes the module hang up in the middle of a message
// header after n messages were sent.
func WithPartialRead(n int) Option {
	return func(m *Module) {
		m.partial = n
	}
}

// WithStuck makes the module acknowledge requests to path without
// changing its state.
func WithStuck(path string) Option {
	return func(m *Module) {
		m.stuck[path] = true
	}
}

// WithPostFailed makes the module report PostFailed after a request
// to path.
func WithPostFailed(path string) Option {
	return func(m *Module) {
		m.fail[path] = true
	}
}

// WithSockets makes the module stream each of its n channels on its
// own socket, as listed by the destination sockets path.
// Every socket streams a single signal, with signal id 1. The samples
// of the i-th socket are offset by i*SocketOffset.
func WithSockets(n int) Option {
	return func(m *Module) {
		m.nsocks = n
	}
}

// SocketOffset is the sample offset between two per-channel sockets.
const SocketOffset = 1000

// WithOutputs makes the module expose n generator output channels,
// each receiving samples on its own socket.
func WithOutputs(n int) Option {
	return func(m *Module) {
		m.nouts = n
	}
}

// WithPeriod sets the time between two streaming cycles.
func WithPeriod(d time.Duration) Option {
	return func(m *Module) {
		m.period = d
	}
}

type canFrame struct {
	channel int
	recs    []stream.AuxRecord
}

// Module is a fake LAN-XI module.
type Module struct {
	srv   *httptest.Server
	ln    net.Listener
	socks []net.Listener // per-channel streaming sockets
	outs  []net.Listener // generator output sockets

	ids     []uint16
	nvals   int
	can     []canFrame
	partial int
	period  time.Duration
	stuck   map[string]bool
	fail    map[string]bool
	nsocks  int
	nouts   int

	mu    sync.Mutex
	st    rec.Status
	ptp   bool
	reqs  []string
	setup []byte
	sent  int
	recvd []int // samples received per output channel

	wg    sync.WaitGroup
	quit  chan struct{}
	conns map[net.Conn]struct{}
}

// New starts a new fake module in the Idle state.
func New(opts ...Option) (*Module, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, xerrors.Errorf("fakemod: could not listen: %w", err)
	}

	m := &Module{
		ln:     ln,
		ids:    []uint16{1},
		nvals:  64,
		period: time.Millisecond,
		stuck:  make(map[string]bool),
		fail:   make(map[string]bool),
		st:     rec.Status{ModuleState: rec.Idle},
		quit:   make(chan struct{}),
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	for i := 0; i < m.nsocks; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			m.closeListeners()
			return nil, xerrors.Errorf("fakemod: could not listen on socket %d: %w", i+1, err)
		}
		m.socks = append(m.socks, ln)
	}
	for i := 0; i < m.nouts; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			m.closeListeners()
			return nil, xerrors.Errorf("fakemod: could not listen on output %d: %w", i+1, err)
		}
		m.outs = append(m.outs, ln)
	}
	m.recvd = make([]int, m.nouts)

	m.srv = httptest.NewServer(http.HandlerFunc(m.serveHTTP))

	m.wg.Add(1)
	go m.accept(m.ln, func(conn net.Conn) { m.serveStream(conn, m.ids, 0) })
	for i := range m.socks {
		base := int32(i * SocketOffset)
		m.wg.Add(1)
		go m.accept(m.socks[i], func(conn net.Conn) { m.serveStream(conn, []uint16{1}, base) })
	}
	for i := range m.outs {
		i := i
		m.wg.Add(1)
		go m.accept(m.outs[i], func(conn net.Conn) { m.serveOutput(conn, i) })
	}

	return m, nil
}

func (m *Module) closeListeners() {
	m.ln.Close()
	for _, ln := range m.socks {
		ln.Close()
	}
	for _, ln := range m.outs {
		ln.Close()
	}
}

// Addr returns the base URL of the control plane.
func (m *Module) Addr() string { return m.srv.URL }

// StreamPort returns the port of the streaming socket.
func (m *Module) StreamPort() int {
	return m.ln.Addr().(*net.TCPAddr).Port
}

// Close shuts the module down.
func (m *Module) Close() {
	m.srv.Close()
	close(m.quit)
	m.closeListeners()
	m.mu.Lock()
	for conn := range m.conns {
		conn.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// State returns the current recorder state.
func (m *Module) State() rec.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ModuleState
}

// SetState forces the recorder state.
func (m *Module) SetState(st rec.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.ModuleState = st
}

// Requests returns the control plane requests received so far,
// with the exception of status polls, as "METHOD path" strings.
func (m *Module) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reqs...)
}

// Received returns the number of samples received so far on the
// 1-based generator output channel.
func (m *Module) Received(output int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recvd[output-1]
}

// Setup returns the last input channels setup received.
func (m *Module) Setup() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setup
}

func (m *Module) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path

	m.mu.Lock()
	defer m.mu.Unlock()

	if r.Method == http.MethodGet {
		var reply interface{}
		switch path {
		case rec.PathOnChange:
			reply = m.st
		case rec.PathSocket:
			reply = map[string]int{"tcpPort": m.StreamPort()}
		case rec.PathSockets:
			ports := []int{m.StreamPort()}
			if len(m.socks) > 0 {
				ports = ports[:0]
				for _, ln := range m.socks {
					ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
				}
			}
			reply = map[string][]int{"tcpPorts": ports}
		case rec.PathGenerator + "output":
			reply = m.outputs()
		default:
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
		return
	}

	m.reqs = append(m.reqs, r.Method+" "+path)
	if m.stuck[path] {
		return
	}
	if m.fail[path] {
		m.st.ModuleState = rec.PostFailed
		return
	}

	err := m.transition(r.Method, path, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (m *Module) transition(method, path string, body []byte) error {
	st := &m.st
	want := func(s rec.State) error {
		if st.ModuleState != s {
			return xerrors.Errorf("%s %s: invalid transition from %v", method, path, st.ModuleState)
		}
		return nil
	}

	switch {
	case method == http.MethodPost && path == rec.PathMeasurements:
		if err := want(rec.RecorderStreaming); err != nil {
			return err
		}
		st.ModuleState = rec.RecorderRecording
		return nil
	case method == http.MethodDelete && path == rec.PathOBD2:
		return nil
	}

	switch {
	case path == rec.PathSyncMode:
		m.ptp = true
		st.PtpStatus = rec.PTPLocked
	case path == rec.PathOpen:
		if err := want(rec.Idle); err != nil {
			return err
		}
		st.ModuleState = rec.RecorderOpened
		st.InputStatus = rec.InputSampling
	case path == rec.PathCreate:
		if err := want(rec.RecorderOpened); err != nil {
			return err
		}
		st.ModuleState = rec.RecorderConfiguring
	case path == rec.PathChannelsInput:
		if err := want(rec.RecorderConfiguring); err != nil {
			return err
		}
		m.setup = body
		if m.ptp {
			st.InputStatus = rec.InputSettled
			return nil
		}
		st.ModuleState = rec.RecorderStreaming
		st.CanStartStreaming = true
	case path == rec.PathSynchronize:
		if st.InputStatus != rec.InputSettled {
			return xerrors.Errorf("%s: inputs not settled (%q)", path, st.InputStatus)
		}
		st.InputStatus = rec.InputSynchronized
		st.CanStartStreaming = true
	case path == rec.PathStartStreaming:
		if !st.CanStartStreaming {
			return xerrors.Errorf("%s: module not ready for streaming", path)
		}
		st.ModuleState = rec.RecorderStreaming
	case path == rec.PathStop:
		if err := want(rec.RecorderRecording); err != nil {
			return err
		}
		st.ModuleState = rec.RecorderStreaming
	case path == rec.PathFinish:
		if err := want(rec.RecorderStreaming); err != nil {
			return err
		}
		st.ModuleState = rec.RecorderOpened
		st.CanStartStreaming = false
	case path == rec.PathCancel:
		if err := want(rec.RecorderConfiguring); err != nil {
			return err
		}
		st.ModuleState = rec.RecorderOpened
	case path == rec.PathClose:
		if err := want(rec.RecorderOpened); err != nil {
			return err
		}
		m.ptp = false
		*st = rec.Status{ModuleState: rec.Idle}
	case path == rec.PathReboot:
		m.ptp = false
		*st = rec.Status{ModuleState: rec.Idle}
	case path == rec.PathApply, path == rec.PathOBD2:
	case strings.HasPrefix(path, rec.PathGenerator):
	default:
		return xerrors.Errorf("%s %s: unknown request", method, path)
	}
	return nil
}

// outputs returns the generator output setup, with the port of the
// socket of every output channel.
func (m *Module) outputs() interface{} {
	type input struct {
		Number int `json:"number"`
		Port   int `json:"port"`
	}
	type output struct {
		Number int     `json:"number"`
		Inputs []input `json:"inputs"`
	}
	outs := make([]output, len(m.outs))
	for i, ln := range m.outs {
		outs[i] = output{
			Number: i + 1,
			Inputs: []input{{Number: 1, Port: ln.Addr().(*net.TCPAddr).Port}},
		}
	}
	return map[string][]output{"outputs": outs}
}

func (m *Module) accept(ln net.Listener, serve func(conn net.Conn)) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns[conn] = struct{}{}
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() {
				m.mu.Lock()
				delete(m.conns, conn)
				m.mu.Unlock()
				conn.Close()
			}()
			serve(conn)
		}()
	}
}

// serveOutput counts the 32-bit samples received on the socket of a
// generator output channel.
func (m *Module) serveOutput(conn net.Conn, i int) {
	var (
		buf = make([]byte, 4096)
		tot int
	)
	for {
		n, err := conn.Read(buf)
		tot += n
		m.mu.Lock()
		m.recvd[i] = tot / 4
		m.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// serveStream streams messages for the signals ids while the module
// is recording. Samples are offset by base.
func (m *Module) serveStream(conn net.Conn, ids []uint16, base int32) {
	var (
		enc   = stream.NewEncoder(conn)
		vals  = make([]int32, m.nvals)
		ts    uint64
		count int32
	)

	tick := time.NewTicker(m.period)
	defer tick.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-tick.C:
		}

		ok, done := m.recording()
		if done {
			return
		}
		if !ok {
			continue
		}

		for i := range vals {
			vals[i] = count%(1<<23) - 1<<22 + base
			count++
		}
		for _, id := range ids {
			if m.hangup(conn) {
				return
			}
			err := enc.EncodeSignal(ts, id, vals)
			if err != nil {
				return
			}
		}
		for _, frame := range m.can {
			if m.hangup(conn) {
				return
			}
			err := enc.EncodeCAN(ts, frame.channel, frame.recs)
			if err != nil {
				return
			}
		}
		ts += uint64(m.nvals)
	}
}

// hangup writes a truncated header and reports true once the
// partial read threshold is reached.
func (m *Module) hangup(conn net.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.partial > 0 && m.sent >= m.partial {
		_, _ = conn.Write([]byte{'B', 'K', stream.HeaderSize, 0, 1, 0})
		return true
	}
	m.sent++
	return false
}
