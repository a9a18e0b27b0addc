// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rec

import (
	"context"
	"io"
	"log"
	"os"
	"time"

	"golang.org/x/xerrors"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultMaxWait      = 255 * time.Second
)

// Option configures a Machine.
type Option func(*Machine)

// WithPollInterval sets the interval between two polls of the module status.
func WithPollInterval(d time.Duration) Option {
	return func(m *Machine) {
		m.freq = d
	}
}

// WithMaxWait sets the maximum time to wait for a module status.
func WithMaxWait(d time.Duration) Option {
	return func(m *Machine) {
		m.tmax = d
	}
}

// WithLogger sets the logger used by the machine.
// A nil logger discards all messages.
func WithLogger(msg *log.Logger) Option {
	return func(m *Machine) {
		if msg == nil {
			msg = log.New(io.Discard, "", 0)
		}
		m.msg = msg
	}
}

// reverse holds the command that walks a module one step back,
// together with the state the module lands in.
// Finishing a stream brings the recorder back to RecorderOpened, not
// RecorderConfiguring.
var reverse = map[State]struct {
	path string
	to   State
}{
	RecorderRecording:   {PathStop, RecorderStreaming},
	RecorderStreaming:   {PathFinish, RecorderOpened},
	RecorderConfiguring: {PathCancel, RecorderOpened},
	RecorderOpened:      {PathClose, Idle},
}

// Machine drives the recorder state machine of a single module.
type Machine struct {
	ch   Channel
	msg  *log.Logger
	freq time.Duration
	tmax time.Duration
}

// New creates a new state machine driving the module behind ch.
func New(ch Channel, opts ...Option) *Machine {
	m := &Machine{
		ch:   ch,
		msg:  log.New(os.Stdout, "rec: ", 0),
		freq: defaultPollInterval,
		tmax: defaultMaxWait,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Channel returns the control plane driven by m.
func (m *Machine) Channel() Channel { return m.ch }

// State returns the current recorder state of the module.
func (m *Machine) State(ctx context.Context) (State, error) {
	st, err := m.ch.Status(ctx)
	if err != nil {
		return Unknown, xerrors.Errorf("rec: could not get module status: %w", err)
	}
	return st.ModuleState, nil
}

// WaitForState polls the module until its recorder state is want.
// WaitForState fails right away if the module reports PostFailed.
func (m *Machine) WaitForState(ctx context.Context, want State) error {
	return m.wait(ctx, "moduleState", want.String(), func(st Status) (string, bool) {
		return st.ModuleState.String(), st.ModuleState == PostFailed
	})
}

// WaitForInput polls the module until its input status is want.
func (m *Machine) WaitForInput(ctx context.Context, want string) error {
	return m.wait(ctx, "inputStatus", want, func(st Status) (string, bool) {
		return st.InputStatus, false
	})
}

// WaitForPTP polls the module until its PTP status is want.
func (m *Machine) WaitForPTP(ctx context.Context, want string) error {
	return m.wait(ctx, "ptpStatus", want, func(st Status) (string, bool) {
		return st.PtpStatus, false
	})
}

func (m *Machine) wait(ctx context.Context, field, want string, get func(Status) (string, bool)) error {
	var (
		beg  = time.Now()
		last string
	)

	for {
		st, err := m.ch.Status(ctx)
		if err != nil {
			return xerrors.Errorf("rec: could not poll %s: %w", field, err)
		}

		cur, failed := get(st)
		if cur == want {
			return nil
		}
		if failed {
			return xerrors.Errorf("rec: waiting for %s=%q: %w", field, want, ErrPostFailed)
		}
		if cur != last {
			m.msg.Printf("waiting for %s=%q (current=%q)...", field, want, cur)
			last = cur
		}

		elapsed := time.Since(beg)
		if elapsed > m.tmax {
			return &TimeoutError{Field: field, Want: want, Last: cur, Wait: elapsed}
		}

		timer := time.NewTimer(m.freq)
		select {
		case <-ctx.Done():
			timer.Stop()
			return xerrors.Errorf("rec: waiting for %s=%q: %w", field, want, ctx.Err())
		case <-timer.C:
		}
	}
}

// DriveTo requests the module to go from state cur to state target
// and returns the state the module ends up in.
//
// Forward transitions are only validated: the caller issues the
// corresponding commands (open, create, ...) and waits for them.
// A single backward step is performed by issuing the reverse command
// and waiting for the module to land in its new state.
// Walking back from RecorderStreaming lands in RecorderOpened, so
// RecorderOpened is the only backward target from RecorderStreaming.
// Any other request fails with ErrInvalidTransition.
func (m *Machine) DriveTo(ctx context.Context, cur, target State) (State, error) {
	if !cur.ordered() || !target.ordered() {
		return cur, xerrors.Errorf(
			"rec: could not drive module from %v to %v: %w",
			cur, target, ErrInvalidTransition,
		)
	}

	if target >= cur {
		return cur, nil
	}

	step, ok := reverse[cur]
	if !ok || target != step.to {
		return cur, xerrors.Errorf(
			"rec: could not drive module from %v to %v in one step: %w",
			cur, target, ErrInvalidTransition,
		)
	}

	err := m.ch.Put(ctx, step.path, nil)
	if err != nil {
		return cur, xerrors.Errorf("rec: could not send %q: %w", step.path, err)
	}

	err = m.WaitForState(ctx, step.to)
	if err != nil {
		return cur, xerrors.Errorf("rec: could not go from %v to %v: %w", cur, step.to, err)
	}

	return step.to, nil
}

// ToIdle walks the module back to the Idle state, one step at a time.
func (m *Machine) ToIdle(ctx context.Context) error {
	cur, err := m.State(ctx)
	if err != nil {
		return err
	}

	for cur != Idle {
		switch {
		case cur == PostFailed:
			return xerrors.Errorf("rec: could not bring module to Idle: %w", ErrPostFailed)
		case !cur.ordered():
			return xerrors.Errorf(
				"rec: could not bring module to Idle from %v: %w",
				cur, ErrInvalidTransition,
			)
		}

		cur, err = m.DriveTo(ctx, cur, reverse[cur].to)
		if err != nil {
			return xerrors.Errorf("rec: could not bring module to Idle: %w", err)
		}
	}

	return nil
}

// Open opens the recorder application with the given parameters
// and waits for RecorderOpened.
// A nil params opens the recorder with the module defaults.
func (m *Machine) Open(ctx context.Context, params []byte) error {
	return m.cmd(ctx, PathOpen, params, RecorderOpened)
}

// Create creates a new recorder configuration and waits for
// RecorderConfiguring.
func (m *Machine) Create(ctx context.Context) error {
	return m.cmd(ctx, PathCreate, nil, RecorderConfiguring)
}

// Configure sends the input channels setup.
// Configure does not wait: depending on the setup, the module either
// settles its inputs or starts streaming right away.
func (m *Machine) Configure(ctx context.Context, setup []byte) error {
	err := m.ch.Put(ctx, PathChannelsInput, setup)
	if err != nil {
		return xerrors.Errorf("rec: could not configure input channels: %w", err)
	}
	return nil
}

// SyncMode sends the PTP synchronization mode and waits for the PTP
// clock to lock.
func (m *Machine) SyncMode(ctx context.Context, body []byte) error {
	err := m.ch.Put(ctx, PathSyncMode, body)
	if err != nil {
		return xerrors.Errorf("rec: could not set sync mode: %w", err)
	}
	return m.WaitForPTP(ctx, PTPLocked)
}

// Synchronize synchronizes the module inputs and waits for them to
// report Synchronized.
func (m *Machine) Synchronize(ctx context.Context) error {
	err := m.ch.Put(ctx, PathSynchronize, nil)
	if err != nil {
		return xerrors.Errorf("rec: could not synchronize inputs: %w", err)
	}
	return m.WaitForInput(ctx, InputSynchronized)
}

// StartStreaming starts streaming and waits for RecorderStreaming.
func (m *Machine) StartStreaming(ctx context.Context) error {
	return m.cmd(ctx, PathStartStreaming, nil, RecorderStreaming)
}

// StartMeasurement starts a measurement and waits for RecorderRecording.
func (m *Machine) StartMeasurement(ctx context.Context) error {
	err := m.ch.Post(ctx, PathMeasurements, nil)
	if err != nil {
		return xerrors.Errorf("rec: could not start measurement: %w", err)
	}
	return m.WaitForState(ctx, RecorderRecording)
}

// StopMeasurement stops the current measurement and waits for
// RecorderStreaming.
func (m *Machine) StopMeasurement(ctx context.Context) error {
	_, err := m.DriveTo(ctx, RecorderRecording, RecorderStreaming)
	return err
}

// Finish finishes the streaming session and waits for RecorderOpened.
func (m *Machine) Finish(ctx context.Context) error {
	_, err := m.DriveTo(ctx, RecorderStreaming, RecorderOpened)
	return err
}

// Close closes the recorder application and waits for Idle.
func (m *Machine) Close(ctx context.Context) error {
	_, err := m.DriveTo(ctx, RecorderOpened, Idle)
	return err
}

func (m *Machine) cmd(ctx context.Context, path string, body []byte, want State) error {
	err := m.ch.Put(ctx, path, body)
	if err != nil {
		return xerrors.Errorf("rec: could not send %q: %w", path, err)
	}
	err = m.WaitForState(ctx, want)
	if err != nil {
		return xerrors.Errorf("rec: %q did not reach %v: %w", path, want, err)
	}
	return nil
}
