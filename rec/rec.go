// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rec drives the recorder application of LAN-XI modules
// through its lifecycle states.
//
// A Machine only ever observes the state of a module by polling its
// control plane: commands are issued, then the machine waits for the
// module to report the expected state.
package rec // import "github.com/go-lpc/lanxi/rec"

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Control plane paths.
const (
	PathOnChange       = "/rest/rec/onchange"
	PathOpen           = "/rest/rec/open"
	PathCreate         = "/rest/rec/create"
	PathChannelsInput  = "/rest/rec/channels/input"
	PathSyncMode       = "/rest/rec/syncmode"
	PathSynchronize    = "/rest/rec/synchronize"
	PathStartStreaming = "/rest/rec/startstreaming"
	PathMeasurements   = "/rest/rec/measurements"
	PathStop           = "/rest/rec/measurements/stop"
	PathFinish         = "/rest/rec/finish"
	PathCancel         = "/rest/rec/cancel"
	PathClose          = "/rest/rec/close"
	PathApply          = "/rest/rec/apply"
	PathReboot         = "/rest/rec/reboot"
	PathGenerator      = "/rest/rec/generator/"
	PathSocket         = "/rest/rec/destination/socket"
	PathSockets        = "/rest/rec/destination/sockets"
	PathOBD2           = "/rest/rec/can/obd2"
)

var (
	ErrTimeout           = errors.New("rec: timeout")
	ErrInvalidTransition = errors.New("rec: invalid transition")
	ErrPostFailed        = errors.New("rec: module reported PostFailed")
)

// Channel is the control plane of a single module.
// Implementations serialize their own requests.
type Channel interface {
	Status(ctx context.Context) (Status, error)
	Put(ctx context.Context, path string, body []byte) error
	Post(ctx context.Context, path string, body []byte) error
}

// TimeoutError is returned when a module did not reach a wanted
// status before the maximum waiting time.
type TimeoutError struct {
	Field string        // status field being waited on
	Want  string        // wanted value
	Last  string        // last observed value
	Wait  time.Duration // time spent waiting
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(
		"rec: timeout waiting for %s=%q after %v (last=%q)",
		e.Field, e.Want, e.Wait, e.Last,
	)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
