// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package acq runs synchronized acquisition sessions over one or
// more LAN-XI modules.
//
// A Session brings every module up to streaming, starts the
// measurement on the slaves before the master, then reads and
// accumulates the samples each module streams until the wanted number
// of samples was collected.
// Modules stream either on a single socket or on one socket per input
// channel (Config.MultiSocket), with one reader per socket.
package acq // import "github.com/go-lpc/lanxi/acq"

import (
	"context"
	"fmt"

	"github.com/go-lpc/lanxi/rec"
)

// Role is the synchronization role of a module.
type Role string

const (
	Master Role = "master"
	Slave  Role = "slave"
)

// Endpoint identifies a module taking part in a session.
type Endpoint struct {
	Addr string `yaml:"addr"`
	Role Role   `yaml:"role"`
}

func (ep Endpoint) String() string {
	return fmt.Sprintf("%s(%s)", ep.Role, ep.Addr)
}

// Controller is the control plane of a module, able to locate its
// streaming sockets.
type Controller interface {
	rec.Channel

	// TCPPort returns the port of the streaming socket.
	TCPPort(ctx context.Context) (int, error)

	// TCPPorts returns the ports of the per-channel streaming sockets.
	TCPPorts(ctx context.Context) ([]int, error)

	// StreamAddr returns the network address of the streaming
	// socket listening on port.
	StreamAddr(port int) string
}

// Dial returns the HTTP control plane of the module at ep.
func Dial(ep Endpoint) (Controller, error) {
	return rec.NewClient(ep.Addr)
}

var _ Controller = (*rec.Client)(nil)
