// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rec

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

var _ Channel = (*Client)(nil)

// Client is the HTTP control plane of a LAN-XI module.
type Client struct {
	base string
	host string
	hc   *http.Client
}

// NewClient creates a control plane client for the module at addr.
// addr is either a host name, an IP address or a base URL.
func NewClient(addr string) (*Client, error) {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, xerrors.Errorf("rec: could not parse module address %q: %w", addr, err)
	}
	if u.Host == "" {
		return nil, xerrors.Errorf("rec: invalid module address %q", addr)
	}

	return &Client{
		base: strings.TrimRight(u.String(), "/"),
		host: u.Hostname(),
		hc:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Host returns the host name of the module.
func (c *Client) Host() string { return c.host }

// StreamAddr returns the address of the streaming socket listening on port.
func (c *Client) StreamAddr(port int) string {
	return net.JoinHostPort(c.host, strconv.Itoa(port))
}

// Status returns the current status of the module.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.Get(ctx, PathOnChange, &st)
	return st, err
}

// TCPPort returns the port of the streaming socket.
func (c *Client) TCPPort(ctx context.Context) (int, error) {
	var reply struct {
		Port int `json:"tcpPort"`
	}
	err := c.Get(ctx, PathSocket, &reply)
	if err != nil {
		return 0, err
	}
	if reply.Port <= 0 {
		return 0, xerrors.Errorf("rec: invalid streaming TCP port %d", reply.Port)
	}
	return reply.Port, nil
}

// TCPPorts returns the ports of the streaming sockets, when the
// module streams each channel on its own socket.
func (c *Client) TCPPorts(ctx context.Context) ([]int, error) {
	var reply struct {
		Ports []int `json:"tcpPorts"`
	}
	err := c.Get(ctx, PathSockets, &reply)
	return reply.Ports, err
}

// OutputPorts returns the ports of the sockets receiving generator
// samples, one per output channel, as set up by the "output"
// generator operation.
func (c *Client) OutputPorts(ctx context.Context) ([]int, error) {
	var reply struct {
		Outputs []struct {
			Inputs []struct {
				Port int `json:"port"`
			} `json:"inputs"`
		} `json:"outputs"`
	}
	err := c.Get(ctx, PathGenerator+"output", &reply)
	if err != nil {
		return nil, err
	}

	ports := make([]int, 0, len(reply.Outputs))
	for i, out := range reply.Outputs {
		if len(out.Inputs) == 0 || out.Inputs[0].Port <= 0 {
			return nil, xerrors.Errorf("rec: no streaming port for generator output %d", i+1)
		}
		ports = append(ports, out.Inputs[0].Port)
	}
	return ports, nil
}

// Reboot reboots the module.
func (c *Client) Reboot(ctx context.Context) error {
	return c.Put(ctx, PathReboot, nil)
}

// Apply applies the pending configuration to all the modules of a frame.
func (c *Client) Apply(ctx context.Context) error {
	return c.Put(ctx, PathApply, nil)
}

// Generator sends a command to the output generators of the module.
// Valid operations are "prepare", "start", "stop" and "output".
func (c *Client) Generator(ctx context.Context, op string, body []byte) error {
	switch op {
	case "prepare", "start", "stop", "output":
	default:
		return xerrors.Errorf("rec: invalid generator operation %q", op)
	}
	return c.Put(ctx, PathGenerator+op, body)
}

// Get sends a GET request and decodes the JSON reply into reply, if not nil.
func (c *Client) Get(ctx context.Context, path string, reply interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, reply)
}

func (c *Client) Put(ctx context.Context, path string, body []byte) error {
	return c.do(ctx, http.MethodPut, path, body, nil)
}

func (c *Client) Post(ctx context.Context, path string, body []byte) error {
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) Delete(ctx context.Context, path string, body []byte) error {
	return c.do(ctx, http.MethodDelete, path, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, reply interface{}) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return xerrors.Errorf("rec: could not create %s %q request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return xerrors.Errorf("rec: could not send %s %q: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return xerrors.Errorf(
			"rec: %s %q failed with status %q: %s",
			method, path, resp.Status, bytes.TrimSpace(msg),
		)
	}

	if reply == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(reply)
	if err != nil {
		return xerrors.Errorf("rec: could not decode %s %q reply: %w", method, path, err)
	}
	return nil
}
