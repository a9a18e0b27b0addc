// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package idaarp

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// Handler is called for each valid reply received by a Service.
// Handlers are never called concurrently, but may see the same
// module more than once, and in any order.
type Handler func(resp Response, from *net.UDPAddr)

// Option configures a Service.
type Option func(*Service)

// WithPort sets the destination port of broadcast requests.
func WithPort(port int) Option {
	return func(srv *Service) {
		srv.port = port
	}
}

// WithBroadcast sets the destination address of broadcast requests.
func WithBroadcast(ip net.IP) Option {
	return func(srv *Service) {
		srv.dst = ip
	}
}

// WithMinVersion sets the minimum protocol version of accepted replies.
func WithMinVersion(v int) Option {
	return func(srv *Service) {
		srv.vmin = v
	}
}

// WithLogger sets the logger of the service.
// A nil logger discards all messages.
func WithLogger(msg *log.Logger) Option {
	return func(srv *Service) {
		if msg == nil {
			msg = log.New(io.Discard, "", 0)
		}
		srv.msg = msg
	}
}

// Service discovers modules by broadcasting IdaArp requests from
// every bound local address.
type Service struct {
	msg  *log.Logger
	port int
	dst  net.IP
	vmin int

	mu sync.Mutex // serializes calls to h
	h  Handler

	conns []*net.UDPConn
	wg    sync.WaitGroup
	once  sync.Once
}

// Listen binds one UDP socket per local address and starts listening
// for replies, forwarding valid ones to h.
func Listen(addrs []net.IP, h Handler, opts ...Option) (*Service, error) {
	if len(addrs) == 0 {
		return nil, xerrors.Errorf("idaarp: no local address to listen on")
	}
	if h == nil {
		return nil, xerrors.Errorf("idaarp: nil reply handler")
	}

	srv := &Service{
		msg:  log.New(os.Stdout, "idaarp: ", 0),
		port: Port,
		dst:  net.IPv4bcast,
		vmin: 4,
		h:    h,
	}
	for _, opt := range opts {
		opt(srv)
	}

	lc := net.ListenConfig{Control: control}
	for _, ip := range addrs {
		addr := net.JoinHostPort(ip.String(), "0")
		pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
		if err != nil {
			for _, conn := range srv.conns {
				_ = conn.Close()
			}
			return nil, xerrors.Errorf("idaarp: could not listen on %q: %w", addr, err)
		}
		srv.conns = append(srv.conns, pc.(*net.UDPConn))
	}

	srv.wg.Add(len(srv.conns))
	for _, conn := range srv.conns {
		go srv.loop(conn)
	}

	return srv, nil
}

// Addrs returns the local addresses the service listens on.
func (srv *Service) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(srv.conns))
	for i, conn := range srv.conns {
		addrs[i] = conn.LocalAddr()
	}
	return addrs
}

// Detect broadcasts a discovery request from every bound socket.
func (srv *Service) Detect() error {
	req := NewRequest()
	return srv.broadcast(req[:])
}

// Reconfigure broadcasts a command setting the IP configuration of
// the module with the given MAC address.
// Broadcast is used since the module may not be reachable at its
// current address.
func (srv *Service) Reconfigure(mac net.HardwareAddr, ip net.IP, mask net.IPMask, gw net.IP) error {
	cmd, err := EncodeSetIP(mac, ip, mask, gw)
	if err != nil {
		return err
	}
	return srv.broadcast(cmd[:])
}

func (srv *Service) broadcast(p []byte) error {
	var (
		dst = &net.UDPAddr{IP: srv.dst, Port: srv.port}
		err error
	)
	for _, conn := range srv.conns {
		_, e := conn.WriteToUDP(p, dst)
		if e != nil {
			srv.msg.Printf("could not send to %v from %v: %+v", dst, conn.LocalAddr(), e)
			if err == nil {
				err = xerrors.Errorf("idaarp: could not send to %v from %v: %w", dst, conn.LocalAddr(), e)
			}
		}
	}
	return err
}

func (srv *Service) loop(conn *net.UDPConn) {
	defer srv.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		p := buf[:n]

		switch {
		case string(p) == stopMarker:
			return
		case isRequest(p):
			continue
		case n < 4:
			continue
		case int(binary.BigEndian.Uint32(p[:4])) < srv.vmin:
			continue
		case n < ResponseSize(srv.vmin):
			continue
		}

		resp, err := DecodeResponse(p)
		if err != nil {
			continue
		}

		srv.mu.Lock()
		srv.h(resp, from)
		srv.mu.Unlock()
	}
}

// Close stops all the receive loops and closes the sockets.
func (srv *Service) Close() error {
	var err error
	srv.once.Do(func() {
		err = srv.close()
	})
	return err
}

func (srv *Service) close() error {
	var err error
	for _, conn := range srv.conns {
		e := srv.stop(conn)
		if e != nil && err == nil {
			err = e
		}
	}

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()

	select {
	case <-done:
	case <-timeout.C:
		srv.msg.Printf("receive loops did not stop before timeout")
	}

	for _, conn := range srv.conns {
		e := conn.Close()
		if e != nil && err == nil {
			err = xerrors.Errorf("idaarp: could not close socket %v: %w", conn.LocalAddr(), e)
		}
	}
	srv.wg.Wait()

	return err
}

func (srv *Service) stop(conn *net.UDPConn) error {
	dst := conn.LocalAddr().(*net.UDPAddr)
	c, err := net.DialUDP("udp4", nil, dst)
	if err != nil {
		return xerrors.Errorf("idaarp: could not dial %v: %w", dst, err)
	}
	defer c.Close()

	_, err = c.Write([]byte(stopMarker))
	if err != nil {
		return xerrors.Errorf("idaarp: could not stop listener %v: %w", dst, err)
	}
	return nil
}

// Interfaces returns the IPv4 addresses of the local network
// interfaces that are up and broadcast capable.
func Interfaces() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, xerrors.Errorf("idaarp: could not list network interfaces: %w", err)
	}

	var ips []net.IP
	for _, ifc := range ifaces {
		switch {
		case ifc.Flags&net.FlagUp == 0:
			continue
		case ifc.Flags&net.FlagLoopback != 0:
			continue
		case ifc.Flags&net.FlagBroadcast == 0:
			continue
		}

		addrs, err := ifc.Addrs()
		if err != nil {
			return nil, xerrors.Errorf("idaarp: could not list addresses of %q: %w", ifc.Name, err)
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				ips = append(ips, ip4)
			}
		}
	}
	return ips, nil
}

// Discover broadcasts a discovery request from all the local
// interfaces and collects replies for the given duration.
// Replies are de-duplicated on their MAC address.
func Discover(ctx context.Context, wait time.Duration, opts ...Option) ([]Response, error) {
	addrs, err := Interfaces()
	if err != nil {
		return nil, err
	}
	return discover(ctx, addrs, wait, opts...)
}

func discover(ctx context.Context, addrs []net.IP, wait time.Duration, opts ...Option) ([]Response, error) {
	var (
		seen = make(map[string]int)
		resp []Response
	)
	srv, err := Listen(addrs, func(r Response, _ *net.UDPAddr) {
		key := r.MAC.String()
		if i, dup := seen[key]; dup {
			resp[i] = r
			return
		}
		seen[key] = len(resp)
		resp = append(resp, r)
	}, opts...)
	if err != nil {
		return nil, err
	}

	err = srv.Detect()
	if err != nil {
		_ = srv.Close()
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	err = srv.Close()
	if err != nil {
		return resp, err
	}
	return resp, nil
}
