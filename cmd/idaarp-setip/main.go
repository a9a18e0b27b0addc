// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command idaarp-setip reconfigures the IP settings of a LAN-XI module.
//
// The module is selected by its MAC address or by its serial number,
// in which case a discovery is run first to find its MAC address.
//
// Example:
//
//	$> idaarp-setip -mac 00:0c:ab:01:02:03 -ip 10.10.3.1 -mask 255.255.255.0
//	$> idaarp-setip -serial 100123 -ip 10.10.3.1 -mask 255.255.255.0 -gw 10.10.3.254
package main // import "github.com/go-lpc/lanxi/cmd/idaarp-setip"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/go-lpc/lanxi/idaarp"
)

func main() {
	log.SetPrefix("idaarp-setip: ")
	log.SetFlags(0)

	var (
		mac    = flag.String("mac", "", "MAC address of the module to reconfigure")
		serial = flag.Uint("serial", 0, "serial number of the module to reconfigure")
		ip     = flag.String("ip", "", "new IPv4 address of the module")
		mask   = flag.String("mask", "255.255.255.0", "new IPv4 netmask of the module")
		gw     = flag.String("gw", "", "new IPv4 gateway of the module")
		wait   = flag.Duration("wait", 2*time.Second, "time to wait for discovery replies")
	)

	flag.Parse()

	req, err := newRequest(*mac, uint32(*serial), *ip, *mask, *gw)
	if err != nil {
		flag.Usage()
		log.Fatalf("invalid request: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	addrs, err := idaarp.Interfaces()
	if err != nil {
		log.Fatalf("could not list local interfaces: %+v", err)
	}

	err = run(ctx, addrs, req, *wait, idaarp.WithLogger(log.Default()))
	if err != nil {
		log.Fatalf("could not reconfigure module: %+v", err)
	}
}

type request struct {
	mac    net.HardwareAddr
	serial uint32
	ip     net.IP
	mask   net.IPMask
	gw     net.IP
}

func newRequest(mac string, serial uint32, ip, mask, gw string) (request, error) {
	var (
		req = request{serial: serial}
		err error
	)

	switch {
	case mac == "" && serial == 0:
		return req, fmt.Errorf("missing module MAC address or serial number")
	case mac != "" && serial != 0:
		return req, fmt.Errorf("module MAC address and serial number are mutually exclusive")
	case mac != "":
		req.mac, err = net.ParseMAC(mac)
		if err != nil {
			return req, fmt.Errorf("could not parse MAC address %q: %w", mac, err)
		}
	}

	req.ip = net.ParseIP(ip).To4()
	if req.ip == nil {
		return req, fmt.Errorf("invalid IPv4 address %q", ip)
	}

	m := net.ParseIP(mask).To4()
	if m == nil {
		return req, fmt.Errorf("invalid IPv4 netmask %q", mask)
	}
	req.mask = net.IPMask(m)
	if ones, bits := req.mask.Size(); ones == 0 && bits == 0 {
		return req, fmt.Errorf("non-canonical IPv4 netmask %q", mask)
	}

	if gw != "" {
		req.gw = net.ParseIP(gw).To4()
		if req.gw == nil {
			return req, fmt.Errorf("invalid IPv4 gateway %q", gw)
		}
	}

	return req, nil
}

func run(ctx context.Context, addrs []net.IP, req request, wait time.Duration, opts ...idaarp.Option) error {
	found := make(chan idaarp.Response, 1)
	srv, err := idaarp.Listen(addrs, func(resp idaarp.Response, from *net.UDPAddr) {
		if !req.match(resp) {
			return
		}
		select {
		case found <- resp:
		default:
		}
	}, opts...)
	if err != nil {
		return fmt.Errorf("could not start discovery service: %w", err)
	}
	defer srv.Close()

	if req.mac == nil {
		resp, err := detect(ctx, srv, found, wait)
		if err != nil {
			return fmt.Errorf("could not find module with serial %d: %w", req.serial, err)
		}
		req.mac = resp.MAC
		log.Printf("found module: %v", resp)
	}

	log.Printf("setting ip=%v mask=%v gw=%v on %v...", req.ip, net.IP(req.mask), req.gw, req.mac)
	err = srv.Reconfigure(req.mac, req.ip, req.mask, req.gw)
	if err != nil {
		return fmt.Errorf("could not send reconfiguration command: %w", err)
	}

	// drain replies from before the reconfiguration.
	select {
	case <-found:
	default:
	}

	want := req.ip
	for i := 0; i < 3; i++ {
		resp, err := detect(ctx, srv, found, wait)
		switch {
		case err != nil && ctx.Err() != nil:
			return err
		case err != nil:
			continue
		}
		if resp.IP.Equal(want) {
			log.Printf("module reconfigured: %v", resp)
			return nil
		}
	}

	return fmt.Errorf("module %v did not report its new address %v", req.mac, want)
}

func (req request) match(resp idaarp.Response) bool {
	if req.mac != nil {
		return resp.MAC.String() == req.mac.String()
	}
	return resp.ModuleSerialNo == req.serial
}

func detect(ctx context.Context, srv *idaarp.Service, found <-chan idaarp.Response, wait time.Duration) (idaarp.Response, error) {
	err := srv.Detect()
	if err != nil {
		return idaarp.Response{}, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case resp := <-found:
		return resp, nil
	case <-timer.C:
		return idaarp.Response{}, fmt.Errorf("no reply after %v", wait)
	case <-ctx.Done():
		return idaarp.Response{}, ctx.Err()
	}
}
