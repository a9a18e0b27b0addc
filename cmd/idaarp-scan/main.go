// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command idaarp-scan discovers the LAN-XI modules reachable from the
// local network interfaces.
//
// Example:
//
//	$> idaarp-scan -wait 2s
//	idaarp-scan: found 2 module(s)
//	lanxi-100123: ip=10.10.3.1 mac=00:0c:ab:01:02:03 type=3160 serial=100123 frame=0 slot=1/1
//	lanxi-100124: ip=10.10.3.2 mac=00:0c:ab:01:02:04 type=3160 serial=100124 frame=0 slot=1/1
package main // import "github.com/go-lpc/lanxi/cmd/idaarp-scan"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/go-lpc/lanxi/idaarp"
)

func main() {
	log.SetPrefix("idaarp-scan: ")
	log.SetFlags(0)

	var (
		wait  = flag.Duration("wait", 1*time.Second, "time to wait for replies")
		port  = flag.Int("port", idaarp.Port, "destination port of discovery requests")
		vmin  = flag.Int("min-version", 4, "minimum protocol version of accepted replies")
		bcast = flag.String("bcast", "255.255.255.255", "broadcast address")
		all   = flag.Bool("v", false, "display all reply fields")
	)

	flag.Parse()

	ip := net.ParseIP(*bcast)
	if ip == nil {
		log.Fatalf("invalid broadcast address %q", *bcast)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, os.Stdout, *wait, *all,
		idaarp.WithPort(*port),
		idaarp.WithBroadcast(ip),
		idaarp.WithMinVersion(*vmin),
		idaarp.WithLogger(log.Default()),
	)
	if err != nil {
		log.Fatalf("could not discover modules: %+v", err)
	}
}

func run(ctx context.Context, w io.Writer, wait time.Duration, all bool, opts ...idaarp.Option) error {
	mods, err := idaarp.Discover(ctx, wait, opts...)
	if err != nil {
		return fmt.Errorf("could not run discovery: %w", err)
	}

	log.Printf("found %d module(s)", len(mods))
	display(w, mods, all)
	return nil
}

func display(w io.Writer, mods []idaarp.Response, all bool) {
	for _, mod := range mods {
		if !all {
			fmt.Fprintf(w, "%v\n", mod)
			continue
		}
		fmt.Fprintf(w, "=== %s ===\n", mod.MAC)
		fmt.Fprintf(w, "version:  %d (level=%d)\n", mod.Version, mod.Level)
		fmt.Fprintf(w, "ip:       %v\n", mod.IP)
		if mod.SubNetMask != nil {
			fmt.Fprintf(w, "mask:     %v\n", net.IP(mod.SubNetMask))
		}
		fmt.Fprintf(w, "host:     %s\n", mod.HostName)
		fmt.Fprintf(w, "type:     %d %s %s\n", mod.TypeNo, mod.Variant, mod.FrameType)
		fmt.Fprintf(w, "serial:   %d (frame=%d)\n", mod.ModuleSerialNo, mod.FrameSerialNo)
		fmt.Fprintf(w, "slot:     %d/%d\n", mod.SlotNo, mod.NoOfSlots)
		fmt.Fprintf(w, "contact:  %s\n", mod.Contact)
		fmt.Fprintf(w, "location: %s\n", mod.Location)
		fmt.Fprintf(w, "user:     %s@%s (connected=%d)\n", mod.LastUser, mod.LastMachine, mod.Connected)
	}
}
