// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package idaarp implements the IdaArp UDP protocol used to discover
// LAN-XI modules on a local network and to reconfigure their IP
// settings.
//
// All multi-byte integers of the protocol are sent in network byte
// order. Replies are versioned: newer firmwares append fields to the
// reply, and a field is only available when the reply is long
// enough to hold it.
package idaarp // import "github.com/go-lpc/lanxi/idaarp"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/xerrors"
)

const (
	// Port is the UDP port modules listen on for IdaArp requests.
	Port = 1024

	RequestSize = 50
	SetIPSize   = 66

	RequestMarker = "Request for IP address on B&K IDA frame"
	ReplyMarker   = "Reply on request for IP address from B&K IDA frame"
	SetIPMarker   = "Set IP address on B&K IDA frame"

	// stopMarker is sent to our own sockets to terminate their receive loops.
	stopMarker = "==StopIdaArpListener=="

	setIPVersion = 2
)

// ErrProtocol is returned when a datagram is not a valid IdaArp reply.
var ErrProtocol = errors.New("idaarp: protocol mismatch")

// sizes holds the minimum reply size for each protocol version.
var sizes = [...]int{
	1: 342,
	2: 358,
	3: 368,
	4: 384,
	5: 530,
	6: 566,
	7: 602,
}

// MaxVersion is the most recent protocol version this package decodes.
const MaxVersion = len(sizes) - 1

// ResponseSize returns the minimum size of a reply of the given
// protocol version.
func ResponseSize(version int) int {
	switch {
	case version < 1:
		return sizes[1]
	case version > MaxVersion:
		return sizes[MaxVersion]
	}
	return sizes[version]
}

// Response is a decoded IdaArp reply.
type Response struct {
	// Level is the highest protocol version whose fields were
	// present in the reply.
	Level int

	// version 1
	Version     uint32
	Text        string
	MAC         net.HardwareAddr
	IP          net.IP
	TypeNo      uint32
	Contact     string
	Location    string
	Connected   uint32
	LastMachine string
	LastUser    string

	// version 2
	Boot           uint32
	ModuleSerialNo uint32
	FrameSerialNo  uint32
	NoOfSlots      uint32
	SlotNo         uint32

	// version 3
	PCEtaddr net.HardwareAddr

	// version 4
	HostName string

	// version 5
	Variant       string
	FrameContact  string
	FrameLocation string

	// version 6
	FrameType    string
	FrameVariant string

	// version 7
	SubNetMask net.IPMask
}

// MinVersion checks the reply is at least of the given protocol version.
func (r *Response) MinVersion(v int) error {
	if int(r.Version) < v || r.Level < v {
		return xerrors.Errorf(
			"idaarp: reply version %d (level=%d) below %d: %w",
			r.Version, r.Level, v, ErrProtocol,
		)
	}
	return nil
}

func (r Response) String() string {
	name := r.HostName
	if name == "" {
		name = r.IP.String()
	}
	return fmt.Sprintf(
		"%s: ip=%v mac=%v type=%d serial=%d frame=%d slot=%d/%d",
		name, r.IP, r.MAC, r.TypeNo, r.ModuleSerialNo, r.FrameSerialNo,
		r.SlotNo, r.NoOfSlots,
	)
}

// DecodeResponse decodes an IdaArp reply.
// Fields of a version block are only populated when p holds the
// whole block.
func DecodeResponse(p []byte) (Response, error) {
	var r Response
	if len(p) < sizes[1] {
		return r, xerrors.Errorf(
			"idaarp: reply too short (got=%d, want>=%d): %w",
			len(p), sizes[1], ErrProtocol,
		)
	}

	dec := decoder{p: p}

	r.Version = dec.u32(0)
	r.Text = dec.str(4, 64)
	if r.Text != ReplyMarker {
		return r, xerrors.Errorf("idaarp: invalid reply marker %q: %w", r.Text, ErrProtocol)
	}
	r.Level = 1
	r.MAC = dec.mac(68)
	r.IP = dec.ip(74)
	r.TypeNo = dec.u32(78) & 0xffffff
	r.Contact = dec.str(82, 64)
	r.Location = dec.str(146, 64)
	r.Connected = dec.u32(210)
	r.LastMachine = dec.str(214, 64)
	r.LastUser = dec.str(278, 64)

	if len(p) < sizes[2] {
		return r, nil
	}
	r.Level = 2
	r.Boot = dec.u32(342)
	r.ModuleSerialNo = dec.u32(346)
	r.FrameSerialNo = dec.u32(350)
	r.NoOfSlots = dec.u32(354)
	if len(p) >= 362 {
		r.SlotNo = dec.u32(358)
	}

	if len(p) < sizes[3] {
		return r, nil
	}
	r.Level = 3
	r.PCEtaddr = dec.mac(362)

	if len(p) < sizes[4] {
		return r, nil
	}
	r.Level = 4
	r.HostName = dec.str(368, 16)

	if len(p) < sizes[5] {
		return r, nil
	}
	r.Level = 5
	r.Variant = dec.str(384, 18)
	r.FrameContact = dec.str(402, 64)
	r.FrameLocation = dec.str(466, 64)

	if len(p) < sizes[6] {
		return r, nil
	}
	r.Level = 6
	r.FrameType = dec.str(530, 18)
	r.FrameVariant = dec.str(548, 18)

	if len(p) < sizes[7] {
		return r, nil
	}
	r.Level = 7
	r.SubNetMask = net.IPMask(dec.raw(566, 4))

	return r, nil
}

// NewRequest returns the discovery request broadcast to modules.
func NewRequest() [RequestSize]byte {
	var req [RequestSize]byte
	copy(req[:], RequestMarker)
	return req
}

// isRequest reports whether p is an echo of our own discovery request.
func isRequest(p []byte) bool {
	req := NewRequest()
	return bytes.Equal(p, req[:])
}

// EncodeSetIP returns the command reconfiguring the IP settings of the
// module with the given MAC address.
func EncodeSetIP(mac net.HardwareAddr, ip net.IP, mask net.IPMask, gw net.IP) ([SetIPSize]byte, error) {
	var cmd [SetIPSize]byte
	if len(mac) != 6 {
		return cmd, xerrors.Errorf("idaarp: invalid MAC address %v", mac)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return cmd, xerrors.Errorf("idaarp: invalid IPv4 address %v", ip)
	}
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return cmd, xerrors.Errorf("idaarp: invalid IPv4 netmask %v", mask)
	}
	gw4 := net.IPv4zero.To4()
	if gw != nil {
		gw4 = gw.To4()
		if gw4 == nil {
			return cmd, xerrors.Errorf("idaarp: invalid IPv4 gateway %v", gw)
		}
	}

	binary.BigEndian.PutUint32(cmd[0:4], setIPVersion)
	copy(cmd[4:36], SetIPMarker)
	copy(cmd[36:42], mac)
	copy(cmd[42:46], ip4)
	copy(cmd[46:50], mask)
	copy(cmd[50:54], gw4)
	// DNS1, DNS2 and reserved are left zeroed.

	return cmd, nil
}

type decoder struct {
	p []byte
}

func (dec decoder) raw(beg, n int) []byte {
	o := make([]byte, n)
	copy(o, dec.p[beg:beg+n])
	return o
}

func (dec decoder) u32(beg int) uint32 {
	return binary.BigEndian.Uint32(dec.p[beg : beg+4])
}

func (dec decoder) str(beg, n int) string {
	p := dec.p[beg : beg+n]
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p)
}

func (dec decoder) mac(beg int) net.HardwareAddr {
	return net.HardwareAddr(dec.raw(beg, 6))
}

func (dec decoder) ip(beg int) net.IP {
	return net.IPv4(dec.p[beg], dec.p[beg+1], dec.p[beg+2], dec.p[beg+3])
}
