// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package idaarp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"testing"
)

// newReply creates a synthetic reply of n bytes, with every field
// of every version block filled in.
func newReply(n int, version uint32) []byte {
	p := make([]byte, 602)
	binary.BigEndian.PutUint32(p[0:], version)
	copy(p[4:], ReplyMarker)
	copy(p[68:], []byte{0x00, 0x12, 0x34, 0x56, 0x78, 0x9a})
	copy(p[74:], []byte{10, 10, 3, 1})
	binary.BigEndian.PutUint32(p[78:], 0xab003160)
	copy(p[82:], "contact")
	copy(p[146:], "location")
	binary.BigEndian.PutUint32(p[210:], 1)
	copy(p[214:], "last-machine")
	copy(p[278:], "last-user")

	binary.BigEndian.PutUint32(p[342:], 2)
	binary.BigEndian.PutUint32(p[346:], 100123)
	binary.BigEndian.PutUint32(p[350:], 200456)
	binary.BigEndian.PutUint32(p[354:], 5)
	binary.BigEndian.PutUint32(p[358:], 3)

	copy(p[362:], []byte{0xa, 0xb, 0xc, 0xd, 0xe, 0xf})
	copy(p[368:], "lanxi-100123")
	copy(p[384:], "variant")
	copy(p[402:], "frame-contact")
	copy(p[466:], "frame-location")
	copy(p[530:], "frame-type")
	copy(p[548:], "frame-variant")
	copy(p[566:], []byte{255, 255, 255, 0})

	return p[:n]
}

func TestDecodeResponseLevels(t *testing.T) {
	for _, tc := range []struct {
		n     int
		level int
	}{
		{342, 1},
		{357, 1},
		{358, 2},
		{362, 2},
		{368, 3},
		{384, 4},
		{529, 4},
		{530, 5},
		{566, 6},
		{601, 6},
		{602, 7},
		{700, 7},
	} {
		p := newReply(602, 7)
		p = append(p, make([]byte, 100)...)[:tc.n]
		r, err := DecodeResponse(p)
		if err != nil {
			t.Fatalf("n=%d: could not decode reply: %+v", tc.n, err)
		}
		if r.Level != tc.level {
			t.Fatalf("n=%d: invalid level: got=%d, want=%d", tc.n, r.Level, tc.level)
		}
	}
}

func TestDecodeResponse358(t *testing.T) {
	r, err := DecodeResponse(newReply(358, 2))
	if err != nil {
		t.Fatalf("could not decode reply: %+v", err)
	}

	if got, want := r.Level, 2; got != want {
		t.Fatalf("invalid level: got=%d, want=%d", got, want)
	}

	// version 1
	if got, want := r.Text, ReplyMarker; got != want {
		t.Fatalf("invalid text: got=%q, want=%q", got, want)
	}
	if got, want := r.MAC.String(), "00:12:34:56:78:9a"; got != want {
		t.Fatalf("invalid mac: got=%q, want=%q", got, want)
	}
	if got, want := r.IP.String(), "10.10.3.1"; got != want {
		t.Fatalf("invalid ip: got=%q, want=%q", got, want)
	}
	if got, want := r.TypeNo, uint32(0x003160); got != want {
		t.Fatalf("invalid type: got=0x%x, want=0x%x", got, want)
	}
	if got, want := r.Contact, "contact"; got != want {
		t.Fatalf("invalid contact: got=%q, want=%q", got, want)
	}
	if got, want := r.LastUser, "last-user"; got != want {
		t.Fatalf("invalid last user: got=%q, want=%q", got, want)
	}

	// version 2
	if got, want := r.ModuleSerialNo, uint32(100123); got != want {
		t.Fatalf("invalid module serial: got=%d, want=%d", got, want)
	}
	if got, want := r.FrameSerialNo, uint32(200456); got != want {
		t.Fatalf("invalid frame serial: got=%d, want=%d", got, want)
	}
	if got, want := r.NoOfSlots, uint32(5); got != want {
		t.Fatalf("invalid number of slots: got=%d, want=%d", got, want)
	}
	if got, want := r.SlotNo, uint32(0); got != want {
		t.Fatalf("slot number read past the end of the reply: got=%d", got)
	}

	// version 3+
	if r.PCEtaddr != nil || r.HostName != "" || r.Variant != "" || r.FrameType != "" || r.SubNetMask != nil {
		t.Fatalf("unexpected fields above version 2: %+v", r)
	}
}

func TestDecodeResponseFull(t *testing.T) {
	r, err := DecodeResponse(newReply(602, 7))
	if err != nil {
		t.Fatalf("could not decode reply: %+v", err)
	}

	for _, tc := range []struct {
		name      string
		got, want string
	}{
		{"slot", strconv.Itoa(int(r.SlotNo)), "3"},
		{"pc-etaddr", r.PCEtaddr.String(), "0a:0b:0c:0d:0e:0f"},
		{"hostname", r.HostName, "lanxi-100123"},
		{"variant", r.Variant, "variant"},
		{"frame-contact", r.FrameContact, "frame-contact"},
		{"frame-location", r.FrameLocation, "frame-location"},
		{"frame-type", r.FrameType, "frame-type"},
		{"frame-variant", r.FrameVariant, "frame-variant"},
		{"netmask", net.IP(r.SubNetMask).String(), "255.255.255.0"},
	} {
		if tc.got != tc.want {
			t.Fatalf("invalid %s: got=%q, want=%q", tc.name, tc.got, tc.want)
		}
	}

	if err := r.MinVersion(4); err != nil {
		t.Fatalf("invalid version check: %+v", err)
	}
}

func TestDecodeResponseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		p    []byte
	}{
		{"empty", nil},
		{"short", newReply(341, 7)},
		{
			"bad-marker",
			func() []byte {
				p := newReply(384, 4)
				copy(p[4:], "Reply on request for IP address from XYZ IDA frame")
				return p
			}(),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeResponse(tc.p)
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("invalid error: got=%v, want=%v", err, ErrProtocol)
			}
		})
	}
}

func TestMinVersion(t *testing.T) {
	r, err := DecodeResponse(newReply(384, 3))
	if err != nil {
		t.Fatalf("could not decode reply: %+v", err)
	}
	if err := r.MinVersion(4); !errors.Is(err, ErrProtocol) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrProtocol)
	}

	r, err = DecodeResponse(newReply(368, 7))
	if err != nil {
		t.Fatalf("could not decode reply: %+v", err)
	}
	if err := r.MinVersion(4); !errors.Is(err, ErrProtocol) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrProtocol)
	}
}

func TestNewRequest(t *testing.T) {
	req := NewRequest()
	if got, want := len(req), 50; got != want {
		t.Fatalf("invalid request size: got=%d, want=%d", got, want)
	}
	if !bytes.HasPrefix(req[:], []byte(RequestMarker)) {
		t.Fatalf("invalid request marker: %q", req[:])
	}
	for i, v := range req[len(RequestMarker):] {
		if v != 0 {
			t.Fatalf("invalid padding at %d: 0x%x", len(RequestMarker)+i, v)
		}
	}
	if !isRequest(req[:]) {
		t.Fatalf("request not recognized as an echo")
	}
	if isRequest(req[:49]) {
		t.Fatalf("truncated request recognized as an echo")
	}
}

func TestEncodeSetIP(t *testing.T) {
	var (
		mac = net.HardwareAddr{0x00, 0x12, 0x34, 0x56, 0x78, 0x9a}
		ip  = net.ParseIP("192.168.1.42")
		nm  = net.CIDRMask(24, 32)
		gw  = net.ParseIP("192.168.1.1")
	)

	cmd, err := EncodeSetIP(mac, ip, nm, gw)
	if err != nil {
		t.Fatalf("could not encode set-ip: %+v", err)
	}

	want := make([]byte, SetIPSize)
	copy(want[0:], []byte{0, 0, 0, 2})
	copy(want[4:], SetIPMarker)
	copy(want[36:], mac)
	copy(want[42:], []byte{192, 168, 1, 42})
	copy(want[46:], []byte{255, 255, 255, 0})
	copy(want[50:], []byte{192, 168, 1, 1})

	if !bytes.Equal(cmd[:], want) {
		t.Fatalf("invalid set-ip command:\ngot= % x\nwant=% x", cmd[:], want)
	}

	mask16 := net.IPMask(net.ParseIP("255.255.0.0"))
	cmd, err = EncodeSetIP(mac, ip, mask16, nil)
	if err != nil {
		t.Fatalf("could not encode set-ip with 16-byte mask: %+v", err)
	}
	if got, want := cmd[46:54], []byte{255, 255, 0, 0, 0, 0, 0, 0}; !bytes.Equal(got, want) {
		t.Fatalf("invalid netmask/gateway: got=% x, want=% x", got, want)
	}

	for _, tc := range []struct {
		name string
		mac  net.HardwareAddr
		ip   net.IP
		nm   net.IPMask
		gw   net.IP
	}{
		{"bad-mac", mac[:4], ip, nm, gw},
		{"bad-ip", mac, net.ParseIP("::1"), nm, gw},
		{"bad-mask", mac, ip, nm[:2], gw},
		{"bad-gw", mac, ip, nm, net.ParseIP("fe80::1")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := EncodeSetIP(tc.mac, tc.ip, tc.nm, tc.gw)
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
