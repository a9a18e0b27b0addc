// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("testdata/session.yaml")
	if err != nil {
		t.Fatalf("could not load config: %+v", err)
	}

	want := []Endpoint{
		{Addr: "10.10.3.1", Role: Master},
		{Addr: "10.10.3.2", Role: Slave},
	}
	if !reflect.DeepEqual(cfg.Modules, want) {
		t.Fatalf("invalid modules:\ngot= %+v\nwant=%+v", cfg.Modules, want)
	}
	// channels 1 and 3 are enabled: the module streams signals 1 and 2.
	if got, want := cfg.Channels, []uint16{1, 2}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid channels: got=%v, want=%v", got, want)
	}

	for _, tc := range []struct {
		name      string
		got, want interface{}
	}{
		{"ptp", cfg.PTP, true},
		{"samples", cfg.Samples, 262144},
		{"open", cfg.Open, `{"performTransducerDetection": false}`},
		{"sync-master", cfg.SyncMode.Master, `{"synchronization":{"mode":"ptp","domain":11,"preferredMaster":true}}`},
		{"sync-slave", cfg.SyncMode.Slave, defaultSyncSlave},
		{"verify", cfg.Verify, "02:01:0c:00:00:00:00:00"},
		{"read-timeout", cfg.ReadTimeout, 5 * time.Second},
		{"settle-delay", cfg.SettleDelay, defaultSettleDelay},
		{"buffer-size", cfg.BufferSize, defaultBufferSize},
	} {
		if tc.got != tc.want {
			t.Fatalf("invalid %s: got=%v, want=%v", tc.name, tc.got, tc.want)
		}
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tmp := t.TempDir()
	for _, tc := range []struct {
		name string
		yaml string
	}{
		{"bad-yaml", "modules: [\n"},
		{"no-module", "samples: 10\n"},
		{"empty-addr", "modules: [{role: master}]\nsamples: 10\n"},
		{"bad-role", "modules: [{addr: a, role: boss}]\nsamples: 10\n"},
		{"duplicate", "modules: [{addr: a, role: master}, {addr: a, role: slave}]\nptp: true\nsamples: 10\n"},
		{"two-masters", "modules: [{addr: a, role: master}, {addr: b, role: master}]\nptp: true\nsamples: 10\n"},
		{"no-target", "modules: [{addr: a}]\n"},
		{"negative", "modules: [{addr: a}]\nsamples: 10\nread_timeout: -1s\n"},
		{"bad-json", "modules: [{addr: a}]\nsamples: 10\nsetup: '{'\n"},
		{"bad-verify", "modules: [{addr: a}]\nsamples: 10\nverify: '0102'\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fname := filepath.Join(tmp, tc.name+".yaml")
			err := os.WriteFile(fname, []byte(tc.yaml), 0644)
			if err != nil {
				t.Fatalf("could not write config: %+v", err)
			}
			_, err = LoadConfig(fname)
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}

	_, err := LoadConfig(filepath.Join(tmp, "not-there.yaml"))
	if err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestParsePattern(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want [8]byte
		err  bool
	}{
		{in: "02010c0000000000", want: [8]byte{2, 1, 0x0c}},
		{in: "02 01 0c 00 00 00 00 ff", want: [8]byte{2, 1, 0x0c, 0, 0, 0, 0, 0xff}},
		{in: "de:ad:be:ef:00:11:22:33", want: [8]byte{0xde, 0xad, 0xbe, 0xef, 0, 0x11, 0x22, 0x33}},
		{in: "0201", err: true},
		{in: "zz010c0000000000", err: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parsePattern(tc.in)
			switch {
			case tc.err:
				if err == nil {
					t.Fatalf("expected an error")
				}
				return
			case err != nil:
				t.Fatalf("could not parse pattern: %+v", err)
			}
			if got != tc.want {
				t.Fatalf("invalid pattern: got=% x, want=% x", got, tc.want)
			}
		})
	}
}

func TestEnabledChannels(t *testing.T) {
	for _, tc := range []struct {
		setup string
		want  []uint16
	}{
		{`{"channels":[{"channel":1,"enabled":true},{"channel":4,"enabled":true}]}`, []uint16{1, 2}},
		{
			`{"channels":[{"channel":1,"enabled":false},{"channel":2,"enabled":true},{"channel":3,"enabled":false},{"channel":4,"enabled":true}]}`,
			[]uint16{1, 2},
		},
		{`{"channels":[{"enabled":true},{"enabled":true},{"enabled":true}]}`, []uint16{1, 2, 3}},
		{`{"channels":[{"channel":1,"enabled":false}]}`, nil},
		{`{}`, nil},
		{`not json`, nil},
	} {
		got := enabledChannels([]byte(tc.setup))
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: invalid channels: got=%v, want=%v", tc.setup, got, tc.want)
		}
	}
}
