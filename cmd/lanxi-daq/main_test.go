// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-lpc/lanxi/acq"
	"github.com/go-lpc/lanxi/internal/fakemod"
	"github.com/go-lpc/lanxi/internal/xcnv"
	"github.com/go-lpc/lanxi/stream"
	"go-hep.org/x/hep/lcio"
)

func TestRun(t *testing.T) {
	fake, err := fakemod.New(
		fakemod.WithSignals([]uint16{1, 2}, 32),
		fakemod.WithCAN(1, []stream.AuxRecord{
			{MessageID: 0x7e8, DataSize: 8, Data: [8]byte{2, 1, 12}},
		}),
	)
	if err != nil {
		t.Fatalf("could not create fake module: %+v", err)
	}
	defer fake.Close()

	tmp := t.TempDir()
	fname := filepath.Join(tmp, "session.yaml")
	err = os.WriteFile(fname, []byte(fmt.Sprintf(`
modules:
  - addr: %s
samples: 128
channels: [1, 2]
verify: "02010c0000000000"
`, fake.Addr())), 0644)
	if err != nil {
		t.Fatalf("could not write session config: %+v", err)
	}

	odir := filepath.Join(tmp, "data")
	err = run(context.Background(), config{
		cfg:  fname,
		run:  42,
		odir: odir,
		poll: time.Millisecond,
		tmax: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("could not run session: %+v", err)
	}

	r, err := lcio.Open(filepath.Join(odir, "lanxi_042.slcio"))
	if err != nil {
		t.Fatalf("could not open samples file: %+v", err)
	}
	defer r.Close()

	samples := make(map[uint16]int)
	err = xcnv.LCIO2Samples(r, func(module string, channel uint16, vs []int32) error {
		if module != fake.Addr() {
			return fmt.Errorf("invalid module %q", module)
		}
		samples[channel] += len(vs)
		return nil
	})
	if err != nil {
		t.Fatalf("could not read samples: %+v", err)
	}
	for _, id := range []uint16{1, 2} {
		if samples[id] < 128 {
			t.Fatalf("channel %d: got=%d samples, want>=128", id, samples[id])
		}
	}

	f, err := os.Open(filepath.Join(odir, "lanxi_042_can.cbor"))
	if err != nil {
		t.Fatalf("could not open CAN file: %+v", err)
	}
	defer f.Close()

	n := 0
	err = acq.ReadCAN(f, func(rec acq.CANRecord) error {
		n++
		if rec.Channel != 1 {
			return fmt.Errorf("invalid CAN channel %d", rec.Channel)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("could not read CAN records: %+v", err)
	}
	if n == 0 {
		t.Fatalf("no CAN record saved")
	}
}

func TestRunErrors(t *testing.T) {
	tmp := t.TempDir()
	fname := filepath.Join(tmp, "session.yaml")
	err := os.WriteFile(fname, []byte("modules: []\nsamples: 1\n"), 0644)
	if err != nil {
		t.Fatalf("could not write session config: %+v", err)
	}

	for _, tc := range []struct {
		name string
		cfg  config
	}{
		{"missing-file", config{cfg: filepath.Join(tmp, "missing.yaml")}},
		{"no-module", config{cfg: fname}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := run(context.Background(), tc.cfg)
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
