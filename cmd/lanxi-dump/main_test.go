// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/lanxi/acq"
	"github.com/go-lpc/lanxi/internal/xcnv"
	"go-hep.org/x/hep/lcio"
)

func TestDump(t *testing.T) {
	tmp := t.TempDir()

	acc := acq.NewAccumulator(4, 0)
	acc.Add([]int32{-10, 10, -20, 20})

	fname := filepath.Join(tmp, "run.slcio")
	w, err := lcio.Create(fname)
	if err != nil {
		t.Fatalf("could not create LCIO file: %+v", err)
	}
	defer w.Close()

	err = xcnv.Result2LCIO(w, acq.Result{
		Channels: map[string]map[uint16]*acq.Accumulator{
			"10.10.3.1": {1: acc},
		},
	}, 1, nil)
	if err != nil {
		t.Fatalf("could not write LCIO file: %+v", err)
	}
	err = w.Close()
	if err != nil {
		t.Fatalf("could not close LCIO file: %+v", err)
	}

	oname := filepath.Join(tmp, "out.yoda")
	out := new(bytes.Buffer)
	xmain(out, []string{"-yoda", oname, "-nbins", "16", fname})

	for _, want := range []string{
		"=== module 10.10.3.1 ===\n",
		"channel   1: n=4 ",
		"min=       -20 max=        20\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in output:\n%s", want, out.String())
		}
	}

	raw, err := os.ReadFile(oname)
	if err != nil {
		t.Fatalf("could not read YODA file: %+v", err)
	}
	if !bytes.Contains(raw, []byte("10.10.3.1-ch001")) {
		t.Fatalf("missing histogram in YODA file:\n%s", raw)
	}
}
