// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-lpc/lanxi/acq"
)

func TestBlocksFrom(t *testing.T) {
	acc := func(vs ...int32) *acq.Accumulator {
		acc := acq.NewAccumulator(len(vs), 0)
		acc.Add(vs)
		return acc
	}

	res := acq.Result{
		Channels: map[string]map[uint16]*acq.Accumulator{
			"mod-2": {2: acc(3), 1: acc(1, 2)},
			"mod-1": {4: acc(-1)},
		},
		Errors: map[string]error{
			"mod-2": fmt.Errorf("stream closed by module"),
		},
	}

	got := blocksFrom(3, res)
	want := []Block{
		{Run: 3, Module: "mod-1", Channel: 4, Samples: []int32{-1}},
		{Run: 3, Module: "mod-2", Channel: 1, Samples: []int32{1, 2}, Error: "stream closed by module"},
		{Run: 3, Module: "mod-2", Channel: 2, Samples: []int32{3}, Error: "stream closed by module"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid blocks:\ngot= %+v\nwant=%+v", got, want)
	}

	raw, err := cbor.Marshal(got[1])
	if err != nil {
		t.Fatalf("could not encode block: %+v", err)
	}
	var blk Block
	err = cbor.Unmarshal(raw, &blk)
	if err != nil {
		t.Fatalf("could not decode block: %+v", err)
	}
	if !reflect.DeepEqual(blk, want[1]) {
		t.Fatalf("invalid decoded block:\ngot= %+v\nwant=%+v", blk, want[1])
	}
}

func TestBlocksFromEmpty(t *testing.T) {
	if blocks := blocksFrom(1, acq.Result{}); len(blocks) != 0 {
		t.Fatalf("invalid number of blocks: got=%d, want=0", len(blocks))
	}
}
