// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-lpc/lanxi/gen"
	"github.com/go-lpc/lanxi/internal/fakemod"
	"github.com/go-lpc/lanxi/rec"
)

func TestRun(t *testing.T) {
	fake, err := fakemod.New(fakemod.WithOutputs(2))
	if err != nil {
		t.Fatalf("could not create fake module: %+v", err)
	}
	defer fake.Close()

	cfg := gen.Config{
		Prepare: startParams(2),
		Output:  outputSetup(2, 131072),
		Prime:   512,
	}
	signals := tones([]float64{784, 659}, 131072, 2048, 8372224)

	err = run(context.Background(), fake.Addr(), cfg, signals,
		gen.WithLogger(nil),
		gen.WithMachine(
			rec.WithLogger(nil),
			rec.WithPollInterval(time.Millisecond),
			rec.WithMaxWait(2*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("could not run: %+v", err)
	}

	for id := 1; id <= 2; id++ {
		var got int
		for beg := time.Now(); time.Since(beg) < 2*time.Second; time.Sleep(time.Millisecond) {
			if got = fake.Received(id); got == 2048 {
				break
			}
		}
		if want := 2048; got != want {
			t.Fatalf("output %d: invalid number of samples: got=%d, want=%d", id, got, want)
		}
	}
}

func TestParseFreqs(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want []float64
		err  bool
	}{
		{in: "784,659", want: []float64{784, 659}},
		{in: " 440 ,", want: []float64{440}},
		{in: "", err: true},
		{in: "440,la", err: true},
		{in: "-1", err: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseFreqs(tc.in)
			switch {
			case tc.err:
				if err == nil {
					t.Fatalf("expected an error")
				}
				return
			case err != nil:
				t.Fatalf("could not parse frequencies: %+v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("invalid frequencies: got=%v, want=%v", got, tc.want)
			}
		})
	}
}

func TestDefaultSetups(t *testing.T) {
	var start struct {
		Outputs []struct {
			Number int `json:"number"`
		} `json:"outputs"`
	}
	err := json.Unmarshal([]byte(startParams(2)), &start)
	if err != nil {
		t.Fatalf("could not decode start parameters: %+v", err)
	}
	if got, want := len(start.Outputs), 2; got != want {
		t.Fatalf("invalid number of outputs: got=%d, want=%d", got, want)
	}
	if got, want := start.Outputs[1].Number, 2; got != want {
		t.Fatalf("invalid output number: got=%d, want=%d", got, want)
	}

	var setup struct {
		Outputs []struct {
			Inputs []struct {
				SignalType   string  `json:"signalType"`
				SamplingRate float64 `json:"samplingRate"`
			} `json:"inputs"`
		} `json:"outputs"`
	}
	err = json.Unmarshal([]byte(outputSetup(1, 65536)), &setup)
	if err != nil {
		t.Fatalf("could not decode output setup: %+v", err)
	}
	in := setup.Outputs[0].Inputs[0]
	if in.SignalType != "stream" || in.SamplingRate != 65536 {
		t.Fatalf("invalid output input: %+v", in)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	got, err := load("", "{}")
	if err != nil || got != "{}" {
		t.Fatalf("invalid default document: got=%q, err=%v", got, err)
	}

	fname := filepath.Join(dir, "ok.json")
	err = os.WriteFile(fname, []byte(`{"outputs":[]}`), 0644)
	if err != nil {
		t.Fatalf("could not create file: %+v", err)
	}
	got, err = load(fname, "{}")
	if err != nil || got != `{"outputs":[]}` {
		t.Fatalf("invalid document: got=%q, err=%v", got, err)
	}

	bad := filepath.Join(dir, "bad.json")
	err = os.WriteFile(bad, []byte(`{`), 0644)
	if err != nil {
		t.Fatalf("could not create file: %+v", err)
	}
	for _, name := range []string{bad, filepath.Join(dir, "missing.json")} {
		_, err = load(name, "{}")
		if err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}
