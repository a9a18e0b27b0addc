// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command lanxi-gen streams sine tones generated on the host to the
// output channels of a LAN-XI generator module.
//
// One tone is streamed per output channel, one frequency per tone.
//
// Usage: lanxi-gen [OPTIONS]
//
// Example:
//
//	$> lanxi-gen -addr 10.10.3.1 -freq 784,659
//	$> lanxi-gen -addr 10.10.3.1 -freq 440 -prepare ./start.json -output ./setup.json
package main // import "github.com/go-lpc/lanxi/cmd/lanxi-gen"

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/lanxi/gen"
	"github.com/go-lpc/lanxi/rec"
)

func main() {
	log.SetPrefix("lanxi-gen: ")
	log.SetFlags(0)

	var (
		addr    = flag.String("addr", "", "module address")
		freqs   = flag.String("freq", "784,659", "comma-separated list of tone frequencies (Hz), one per output channel")
		rate    = flag.Float64("rate", 131072, "output sampling rate (Hz)")
		dur     = flag.Duration("d", 10*time.Second, "duration of the tones")
		amp     = flag.Float64("amp", 8372224, "amplitude of the tones")
		prepare = flag.String("prepare", "", "path to the generator start parameters (JSON)")
		output  = flag.String("output", "", "path to the generator output channels setup (JSON)")
		apply   = flag.Bool("apply", true, "apply the generator start to the whole frame")
		tmax    = flag.Duration("max-wait", 0, "maximum wait for a recorder state (default: 255s)")
	)

	flag.Parse()

	if *addr == "" {
		flag.Usage()
		log.Fatalf("missing module address")
	}

	fs, err := parseFreqs(*freqs)
	if err != nil {
		log.Fatalf("could not parse tone frequencies: %+v", err)
	}

	cfg := gen.Config{Apply: *apply}
	cfg.Prepare, err = load(*prepare, startParams(len(fs)))
	if err != nil {
		log.Fatalf("could not load generator start parameters: %+v", err)
	}
	cfg.Output, err = load(*output, outputSetup(len(fs), *rate))
	if err != nil {
		log.Fatalf("could not load generator output setup: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var mopts []rec.Option
	if *tmax > 0 {
		mopts = append(mopts, rec.WithMaxWait(*tmax))
	}

	n := int(dur.Seconds() * *rate)
	err = run(ctx, *addr, cfg, tones(fs, *rate, n, *amp), gen.WithMachine(mopts...))
	if err != nil {
		log.Fatalf("could not stream tones: %+v", err)
	}
}

func run(ctx context.Context, addr string, cfg gen.Config, signals [][]int32, opts ...gen.Option) error {
	cli, err := rec.NewClient(addr)
	if err != nil {
		return fmt.Errorf("could not create client: %w", err)
	}

	opts = append([]gen.Option{gen.WithLogger(log.Default())}, opts...)
	out := gen.New(cli, cfg, opts...)

	beg := time.Now()
	err = out.Run(ctx, signals)
	if err != nil {
		return fmt.Errorf("could not run output streaming: %w", err)
	}
	log.Printf("streamed %d signal(s) in %v", len(signals), time.Since(beg))
	return nil
}

func parseFreqs(s string) ([]float64, error) {
	var fs []float64
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid frequency %q: %w", v, err)
		}
		if f <= 0 {
			return nil, fmt.Errorf("invalid frequency %q", v)
		}
		fs = append(fs, f)
	}
	if len(fs) == 0 {
		return nil, fmt.Errorf("no frequency")
	}
	return fs, nil
}

func tones(fs []float64, rate float64, n int, amp float64) [][]int32 {
	signals := make([][]int32, len(fs))
	for i, f := range fs {
		signals[i] = gen.Tone(f, rate, n, amp)
	}
	return signals
}

// load returns the JSON document at fname, or def when fname is empty.
func load(fname, def string) (string, error) {
	if fname == "" {
		return def, nil
	}
	raw, err := os.ReadFile(fname)
	if err != nil {
		return "", fmt.Errorf("could not read %q: %w", fname, err)
	}
	if !json.Valid(raw) {
		return "", fmt.Errorf("invalid JSON document %q", fname)
	}
	return string(raw), nil
}

type outputNumber struct {
	Number int `json:"number"`
}

func startParams(n int) string {
	var v struct {
		Outputs []outputNumber `json:"outputs"`
	}
	for i := 1; i <= n; i++ {
		v.Outputs = append(v.Outputs, outputNumber{i})
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}

func outputSetup(n int, rate float64) string {
	type input struct {
		Number       int     `json:"number"`
		SignalType   string  `json:"signalType"`
		Gain         float64 `json:"gain"`
		Offset       float64 `json:"offset"`
		SamplingRate float64 `json:"samplingRate"`
	}
	type output struct {
		Number   int     `json:"number"`
		Floating bool    `json:"floating"`
		Gain     float64 `json:"gain"`
		Inputs   []input `json:"inputs"`
	}
	var v struct {
		Outputs []output `json:"outputs"`
	}
	for i := 1; i <= n; i++ {
		v.Outputs = append(v.Outputs, output{
			Number: i,
			Gain:   1,
			Inputs: []input{{
				Number:       1,
				SignalType:   "stream",
				Gain:         1,
				SamplingRate: rate,
			}},
		})
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}
