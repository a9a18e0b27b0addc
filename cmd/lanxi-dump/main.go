// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// lanxi-dump displays the samples stored in LAN-XI LCIO files.
//
// Usage: lanxi-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> lanxi-dump -yoda out.yoda ./data/lanxi_042.slcio
//	=== module 10.10.3.1 ===
//	channel   1: n=262144 mean=      -1.23 rms=   1234.56 min=  -8388608 max=   8388607
//	channel   3: n=262144 mean=       0.02 rms=    987.65 min=  -8388608 max=   8388607
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-lpc/lanxi/internal/xcnv"
	"go-hep.org/x/hep/hbook"
	"go-hep.org/x/hep/lcio"
)

const usage = `lanxi-dump displays the samples stored in LAN-XI LCIO files.

Usage: lanxi-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> lanxi-dump -yoda out.yoda ./data/lanxi_042.slcio
 === module 10.10.3.1 ===
 channel   1: n=262144 mean=      -1.23 rms=   1234.56 min=  -8388608 max=   8388607

`

func main() {
	xmain(os.Stdout, os.Args[1:])
}

func xmain(w io.Writer, args []string) {
	log.SetPrefix("lanxi-dump: ")
	log.SetFlags(0)

	var (
		fset = flag.NewFlagSet("lanxi-dump", flag.ExitOnError)

		oname = fset.String("yoda", "", "path to output YODA file with sample histograms")
		nbins = fset.Int("nbins", 256, "number of bins of sample histograms")
	)

	fset.Usage = func() {
		fmt.Print(usage)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		log.Fatalf("could not parse input arguments: %+v", err)
	}

	if fset.NArg() == 0 {
		fset.Usage()
		log.Fatalf("missing path to input LCIO file")
	}

	var hists []*hbook.H1D
	for _, fname := range fset.Args() {
		hs, err := process(w, fname, *nbins)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
		hists = append(hists, hs...)
	}

	if *oname != "" {
		err = save(*oname, hists)
		if err != nil {
			log.Fatalf("could not save histograms: %+v", err)
		}
	}
}

// sample range of 24-bit signed samples.
const (
	smin = -(1 << 23)
	smax = +(1 << 23)
)

func process(w io.Writer, fname string, nbins int) ([]*hbook.H1D, error) {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	r, err := lcio.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("could not open LCIO file: %w", err)
	}
	defer r.Close()

	var (
		hists []*hbook.H1D
		cur   = ""
	)
	err = xcnv.LCIO2Samples(r, func(module string, channel uint16, samples []int32) error {
		if module != cur {
			fmt.Fprintf(wbuf, "=== module %s ===\n", module)
			cur = module
		}

		h := hbook.NewH1D(nbins, smin, smax)
		h.Ann["name"] = fmt.Sprintf("%s-ch%03d", module, channel)
		h.Ann["title"] = fmt.Sprintf("module %s, channel %d", module, channel)

		vmin, vmax := int32(0), int32(0)
		for i, v := range samples {
			if i == 0 || v < vmin {
				vmin = v
			}
			if i == 0 || v > vmax {
				vmax = v
			}
			h.Fill(float64(v), 1)
		}
		hists = append(hists, h)

		mean, rms := 0.0, 0.0
		if len(samples) > 0 {
			mean = h.XMean()
			rms = h.XRMS()
		}
		fmt.Fprintf(wbuf, "channel %3d: n=%d mean=%11.2f rms=%11.2f min=%10d max=%10d\n",
			channel, len(samples), mean, rms, vmin, vmax,
		)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not read samples: %w", err)
	}

	return hists, nil
}

func save(fname string, hists []*hbook.H1D) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create YODA file: %w", err)
	}
	defer f.Close()

	for _, h := range hists {
		raw, err := h.MarshalYODA()
		if err != nil {
			return fmt.Errorf("could not marshal histogram %q: %w", h.Name(), err)
		}
		_, err = f.Write(raw)
		if err != nil {
			return fmt.Errorf("could not write histogram %q: %w", h.Name(), err)
		}
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close YODA file: %w", err)
	}
	return nil
}
