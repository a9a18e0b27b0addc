// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"github.com/go-lpc/lanxi/stream"
)

// CANStats holds the CAN traffic counters of a module.
type CANStats struct {
	Records map[int]uint64 // number of records, per 1-based CAN channel
	Errors  map[int]uint64 // number of records not matching the pattern
}

func newCANStats() CANStats {
	return CANStats{
		Records: make(map[int]uint64),
		Errors:  make(map[int]uint64),
	}
}

// verifier checks the data of CAN records against a fixed pattern.
type verifier struct {
	pat [8]byte
	on  bool
}

func newVerifier(pattern string) (verifier, error) {
	if pattern == "" {
		return verifier{}, nil
	}
	pat, err := parsePattern(pattern)
	if err != nil {
		return verifier{}, err
	}
	return verifier{pat: pat, on: true}, nil
}

// check updates stats with the records of seq and returns the number
// of mismatching records.
func (v verifier) check(stats *CANStats, seq *stream.AuxSequence) int {
	var (
		ch  = seq.CANChannel()
		bad = 0
	)
	stats.Records[ch] += uint64(len(seq.Records))
	if !v.on {
		return 0
	}
	for i := range seq.Records {
		if seq.Records[i].Data != v.pat {
			bad++
		}
	}
	if bad > 0 {
		stats.Errors[ch] += uint64(bad)
	}
	return bad
}
