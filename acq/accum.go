// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

// Accumulator collects the samples of a single input channel.
type Accumulator struct {
	buf    []int32
	n      int
	target int
}

// NewAccumulator creates an accumulator aiming for target samples,
// with an initial capacity of size samples.
func NewAccumulator(target, size int) *Accumulator {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Accumulator{
		buf:    make([]int32, size),
		target: target,
	}
}

// Add appends vs to the accumulated samples, growing the buffer as
// needed.
func (acc *Accumulator) Add(vs []int32) {
	if need := acc.n + len(vs); need > len(acc.buf) {
		size := 2 * len(acc.buf)
		if size < need {
			size = need
		}
		buf := make([]int32, size)
		copy(buf, acc.buf[:acc.n])
		acc.buf = buf
	}
	acc.n += copy(acc.buf[acc.n:], vs)
}

// Len returns the number of accumulated samples.
func (acc *Accumulator) Len() int { return acc.n }

// Target returns the number of samples the accumulator aims for.
func (acc *Accumulator) Target() int { return acc.target }

// Done reports whether the target number of samples was reached.
// An accumulator without target is never done.
func (acc *Accumulator) Done() bool {
	return acc.target > 0 && acc.n >= acc.target
}

// Samples returns the accumulated samples.
// The returned slice aliases the accumulator buffer.
func (acc *Accumulator) Samples() []int32 {
	return acc.buf[:acc.n]
}
