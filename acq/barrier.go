// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"context"
	"sync"
)

// Barrier orders the measurement start of a multi-module session:
// the master may only start once every slave has arrived.
// A Barrier is single use.
type Barrier struct {
	mu   sync.Mutex
	n    int // number of missing slaves
	done chan struct{}
}

// NewBarrier creates a barrier waiting for n slaves.
func NewBarrier(n int) *Barrier {
	b := &Barrier{n: n, done: make(chan struct{})}
	if n <= 0 {
		close(b.done)
	}
	return b
}

// Arrive signals a slave is recording.
func (b *Barrier) Arrive() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n <= 0 {
		return
	}
	b.n--
	if b.n == 0 {
		close(b.done)
	}
}

// Wait blocks until every slave arrived or ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
