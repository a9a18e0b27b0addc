// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"errors"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-lpc/lanxi/stream"
	"golang.org/x/xerrors"
)

// CANRecord is a CAN message as stored in a capture file.
type CANRecord struct {
	Module    string `cbor:"module"`
	Channel   int    `cbor:"channel"`
	Timestamp uint64 `cbor:"ts"`
	Offset    uint32 `cbor:"offset"`
	Status    uint8  `cbor:"status"`
	Info      uint8  `cbor:"info"`
	ID        uint32 `cbor:"id"`
	Data      []byte `cbor:"data"`
}

// CANWriter writes CAN records as a sequence of CBOR items.
// CANWriter is safe for concurrent use, and its Write method may be
// used as the OnCAN function of a session.
type CANWriter struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	n   int
	err error
}

// NewCANWriter creates a CAN capture writer writing to w.
func NewCANWriter(w io.Writer) *CANWriter {
	return &CANWriter{enc: cbor.NewEncoder(w)}
}

// Write writes all the records of seq.
// Errors are sticky, and reported by Err.
func (cw *CANWriter) Write(module string, ts uint64, seq *stream.AuxSequence) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.err != nil {
		return
	}

	ch := seq.CANChannel()
	for i := range seq.Records {
		r := &seq.Records[i]
		n := int(r.DataSize)
		if n > len(r.Data) {
			n = len(r.Data)
		}
		cw.err = cw.enc.Encode(CANRecord{
			Module:    module,
			Channel:   ch,
			Timestamp: ts,
			Offset:    r.RelOffsetTime,
			Status:    r.Status,
			Info:      r.MessageInfo,
			ID:        r.MessageID,
			Data:      append([]byte(nil), r.Data[:n]...),
		})
		if cw.err != nil {
			cw.err = xerrors.Errorf("acq: could not write CAN record: %w", cw.err)
			return
		}
		cw.n++
	}
}

// N returns the number of records written.
func (cw *CANWriter) N() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.n
}

// Err returns the first error encountered while writing.
func (cw *CANWriter) Err() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.err
}

// ReadCAN reads the CAN records of a capture file, calling f for
// each of them.
func ReadCAN(r io.Reader, f func(rec CANRecord) error) error {
	dec := cbor.NewDecoder(r)
	for {
		var rec CANRecord
		err := dec.Decode(&rec)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return xerrors.Errorf("acq: could not read CAN record: %w", err)
		}
		err = f(rec)
		if err != nil {
			return err
		}
	}
}
