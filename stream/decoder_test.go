// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
)

func TestSample24(t *testing.T) {
	for _, tc := range []struct {
		p    [3]byte
		want int32
	}{
		{[3]byte{0x00, 0x00, 0x80}, -8388608},
		{[3]byte{0xff, 0xff, 0x7f}, 8388607},
		{[3]byte{0x01, 0x00, 0x00}, 1},
		{[3]byte{0xff, 0xff, 0xff}, -1},
		{[3]byte{0x00, 0x00, 0x00}, 0},
		{[3]byte{0x56, 0x34, 0x12}, 0x123456},
	} {
		got := Sample24(tc.p[0], tc.p[1], tc.p[2])
		if got != tc.want {
			t.Fatalf("invalid sample for % x: got=%d, want=%d", tc.p, got, tc.want)
		}

		var p [3]byte
		PutSample24(p[:], tc.want)
		if p != tc.p {
			t.Fatalf("invalid packing for %d: got=% x, want=% x", tc.want, p, tc.p)
		}
	}
}

func TestDecodeSignalDataBytes(t *testing.T) {
	raw := []byte{
		// header
		'B', 'K', 28, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0,
		14, 0, 0, 0,
		// signal data sub-header
		1, 0, 0, 0, 1, 0, 2, 0,
		// samples
		0x01, 0x00, 0x00,
		0x00, 0x00, 0x80,
	}

	var msg Message
	err := NewDecoder(bytes.NewReader(raw)).Next(&msg)
	if err != nil {
		t.Fatalf("could not decode message: %+v", err)
	}

	if got, want := msg.Header.MessageType, SignalDataType; got != want {
		t.Fatalf("invalid message type: got=%v, want=%v", got, want)
	}
	if got, want := msg.Signal.SignalID, uint16(1); got != want {
		t.Fatalf("invalid signal id: got=%d, want=%d", got, want)
	}
	if got, want := msg.Signal.Values, []int32{1, -8388608}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid samples: got=%v, want=%v", got, want)
	}
}

func TestDecodeFraming(t *testing.T) {
	for _, tc := range []struct {
		name string
		fct  func() error
	}{
		{
			name: "signal-short-header",
			fct: func() error {
				_, err := DecodeSignalData([]byte{1, 0, 0, 0, 1, 0})
				return err
			},
		},
		{
			name: "signal-short-values",
			fct: func() error {
				_, err := DecodeSignalData([]byte{1, 0, 0, 0, 1, 0, 2, 0, 1, 2, 3, 4})
				return err
			},
		},
		{
			name: "aux-short-header",
			fct: func() error {
				_, err := DecodeAuxSequence([]byte{1, 0})
				return err
			},
		},
		{
			name: "aux-short-records",
			fct: func() error {
				p := make([]byte, AuxHdrSize+AuxRecordSize)
				p[6] = 2 // 2 records in the space of 1
				_, err := DecodeAuxSequence(p)
				return err
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fct()
			if !errors.Is(err, ErrFraming) {
				t.Fatalf("invalid error: got=%v, want=%v", err, ErrFraming)
			}
		})
	}
}

func TestDecoderErrors(t *testing.T) {
	full := new(bytes.Buffer)
	err := NewEncoder(full).EncodeSignal(1, 1, []int32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("could not encode message: %+v", err)
	}
	raw := full.Bytes()

	for _, tc := range []struct {
		name string
		raw  []byte
		want error
	}{
		{
			name: "empty",
			raw:  nil,
			want: io.EOF,
		},
		{
			name: "short-header",
			raw:  raw[:HeaderSize-3],
			want: ErrPartialRead,
		},
		{
			name: "header-only",
			raw:  raw[:HeaderSize],
			want: ErrPartialRead,
		},
		{
			name: "short-payload",
			raw:  raw[:len(raw)-1],
			want: ErrPartialRead,
		},
		{
			name: "bad-payload",
			raw: func() []byte {
				p := append([]byte(nil), raw...)
				p[HeaderSize+6] = 5 // claims 5 values, only 4 sent
				return p
			}(),
			want: ErrFraming,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var msg Message
			err := NewDecoder(bytes.NewReader(tc.raw)).Next(&msg)
			if !errors.Is(err, tc.want) {
				t.Fatalf("invalid error: got=%v, want=%v", err, tc.want)
			}
		})
	}
}

type errReader struct {
	err error
}

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestDecoderStickyError(t *testing.T) {
	want := errors.New("boom")
	dec := NewDecoder(errReader{want})

	var msg Message
	for i := 0; i < 2; i++ {
		err := dec.Next(&msg)
		if !errors.Is(err, want) {
			t.Fatalf("invalid error #%d: got=%v, want=%v", i, err, want)
		}
	}
}
