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

func TestHeaderCodec(t *testing.T) {
	want := Header{
		Magic:           [2]byte{'B', 'K'},
		HeaderLength:    HeaderSize,
		MessageType:     SignalDataType,
		Reserved1:       -2,
		Reserved2:       -0x10203,
		TimestampFamily: 0x01020304,
		Timestamp:       0x1122334455667788,
		DataLength:      14,
	}

	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, want)

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("could not decode header: %+v", err)
	}
	if got != want {
		t.Fatalf("invalid header round trip:\ngot= %+v\nwant=%+v", got, want)
	}

	_, err = DecodeHeader(buf[:HeaderSize-1])
	if !errors.Is(err, ErrFraming) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrFraming)
	}
}

func TestCodec(t *testing.T) {
	for _, tc := range []struct {
		name string
		msgs []Message
	}{
		{
			name: "signals",
			msgs: []Message{
				{
					Header: Header{MessageType: SignalDataType, Timestamp: 1},
					Signal: SignalData{
						NumberOfSignals: 1,
						SignalID:        1,
						Values:          []int32{0, 1, -1, 8388607, -8388608},
					},
				},
				{
					Header: Header{MessageType: SignalDataType, Timestamp: 2},
					Signal: SignalData{
						NumberOfSignals: 1,
						SignalID:        4,
						Values:          []int32{42, -42},
					},
				},
			},
		},
		{
			name: "can",
			msgs: []Message{
				{
					Header: Header{MessageType: AuxSequenceType, Timestamp: 3},
					Aux: AuxSequence{
						NumberOfSequence: 1,
						SequenceID:       101,
						Records: []AuxRecord{
							{
								RelOffsetTime: 0xdeadbeef,
								Status:        1,
								MessageInfo:   2,
								DataSize:      8,
								MessageID:     0x7df,
								Data:          [8]byte{2, 1, 0x0c, 0, 0, 0, 0, 0},
							},
							{
								MessageID: 0x7e8,
								DataSize:  4,
								Data:      [8]byte{4, 0x41, 0x0c, 0x1a},
							},
						},
					},
				},
			},
		},
		{
			name: "mixed",
			msgs: []Message{
				{
					Header: Header{MessageType: 42},
					Raw:    []byte("opaque payload"),
				},
				{
					Header: Header{MessageType: SignalDataType},
					Signal: SignalData{SignalID: 2},
				},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			enc := NewEncoder(buf)
			for i := range tc.msgs {
				err := enc.Encode(&tc.msgs[i])
				if err != nil {
					t.Fatalf("could not encode message %d: %+v", i, err)
				}
			}

			dec := NewDecoder(buf)
			for i, want := range tc.msgs {
				var got Message
				err := dec.Next(&got)
				if err != nil {
					t.Fatalf("could not decode message %d: %+v", i, err)
				}
				if got, want := got.Header.MessageType, want.Header.MessageType; got != want {
					t.Fatalf("invalid message type: got=%v, want=%v", got, want)
				}
				switch want.Header.MessageType {
				case SignalDataType:
					if !reflect.DeepEqual(got.Signal, want.Signal) {
						t.Fatalf("invalid signal:\ngot= %+v\nwant=%+v", got.Signal, want.Signal)
					}
				case AuxSequenceType:
					if !reflect.DeepEqual(got.Aux, want.Aux) {
						t.Fatalf("invalid aux sequence:\ngot= %+v\nwant=%+v", got.Aux, want.Aux)
					}
				default:
					if !bytes.Equal(got.Raw, want.Raw) {
						t.Fatalf("invalid payload: got=%q, want=%q", got.Raw, want.Raw)
					}
				}
			}

			var msg Message
			err := dec.Next(&msg)
			if !errors.Is(err, io.EOF) {
				t.Fatalf("invalid end of stream: got=%v, want=%v", err, io.EOF)
			}
		})
	}
}

func TestEncodeHelpers(t *testing.T) {
	buf := new(bytes.Buffer)
	enc := NewEncoder(buf)

	err := enc.EncodeSignal(10, 3, []int32{1, 2, 3})
	if err != nil {
		t.Fatalf("could not encode signal: %+v", err)
	}
	err = enc.EncodeCAN(11, 2, []AuxRecord{{MessageID: 1}})
	if err != nil {
		t.Fatalf("could not encode CAN: %+v", err)
	}

	dec := NewDecoder(buf)

	var msg Message
	err = dec.Next(&msg)
	if err != nil {
		t.Fatalf("could not decode signal: %+v", err)
	}
	if got, want := msg.Header.Magic, [2]byte{'B', 'K'}; got != want {
		t.Fatalf("invalid magic: got=%q, want=%q", got, want)
	}
	if got, want := msg.Header.DataLength, uint32(SignalHdrSize+3*SampleSize); got != want {
		t.Fatalf("invalid data length: got=%d, want=%d", got, want)
	}
	if got, want := msg.Signal.SignalID, uint16(3); got != want {
		t.Fatalf("invalid signal id: got=%d, want=%d", got, want)
	}

	err = dec.Next(&msg)
	if err != nil {
		t.Fatalf("could not decode CAN: %+v", err)
	}
	if got, want := msg.Aux.CANChannel(), 2; got != want {
		t.Fatalf("invalid CAN channel: got=%d, want=%d", got, want)
	}
	if got, want := msg.Header.Timestamp, uint64(11); got != want {
		t.Fatalf("invalid timestamp: got=%d, want=%d", got, want)
	}
}

type failWriter struct{ n int }

func (w *failWriter) Write(p []byte) (int, error) {
	if w.n <= 0 {
		return 0, io.ErrClosedPipe
	}
	w.n--
	return len(p), nil
}

func TestSampleWriter(t *testing.T) {
	buf := new(bytes.Buffer)
	sw := NewSampleWriter(buf)

	for _, vs := range [][]int32{{1, -1}, {8372224}, nil} {
		err := sw.Write(vs)
		if err != nil {
			t.Fatalf("could not write samples: %+v", err)
		}
	}

	want := []byte{
		0x01, 0x00, 0x00, 0x00,
		0xff, 0xff, 0xff, 0xff,
		0x00, 0xc0, 0x7f, 0x00,
	}
	if got := buf.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("invalid samples:\ngot= % x\nwant=% x", got, want)
	}
	if got, want := sw.N(), 3; got != want {
		t.Fatalf("invalid number of samples: got=%d, want=%d", got, want)
	}

	sw = NewSampleWriter(&failWriter{n: 1})
	err := sw.Write([]int32{1})
	if err != nil {
		t.Fatalf("could not write samples: %+v", err)
	}
	for i := 0; i < 2; i++ {
		err = sw.Write([]int32{2})
		if !errors.Is(err, io.ErrClosedPipe) {
			t.Fatalf("invalid error: got=%v, want=%v", err, io.ErrClosedPipe)
		}
	}
	if got, want := sw.N(), 1; got != want {
		t.Fatalf("invalid number of samples: got=%d, want=%d", got, want)
	}
}
