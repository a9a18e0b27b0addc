// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// Encoder writes messages to an underlying data stream,
// with the same layout a LAN-XI module emits.
type Encoder struct {
	w io.Writer

	hdr Header // template header
	buf []byte
	err error
}

// NewEncoder creates an encoder that writes messages to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: w,
		hdr: Header{
			Magic:        [2]byte{'B', 'K'},
			HeaderLength: HeaderSize,
		},
		buf: make([]byte, 0, 1024),
	}
}

// EncodeHeader writes hdr to p, which must hold at least HeaderSize bytes.
func EncodeHeader(p []byte, hdr Header) {
	_ = p[HeaderSize-1]
	copy(p[0:2], hdr.Magic[:])
	binary.LittleEndian.PutUint16(p[2:4], hdr.HeaderLength)
	binary.LittleEndian.PutUint16(p[4:6], uint16(hdr.MessageType))
	binary.LittleEndian.PutUint16(p[6:8], uint16(hdr.Reserved1))
	binary.LittleEndian.PutUint32(p[8:12], uint32(hdr.Reserved2))
	binary.LittleEndian.PutUint32(p[12:16], hdr.TimestampFamily)
	binary.LittleEndian.PutUint64(p[16:24], hdr.Timestamp)
	binary.LittleEndian.PutUint32(p[24:28], hdr.DataLength)
}

// Encode writes the header and payload of msg.
// The header DataLength is computed from the payload.
func (enc *Encoder) Encode(msg *Message) error {
	enc.buf = enc.buf[:HeaderSize]
	switch msg.Header.MessageType {
	case SignalDataType:
		enc.signal(&msg.Signal)
	case AuxSequenceType:
		enc.aux(&msg.Aux)
	default:
		enc.buf = append(enc.buf, msg.Raw...)
	}

	hdr := msg.Header
	hdr.DataLength = uint32(len(enc.buf) - HeaderSize)
	EncodeHeader(enc.buf[:HeaderSize], hdr)

	enc.write(enc.buf)
	if enc.err != nil {
		return xerrors.Errorf("stream: could not write %v message: %w", hdr.MessageType, enc.err)
	}
	return nil
}

// EncodeSignal writes a signal data message for the 1-based signal id.
func (enc *Encoder) EncodeSignal(ts uint64, id uint16, values []int32) error {
	msg := Message{
		Header: enc.hdr,
		Signal: SignalData{
			NumberOfSignals: 1,
			SignalID:        id,
			Values:          values,
		},
	}
	msg.Header.MessageType = SignalDataType
	msg.Header.Timestamp = ts
	return enc.Encode(&msg)
}

// EncodeCAN writes an aux sequence message for the 1-based CAN channel.
func (enc *Encoder) EncodeCAN(ts uint64, channel int, recs []AuxRecord) error {
	msg := Message{
		Header: enc.hdr,
		Aux: AuxSequence{
			NumberOfSequence: 1,
			SequenceID:       uint16(channel + CANSequenceOff),
			Records:          recs,
		},
	}
	msg.Header.MessageType = AuxSequenceType
	msg.Header.Timestamp = ts
	return enc.Encode(&msg)
}

func (enc *Encoder) signal(sig *SignalData) {
	var sub [SignalHdrSize]byte
	binary.LittleEndian.PutUint16(sub[0:2], sig.NumberOfSignals)
	binary.LittleEndian.PutUint16(sub[2:4], uint16(sig.Reserved1))
	binary.LittleEndian.PutUint16(sub[4:6], sig.SignalID)
	binary.LittleEndian.PutUint16(sub[6:8], uint16(len(sig.Values)))
	enc.buf = append(enc.buf, sub[:]...)

	var v [SampleSize]byte
	for _, sample := range sig.Values {
		PutSample24(v[:], sample)
		enc.buf = append(enc.buf, v[:]...)
	}
}

func (enc *Encoder) aux(seq *AuxSequence) {
	var sub [AuxHdrSize]byte
	binary.LittleEndian.PutUint16(sub[0:2], seq.NumberOfSequence)
	binary.LittleEndian.PutUint16(sub[2:4], seq.Reserved)
	binary.LittleEndian.PutUint16(sub[4:6], seq.SequenceID)
	binary.LittleEndian.PutUint16(sub[6:8], uint16(len(seq.Records)))
	enc.buf = append(enc.buf, sub[:]...)

	var buf [AuxRecordSize]byte
	for _, rec := range seq.Records {
		binary.LittleEndian.PutUint32(buf[0:4], rec.RelOffsetTime)
		buf[4] = rec.Status
		buf[5] = rec.MessageInfo
		buf[6] = rec.DataSize
		buf[7] = rec.Reserved
		binary.LittleEndian.PutUint32(buf[8:12], rec.MessageID)
		copy(buf[12:20], rec.Data[:])
		enc.buf = append(enc.buf, buf[:]...)
	}
}

func (enc *Encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
}

// SampleWriter writes generator samples to the output socket of a
// module. Output sockets carry bare little-endian 32-bit samples,
// without any message header.
type SampleWriter struct {
	w   io.Writer
	buf []byte
	n   int
	err error
}

// NewSampleWriter creates a sample writer that writes to w.
func NewSampleWriter(w io.Writer) *SampleWriter {
	return &SampleWriter{w: w}
}

// Write writes the samples vs.
// Once a write failed, all subsequent writes fail with the same error.
func (sw *SampleWriter) Write(vs []int32) error {
	if sw.err != nil {
		return sw.err
	}
	if n := 4 * len(vs); cap(sw.buf) < n {
		sw.buf = make([]byte, n)
	}
	sw.buf = sw.buf[:4*len(vs)]
	for i, v := range vs {
		binary.LittleEndian.PutUint32(sw.buf[4*i:], uint32(v))
	}
	_, err := sw.w.Write(sw.buf)
	if err != nil {
		sw.err = xerrors.Errorf("stream: could not write %d samples: %w", len(vs), err)
		return sw.err
	}
	sw.n += len(vs)
	return nil
}

// N returns the number of samples written so far.
func (sw *SampleWriter) N() int { return sw.n }
