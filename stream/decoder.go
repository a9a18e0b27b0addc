// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/xerrors"
)

// maxDataLength caps the payload size announced by a header.
const maxDataLength = 64 << 20

// DecodeHeader decodes a streaming header from the first HeaderSize bytes of p.
func DecodeHeader(p []byte) (Header, error) {
	var hdr Header
	if len(p) < HeaderSize {
		return hdr, xerrors.Errorf(
			"stream: header too short (got=%d, want=%d): %w",
			len(p), HeaderSize, ErrFraming,
		)
	}
	decodeHeader(&hdr, p)
	return hdr, nil
}

func decodeHeader(hdr *Header, p []byte) {
	copy(hdr.Magic[:], p[0:2])
	hdr.HeaderLength = binary.LittleEndian.Uint16(p[2:4])
	hdr.MessageType = MessageType(binary.LittleEndian.Uint16(p[4:6]))
	hdr.Reserved1 = int16(binary.LittleEndian.Uint16(p[6:8]))
	hdr.Reserved2 = int32(binary.LittleEndian.Uint32(p[8:12]))
	hdr.TimestampFamily = binary.LittleEndian.Uint32(p[12:16])
	hdr.Timestamp = binary.LittleEndian.Uint64(p[16:24])
	hdr.DataLength = binary.LittleEndian.Uint32(p[24:28])
}

// DecodeSignalData decodes the payload of a signal data message.
func DecodeSignalData(p []byte) (SignalData, error) {
	var sig SignalData
	err := decodeSignalData(&sig, p)
	return sig, err
}

func decodeSignalData(sig *SignalData, p []byte) error {
	if len(p) < SignalHdrSize {
		return xerrors.Errorf(
			"stream: signal data sub-header too short (got=%d, want=%d): %w",
			len(p), SignalHdrSize, ErrFraming,
		)
	}
	sig.NumberOfSignals = binary.LittleEndian.Uint16(p[0:2])
	sig.Reserved1 = int16(binary.LittleEndian.Uint16(p[2:4]))
	sig.SignalID = binary.LittleEndian.Uint16(p[4:6])
	n := int(binary.LittleEndian.Uint16(p[6:8]))

	p = p[SignalHdrSize:]
	if len(p) < n*SampleSize {
		return xerrors.Errorf(
			"stream: signal %d declares %d values but holds %d bytes: %w",
			sig.SignalID, n, len(p), ErrFraming,
		)
	}

	if cap(sig.Values) < n {
		sig.Values = make([]int32, n)
	}
	sig.Values = sig.Values[:n]
	for i := range sig.Values {
		j := i * SampleSize
		sig.Values[i] = Sample24(p[j], p[j+1], p[j+2])
	}
	return nil
}

// DecodeAuxSequence decodes the payload of an aux sequence message.
func DecodeAuxSequence(p []byte) (AuxSequence, error) {
	var seq AuxSequence
	err := decodeAuxSequence(&seq, p)
	return seq, err
}

func decodeAuxSequence(seq *AuxSequence, p []byte) error {
	if len(p) < AuxHdrSize {
		return xerrors.Errorf(
			"stream: aux sequence sub-header too short (got=%d, want=%d): %w",
			len(p), AuxHdrSize, ErrFraming,
		)
	}
	seq.NumberOfSequence = binary.LittleEndian.Uint16(p[0:2])
	seq.Reserved = binary.LittleEndian.Uint16(p[2:4])
	seq.SequenceID = binary.LittleEndian.Uint16(p[4:6])
	n := int(binary.LittleEndian.Uint16(p[6:8]))

	p = p[AuxHdrSize:]
	if len(p) < n*AuxRecordSize {
		return xerrors.Errorf(
			"stream: aux sequence %d declares %d records but holds %d bytes: %w",
			seq.SequenceID, n, len(p), ErrFraming,
		)
	}

	if cap(seq.Records) < n {
		seq.Records = make([]AuxRecord, n)
	}
	seq.Records = seq.Records[:n]
	for i := range seq.Records {
		var (
			rec = &seq.Records[i]
			buf = p[i*AuxRecordSize : (i+1)*AuxRecordSize]
		)
		rec.RelOffsetTime = binary.LittleEndian.Uint32(buf[0:4])
		rec.Status = buf[4]
		rec.MessageInfo = buf[5]
		rec.DataSize = buf[6]
		rec.Reserved = buf[7]
		rec.MessageID = binary.LittleEndian.Uint32(buf[8:12])
		copy(rec.Data[:], buf[12:20])
	}
	return nil
}

// Decoder reads messages from an underlying data stream.
type Decoder struct {
	r io.Reader

	hdr [HeaderSize]byte
	buf []byte
	err error
}

// NewDecoder creates a decoder that reads messages from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, 0, 1024),
	}
}

// Next reads the next message from the stream into msg.
//
// Next returns io.EOF when the stream ended cleanly on a message
// boundary, and an error wrapping ErrPartialRead when it ended in the
// middle of a message.
// msg.Raw aliases an internal buffer, valid until the next call to Next.
func (dec *Decoder) Next(msg *Message) error {
	if dec.err != nil {
		return dec.err
	}

	dec.read(dec.hdr[:])
	switch {
	case dec.err == nil:
	case errors.Is(dec.err, io.EOF):
		return dec.err
	case errors.Is(dec.err, io.ErrUnexpectedEOF):
		dec.err = xerrors.Errorf("stream: could not read header: %w", ErrPartialRead)
		return dec.err
	default:
		dec.err = xerrors.Errorf("stream: could not read header: %w", dec.err)
		return dec.err
	}

	decodeHeader(&msg.Header, dec.hdr[:])
	n := msg.Header.DataLength
	if n > maxDataLength {
		dec.err = xerrors.Errorf(
			"stream: invalid payload length (got=%d, max=%d): %w",
			n, maxDataLength, ErrFraming,
		)
		return dec.err
	}

	dec.load(int(n))
	if dec.err != nil {
		if errors.Is(dec.err, io.EOF) || errors.Is(dec.err, io.ErrUnexpectedEOF) {
			dec.err = ErrPartialRead
		}
		dec.err = xerrors.Errorf(
			"stream: could not read %v payload (%d bytes): %w",
			msg.Header.MessageType, n, dec.err,
		)
		return dec.err
	}

	msg.Raw = dec.buf
	switch msg.Header.MessageType {
	case SignalDataType:
		err := decodeSignalData(&msg.Signal, dec.buf)
		if err != nil {
			return xerrors.Errorf("stream: could not decode signal data: %w", err)
		}
	case AuxSequenceType:
		err := decodeAuxSequence(&msg.Aux, dec.buf)
		if err != nil {
			return xerrors.Errorf("stream: could not decode aux sequence: %w", err)
		}
	}

	return nil
}

func (dec *Decoder) read(p []byte) {
	if dec.err != nil {
		return
	}
	_, dec.err = io.ReadFull(dec.r, p)
}

func (dec *Decoder) load(n int) {
	if dec.err != nil {
		return
	}
	if cap(dec.buf) < n {
		dec.buf = make([]byte, n)
	}
	dec.buf = dec.buf[:n]
	_, dec.err = io.ReadFull(dec.r, dec.buf)
}
