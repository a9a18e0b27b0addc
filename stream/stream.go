// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stream holds functions to encode and decode the binary
// data stream sent by LAN-XI modules over their streaming TCP socket.
//
// A stream is a sequence of messages, each made of a fixed-size
// little-endian Header followed by exactly Header.DataLength bytes
// of payload.
package stream // import "github.com/go-lpc/lanxi/stream"

import (
	"errors"
)

const (
	HeaderSize     = 28 // size of a streaming header, in bytes
	SignalHdrSize  = 8  // size of the signal data sub-header, in bytes
	AuxHdrSize     = 8  // size of the aux sequence sub-header, in bytes
	AuxRecordSize  = 20 // size of a single aux sequence record, in bytes
	SampleSize     = 3  // size of a packed signal sample, in bytes
	CANSequenceOff = 100
)

var (
	// ErrFraming is returned when a header or payload is too short
	// for the layout it claims.
	ErrFraming = errors.New("stream: framing error")

	// ErrPartialRead is returned when the connection was closed in the
	// middle of a message.
	ErrPartialRead = errors.New("stream: partial read")
)

// MessageType identifies the kind of payload following a header.
type MessageType uint16

const (
	SignalDataType  MessageType = 1
	AuxSequenceType MessageType = 11
)

func (mt MessageType) String() string {
	switch mt {
	case SignalDataType:
		return "SignalData"
	case AuxSequenceType:
		return "AuxSequenceData"
	}
	return "Unknown"
}

// Header is the fixed-size header preceding every message.
type Header struct {
	Magic           [2]byte
	HeaderLength    uint16
	MessageType     MessageType
	Reserved1       int16
	Reserved2       int32
	TimestampFamily uint32
	Timestamp       uint64
	DataLength      uint32 // number of payload bytes following the header
}

// SignalData is the payload of a SignalDataType message.
type SignalData struct {
	NumberOfSignals uint16
	Reserved1       int16
	SignalID        uint16 // 1-based input channel index
	Values          []int32
}

// AuxSequence is the payload of an AuxSequenceType message.
// CAN bus messages are sent as aux sequences.
type AuxSequence struct {
	NumberOfSequence uint16
	Reserved         uint16
	SequenceID       uint16
	Records          []AuxRecord
}

// CANChannel returns the 1-based CAN channel the sequence was recorded on.
func (seq *AuxSequence) CANChannel() int {
	return int(seq.SequenceID) - CANSequenceOff
}

// AuxRecord is a single CAN message.
type AuxRecord struct {
	RelOffsetTime uint32
	Status        uint8
	MessageInfo   uint8
	DataSize      uint8
	Reserved      uint8
	MessageID     uint32
	Data          [8]byte
}

// Message is a decoded streaming message.
// Only one of Signal or Aux is populated, depending on Header.MessageType.
// Raw holds the payload of message types this package does not interpret.
type Message struct {
	Header Header
	Signal SignalData
	Aux    AuxSequence
	Raw    []byte
}

// Sample24 assembles a signed 24-bit sample from its packed
// little-endian representation.
func Sample24(low, mid, high byte) int32 {
	return int32(uint32(high)<<24|uint32(mid)<<16|uint32(low)<<8) >> 8
}

// PutSample24 packs v into p as a little-endian 24-bit sample.
// The most significant byte of v is discarded.
func PutSample24(p []byte, v int32) {
	_ = p[2]
	p[0] = byte(v)
	p[1] = byte(v >> 8)
	p[2] = byte(v >> 16)
}
