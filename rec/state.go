// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rec

import (
	"encoding/json"
)

// State is the state of the recorder application of a module.
//
// Valid states are ordered:
//
//	Idle < RecorderOpened < RecorderConfiguring < RecorderStreaming < RecorderRecording
//
// PostFailed is terminal and does not take part in the ordering.
type State int

const (
	Unknown State = iota
	Idle
	RecorderOpened
	RecorderConfiguring
	RecorderStreaming
	RecorderRecording
	PostFailed
)

var stateNames = [...]string{
	Unknown:             "Unknown",
	Idle:                "Idle",
	RecorderOpened:      "RecorderOpened",
	RecorderConfiguring: "RecorderConfiguring",
	RecorderStreaming:   "RecorderStreaming",
	RecorderRecording:   "RecorderRecording",
	PostFailed:          "PostFailed",
}

func (st State) String() string {
	if st < 0 || int(st) >= len(stateNames) {
		return stateNames[Unknown]
	}
	return stateNames[st]
}

// ParseState returns the state named s, or Unknown.
func ParseState(s string) State {
	for i, name := range stateNames {
		if name == s {
			return State(i)
		}
	}
	return Unknown
}

// ordered reports whether st takes part in the recorder state chain.
func (st State) ordered() bool {
	return Idle <= st && st <= RecorderRecording
}

func (st State) MarshalJSON() ([]byte, error) {
	return json.Marshal(st.String())
}

func (st *State) UnmarshalJSON(p []byte) error {
	var s string
	err := json.Unmarshal(p, &s)
	if err != nil {
		return err
	}
	*st = ParseState(s)
	return nil
}

// Well-known values of the input and PTP status fields.
const (
	InputSampling     = "Sampling"
	InputSettled      = "Settled"
	InputSynchronized = "Synchronized"

	PTPLocked = "Locked"
)

// Status is the status of a module, as reported by its control plane.
type Status struct {
	ModuleState       State  `json:"moduleState"`
	InputStatus       string `json:"inputStatus"`
	PtpStatus         string `json:"ptpStatus"`
	CanStartStreaming bool   `json:"canStartStreaming"`
}
