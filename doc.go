// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lanxi holds code to control and read out networked LAN-XI
// data acquisition modules.
//
// The control plane is driven by package rec, the binary streaming
// data plane is decoded by package stream, and multi-module
// acquisition sessions are run by package acq.
// Modules are located on the local network with package idaarp.
package lanxi // import "github.com/go-lpc/lanxi"

import (
	"runtime/debug"
)

const modPath = "github.com/go-lpc/lanxi"

// Version returns the version of lanxi and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	mod := func(m *debug.Module) (string, string) {
		if r := m.Replace; r != nil {
			switch {
			case r.Path != "" && r.Version != "":
				return r.Path + " " + r.Version, r.Sum
			case r.Version != "":
				return r.Version, r.Sum
			case r.Path != "":
				return r.Path, r.Sum
			}
			return m.Version + "*", ""
		}
		return m.Version, m.Sum
	}

	if b.Main.Path == modPath {
		return mod(&b.Main)
	}
	for _, m := range b.Deps {
		if m.Path == modPath {
			return mod(m)
		}
	}
	return "", ""
}
