// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

const (
	defaultSettleDelay = 200 * time.Millisecond
	defaultBufferSize  = 4096

	defaultSyncMaster = `{"synchronization":{"mode":"ptp","domain":42,"preferredMaster":true}}`
	defaultSyncSlave  = `{"synchronization":{"mode":"ptp","domain":42,"preferredMaster":false}}`
)

// Config describes an acquisition session.
type Config struct {
	Modules []Endpoint `yaml:"modules"`

	// Samples is the number of samples to collect per channel.
	Samples int `yaml:"samples"`
	// Duration bounds the time spent streaming.
	// Either Samples or Duration must be set.
	Duration time.Duration `yaml:"duration"`

	// Channels holds the 1-based signal ids every module is expected
	// to stream. When empty, it is inferred from the enabled channels
	// of Setup: modules number their signals from 1, in the order of
	// their enabled input channels.
	Channels []uint16 `yaml:"channels"`

	// MultiSocket streams every input channel on its own socket, as
	// listed by the module. The n-th socket carries the n-th signal.
	MultiSocket bool `yaml:"multi_socket"`

	PTP      bool     `yaml:"ptp"`
	Open     string   `yaml:"open"`  // recorder open parameters (JSON)
	Setup    string   `yaml:"setup"` // input channels setup (JSON)
	SyncMode SyncMode `yaml:"syncmode"`

	// Verify is the hex-encoded 8-byte pattern CAN records are
	// checked against.
	Verify string `yaml:"verify"`

	ReadTimeout time.Duration `yaml:"read_timeout"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	BufferSize  int           `yaml:"buffer_size"`
}

// SyncMode holds the PTP synchronization parameters (JSON) sent to
// master and slave modules.
type SyncMode struct {
	Master string `yaml:"master"`
	Slave  string `yaml:"slave"`
}

// LoadConfig loads a session configuration from the YAML file at path.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, xerrors.Errorf("acq: could not read config: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(raw, &cfg)
	if err != nil {
		return cfg, xerrors.Errorf("acq: could not decode config %q: %w", path, err)
	}

	cfg.applyDefaults()
	err = cfg.validate()
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SyncMode.Master == "" {
		cfg.SyncMode.Master = defaultSyncMaster
	}
	if cfg.SyncMode.Slave == "" {
		cfg.SyncMode.Slave = defaultSyncSlave
	}
	if len(cfg.Modules) == 1 && cfg.Modules[0].Role == "" {
		cfg.Modules[0].Role = Master
	}
	if len(cfg.Channels) == 0 && cfg.Setup != "" {
		cfg.Channels = enabledChannels([]byte(cfg.Setup))
	}
}

func (cfg *Config) validate() error {
	if len(cfg.Modules) == 0 {
		return xerrors.Errorf("acq: no module configured")
	}

	masters := 0
	seen := make(map[string]bool, len(cfg.Modules))
	for _, ep := range cfg.Modules {
		if ep.Addr == "" {
			return xerrors.Errorf("acq: module with empty address")
		}
		if seen[ep.Addr] {
			return xerrors.Errorf("acq: duplicate module %q", ep.Addr)
		}
		seen[ep.Addr] = true
		switch ep.Role {
		case Master:
			masters++
		case Slave:
		default:
			return xerrors.Errorf("acq: invalid role %q for module %q", ep.Role, ep.Addr)
		}
	}
	if masters != 1 {
		return xerrors.Errorf("acq: need exactly one master module (got=%d)", masters)
	}
	if len(cfg.Modules) > 1 && !cfg.PTP {
		return xerrors.Errorf("acq: multi-module sessions need PTP synchronization")
	}

	if cfg.Samples <= 0 && cfg.Duration <= 0 {
		return xerrors.Errorf("acq: need a number of samples or a duration")
	}
	if cfg.Samples < 0 || cfg.Duration < 0 || cfg.ReadTimeout < 0 {
		return xerrors.Errorf("acq: negative samples, duration or read timeout")
	}

	if cfg.Verify != "" {
		_, err := parsePattern(cfg.Verify)
		if err != nil {
			return err
		}
	}

	for _, body := range []struct {
		name string
		v    string
	}{
		{"open", cfg.Open},
		{"setup", cfg.Setup},
		{"syncmode.master", cfg.SyncMode.Master},
		{"syncmode.slave", cfg.SyncMode.Slave},
	} {
		if body.v != "" && !json.Valid([]byte(body.v)) {
			return xerrors.Errorf("acq: invalid JSON for %s", body.name)
		}
	}
	return nil
}

// enabledChannels returns the 1-based signal ids a module streams for
// setup, one per enabled input channel.
// Signal ids follow the order of the enabled channels, not their
// numbers: enabling channels 2 and 4 yields signals 1 and 2.
func enabledChannels(setup []byte) []uint16 {
	var v struct {
		Channels []struct {
			Enabled bool `json:"enabled"`
		} `json:"channels"`
	}
	err := json.Unmarshal(setup, &v)
	if err != nil {
		return nil
	}

	var ids []uint16
	for _, ch := range v.Channels {
		if ch.Enabled {
			ids = append(ids, uint16(len(ids)+1))
		}
	}
	return ids
}

// parsePattern decodes a hex-encoded 8-byte CAN data pattern.
// Spaces and colons between bytes are ignored.
func parsePattern(s string) ([8]byte, error) {
	var pat [8]byte
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return pat, xerrors.Errorf("acq: could not decode CAN pattern %q: %w", s, err)
	}
	if len(raw) != len(pat) {
		return pat, xerrors.Errorf("acq: invalid CAN pattern length (got=%d, want=%d)", len(raw), len(pat))
	}
	copy(pat[:], raw)
	return pat, nil
}
