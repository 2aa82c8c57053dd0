// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package main

import (
	"fmt"
	"math/big"
	"os"

	"github.com/holiman/uint256"
	"github.com/naoina/toml"
)

// InstanceConfig is one callable instance in a scenario: an opaque id and a
// coefficient. Coefficient is a decimal string so large literal payloads
// round-trip through uint256 the way EVM-style config fields carry 256-bit
// constants, rather than overflowing a bare float64 field.
type InstanceConfig struct {
	ID          int    `toml:"id"`
	Coefficient string `toml:"coefficient"`
}

// Config is the optional scenario file loaded with --config. When no file is
// given, main falls back to a small built-in scenario so the binary still
// runs with zero setup.
type Config struct {
	Scenario  string           `toml:"scenario"`
	Instances []InstanceConfig `toml:"instances"`
}

// LoadConfig reads and decodes a TOML scenario file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("probec-dispatch: open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("probec-dispatch: decode config: %w", err)
	}
	return &cfg, nil
}

// coefficients resolves the config's decimal coefficient strings to
// float64s for the demo's UserFn, via uint256 so a coefficient specified as
// a 256-bit integer literal (e.g. a fixed-point scale factor) parses without
// silently overflowing a machine int first.
func (c *Config) coefficients() (map[uintptr]float64, error) {
	out := make(map[uintptr]float64, len(c.Instances))
	for _, inst := range c.Instances {
		v, err := parseCoefficient(inst.Coefficient)
		if err != nil {
			return nil, fmt.Errorf("probec-dispatch: instance %d: %w", inst.ID, err)
		}
		out[uintptr(inst.ID)] = v
	}
	return out, nil
}

func parseCoefficient(s string) (float64, error) {
	if s == "" {
		return 1, nil
	}
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal coefficient %q: %w", s, err)
	}
	f, _ := new(big.Float).SetInt(u.ToBig()).Float64()
	return f, nil
}
