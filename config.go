// Copyright 2024 Vadim Vygonets.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pngmin

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/unixdj/pngmin/deflate"
)

var ErrConfig = errors.New("pngmin: invalid configuration")

// Config controls the search.  It is passed by value and never
// modified by the optimizer.
//
// Filter and Refine are filtering levels: level n searches row
// filters at depth n-1 (see searchFiltering), zero disables the
// pass.  Settings is the depth of the compressor settings search.
type Config struct {
	Window     int `yaml:"window"`     // probe window in bytes
	Iterations int `yaml:"iterations"` // Zopfli iterations
	Filter     int `yaml:"filter"`     // first filtering pass, 0-4
	Refine     int `yaml:"refine"`     // second filtering pass, 0-4
	Settings   int `yaml:"settings"`   // settings search depth, 0-3
	Threads    int `yaml:"threads"`    // 0: one per CPU

	// Backends lists the compressors to try.  They always run in
	// the order huffman, lz77, zopfli.  Empty means all.
	Backends []string `yaml:"backends"`

	DryRun    bool `yaml:"dry-run"`   // do not write files
	Keep      bool `yaml:"keep"`      // write NAME_2.png, keep input
	Overwrite bool `yaml:"overwrite"` // replace existing output
	MultiIDAT bool `yaml:"multi-idat"`
	Always    bool `yaml:"always"` // write even without improvement
}

// presets are window, iterations, filter, refine and settings.
var presets = [8][5]int{
	{1, 3, 0, 0, 0},
	{1, 4, 1, 0, 1},
	{1, 5, 1, 0, 2},
	{500, 6, 2, 0, 2},
	{1000, 7, 3, 0, 2},
	{1500, 8, 3, 2, 2},
	{2000, 9, 4, 2, 2},
	{2500, 10, 4, 4, 3},
}

// NumPresets is the number of presets accepted by Preset.
const NumPresets = len(presets)

// DefaultPreset is the preset used by DefaultConfig.
const DefaultPreset = 3

// Preset returns preset n, 0 (fastest) to 7.
func Preset(n int) (Config, error) {
	if n < 0 || n >= len(presets) {
		return Config{}, fmt.Errorf("%w: preset %d", ErrConfig, n)
	}
	p := presets[n]
	return Config{
		Window:     p[0],
		Iterations: p[1],
		Filter:     p[2],
		Refine:     p[3],
		Settings:   p[4],
	}, nil
}

// DefaultConfig returns the default preset.
func DefaultConfig() Config {
	c, _ := Preset(DefaultPreset)
	return c
}

// LoadConfig reads YAML settings from path over base.  A "preset"
// key replaces base with that preset before the other keys apply.
func LoadConfig(path string, base Config) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("Failed to read config file: %w", err)
	}
	var p struct {
		Preset *int `yaml:"preset"`
	}
	if err := yaml.Unmarshal(buf, &p); err != nil {
		return base, fmt.Errorf("Failed to parse config: %w", err)
	}
	c := base
	if p.Preset != nil {
		if c, err = Preset(*p.Preset); err != nil {
			return base, err
		}
	}
	if err := yaml.Unmarshal(buf, &c); err != nil {
		return base, fmt.Errorf("Failed to parse config: %w", err)
	}
	return c, nil
}

var backendNames = []string{"huffman", "lz77", "zopfli"}

// Normalize checks ranges and fills in defaults.  At least one
// filtering pass always runs: if either level is zero, the other one
// becomes the only pass, and with both zero the first pass runs at
// level 1.
func (c Config) Normalize() (Config, error) {
	switch {
	case c.Window < 1:
		return c, fmt.Errorf("%w: window %d", ErrConfig, c.Window)
	case c.Iterations < 1 || c.Iterations > 255:
		return c, fmt.Errorf("%w: iterations %d not in 1-255",
			ErrConfig, c.Iterations)
	case c.Filter < 0 || c.Filter > 4:
		return c, fmt.Errorf("%w: filter level %d not in 0-4",
			ErrConfig, c.Filter)
	case c.Refine < 0 || c.Refine > 4:
		return c, fmt.Errorf("%w: refine level %d not in 0-4",
			ErrConfig, c.Refine)
	case c.Settings < 0 || c.Settings > 3:
		return c, fmt.Errorf("%w: settings level %d not in 0-3",
			ErrConfig, c.Settings)
	}
	for _, b := range c.Backends {
		if !slices.Contains(backendNames, b) {
			return c, fmt.Errorf("%w: unknown backend %q", ErrConfig, b)
		}
	}
	if c.Filter == 0 || c.Refine == 0 {
		c.Filter = max(c.Filter, c.Refine, 1)
		c.Refine = 0
	}
	if c.Threads <= 0 {
		c.Threads = runtime.NumCPU()
	}
	if c.DryRun {
		c.Overwrite = true
	}
	c.Backends = slices.Clone(c.Backends)
	return c, nil
}

// workers returns the size of the worker pool.
func (c Config) workers() int {
	if c.Threads > 0 {
		return c.Threads
	}
	return runtime.NumCPU()
}

// backends returns the compressors to run, cheapest first.
func (c Config) backends() []deflate.Backend {
	all := []deflate.Backend{
		deflate.Fast{Strategy: deflate.HuffmanOnly},
		deflate.Fast{Strategy: deflate.Best},
		deflate.Zopfli{Iterations: c.Iterations},
	}
	if len(c.Backends) == 0 {
		return all
	}
	var bb []deflate.Backend
	for _, b := range all {
		if slices.Contains(c.Backends, b.Name()) {
			bb = append(bb, b)
		}
	}
	return bb
}
