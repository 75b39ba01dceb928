// Copyright 2024 Vadim Vygonets.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package deflate

import (
	"bytes"

	"github.com/foobaz/go-zopfli/zopfli"
)

// Zopfli is the iterative Zopfli backend.  Iterations is used by
// Variants; Probe always runs a single iteration.
type Zopfli struct {
	Iterations int
}

func (z Zopfli) sealed() {}

func (z Zopfli) Name() string { return "zopfli" }

func (z Zopfli) Probe() Knobs { return Knobs{Iterations: 1} }

// Variants returns, by depth:
//
//	0: 1 filtering  x no block splitting
//	1: 1 filtering  x no splitting, splitting
//	2: 2 filterings x no splitting, splitting, splitting into <= 15 blocks
//	3: 3 filterings x the same three
func (z Zopfli) Variants(depth int) (int, []Knobs) {
	off := Knobs{Iterations: max(z.Iterations, 1)}
	on := off
	on.BlockSplitting = true
	capped := on
	capped.BlockSplittingMax = 15
	switch {
	case depth <= 0:
		return 1, []Knobs{off}
	case depth == 1:
		return 1, []Knobs{off, on}
	case depth == 2:
		return 2, []Knobs{off, on, capped}
	}
	return 3, []Knobs{off, on, capped}
}

func (z Zopfli) options(k Knobs) *zopfli.Options {
	o := zopfli.DefaultOptions()
	o.NumIterations = max(k.Iterations, 1)
	o.BlockSplitting = k.BlockSplitting
	o.BlockSplittingMax = k.BlockSplittingMax
	return &o
}

func (z Zopfli) Measure(p []byte, k Knobs) (int, error) {
	var c counter
	if err := zopfli.ZlibCompress(z.options(k), p, &c); err != nil {
		return 0, err
	}
	return int(c), nil
}

func (z Zopfli) Compress(p []byte, k Knobs) ([]byte, error) {
	var b bytes.Buffer
	if err := zopfli.ZlibCompress(z.options(k), p, &b); err != nil {
		return nil, err
	}
	if b.Len() == 0 && len(p) != 0 {
		return nil, ErrEmpty
	}
	return b.Bytes(), nil
}
