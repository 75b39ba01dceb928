// Copyright 2024 Vadim Vygonets.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package deflate

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// Fast is the klauspost/compress DEFLATE backend.  Strategy selects
// the encoder used by Probe.
type Fast struct {
	Strategy Strategy
}

func (f Fast) sealed() {}

func (f Fast) Name() string { return f.Strategy.String() }

func (f Fast) Probe() Knobs { return Knobs{Strategy: f.Strategy} }

// Variants returns one knob set at depth 0 and 1 (tried with one and
// three filterings), and at depth 2 and above the standard encoder
// followed by the custom window encoder at every window size from
// 32 KB down to 256 bytes.  The window is meaningless for Huffman
// only coding, which always gets a single set.
func (f Fast) Variants(depth int) (int, []Knobs) {
	k := f.Probe()
	switch {
	case depth <= 0:
		return 1, []Knobs{k}
	case depth == 1 || f.Strategy == HuffmanOnly:
		return 3, []Knobs{k}
	}
	ks := []Knobs{k}
	for w := 15; w >= 8; w-- {
		k.Window = w
		ks = append(ks, k)
	}
	return 3, ks
}

func (f Fast) deflate(w io.Writer, p []byte, k Knobs) error {
	var (
		fw  *flate.Writer
		err error
	)
	switch {
	case k.Strategy == HuffmanOnly:
		fw, err = flate.NewWriter(w, flate.HuffmanOnly)
	case k.Window == 0:
		fw, err = flate.NewWriter(w, flate.BestCompression)
	default:
		fw, err = flate.NewWriterWindow(w, 1<<k.Window)
	}
	if err != nil {
		return err
	}
	if _, err = fw.Write(p); err != nil {
		return err
	}
	return fw.Close()
}

func (f Fast) Measure(p []byte, k Knobs) (int, error) {
	var c counter
	if err := f.deflate(&c, p, k); err != nil {
		return 0, err
	}
	return zlibOverhead + int(c), nil
}

func (f Fast) Compress(p []byte, k Knobs) ([]byte, error) {
	wbits, flevel := 15, 3
	if k.Strategy == HuffmanOnly {
		flevel = 0
	} else if k.Window != 0 {
		wbits = k.Window
	}
	return frame(p, wbits, flevel, func(b *bytes.Buffer) error {
		return f.deflate(b, p, k)
	})
}
