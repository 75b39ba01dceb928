// Copyright 2024 Vadim Vygonets.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package deflate wraps the compressors used to build PNG image data.

Two backends are provided, ordered by cost.  Fast drives the
klauspost/compress DEFLATE encoder with a choice of strategy and
window size and is cheap enough to probe thousands of times per
image.  Zopfli runs the iterative Zopfli encoder; it is one or two
orders of magnitude slower and usually 3-8% smaller.

Both produce zlib streams, the format PNG stores in IDAT chunks.
Measure reports the length Compress would return without keeping the
output.
*/
package deflate

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrEmpty is returned when a backend produces no output for
// non-empty input.
var ErrEmpty = errors.New("deflate: empty output")

// A Strategy selects the Fast backend's encoder.
type Strategy uint8

const (
	Best        Strategy = iota // LZ77 + Huffman at maximum effort
	HuffmanOnly                 // Huffman coding of literals only
)

func (s Strategy) String() string {
	if s == HuffmanOnly {
		return "huffman"
	}
	return "lz77"
}

// Knobs is one compressor configuration.  Fields a backend does not
// use are ignored.
type Knobs struct {
	Strategy Strategy

	// Window is the base 2 logarithm of the LZ77 window, 8 to 15.
	// Zero selects the standard level 9 encoder.
	Window int

	// Zopfli settings.
	Iterations        int
	BlockSplitting    bool
	BlockSplittingMax int // 0: unlimited
}

func (k Knobs) String() string {
	if k.Iterations != 0 {
		return fmt.Sprintf("i=%d bs=%t bsmax=%d",
			k.Iterations, k.BlockSplitting, k.BlockSplittingMax)
	}
	return fmt.Sprintf("s=%v w=%d", k.Strategy, k.Window)
}

// A Backend compresses bytes into a zlib stream.  Backends are
// stateless and safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Measure returns the length of the stream Compress would
	// produce, or a cheap stand-in for it.
	Measure(p []byte, k Knobs) (int, error)

	// Compress returns the zlib stream.
	Compress(p []byte, k Knobs) ([]byte, error)

	// Probe returns the knobs used for windowed measurements.
	Probe() Knobs

	// Variants returns the knob sets tried at the given search
	// depth, cheapest first, and the number of alternative image
	// filterings each set should be tried with.
	Variants(depth int) (filterings int, knobs []Knobs)

	sealed()
}

// counter is an io.Writer counting bytes written.
type counter int

func (c *counter) Write(p []byte) (int, error) {
	*c += counter(len(p))
	return len(p), nil
}

// zlib framing: two header bytes, four byte Adler-32 trailer.
const zlibOverhead = 2 + 4

// zlibHeader returns the CMF and FLG bytes for a window of 1<<wbits
// bytes and compression level hint flevel (0-3).
func zlibHeader(wbits, flevel int) [2]byte {
	cmf := byte(wbits-8)<<4 | 8 // deflate
	flg := byte(flevel << 6)
	if r := (int(cmf)<<8 | int(flg)) % 31; r != 0 {
		flg += byte(31 - r)
	}
	return [2]byte{cmf, flg}
}

// frame wraps a raw DEFLATE stream produced by enc in zlib framing.
func frame(p []byte, wbits, flevel int, enc func(*bytes.Buffer) error) ([]byte, error) {
	var b bytes.Buffer
	b.Grow(len(p)/2 + 64)
	h := zlibHeader(wbits, flevel)
	b.Write(h[:])
	if err := enc(&b); err != nil {
		return nil, err
	}
	var d adigest
	d.Reset()
	d.Write(p)
	s := d.Sum32()
	b.Write([]byte{byte(s >> 24), byte(s >> 16), byte(s >> 8), byte(s)})
	return b.Bytes(), nil
}

type adigest struct {
	a, b uint32
}

func (d *adigest) Reset() { d.a, d.b = 1, 0 }

const (
	amod = 65521
	// anmax is the largest n such that
	// 255 * n * (n+1) / 2 + (n+1) * (amod-1) <= 2^32-1.
	anmax = 5552
)

func (d *adigest) Write(p []byte) {
	// invariant: a, b < amod
	a, b := d.a, d.b
	for len(p) > 0 {
		q := p[:min(len(p), anmax)]
		p = p[len(q):]
		for _, pi := range q {
			a += uint32(pi)
			b += a
		}
		a %= amod
		b %= amod
	}
	d.a, d.b = a, b
}

func (d *adigest) Sum32() uint32 { return d.b<<16 | d.a }
