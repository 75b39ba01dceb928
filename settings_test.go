// Copyright 2024 Vadim Vygonets.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pngmin

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/zlib"

	"github.com/unixdj/pngmin/deflate"
	"github.com/unixdj/pngmin/filter"
)

func inflate(t *testing.T, z []byte) []byte {
	t.Helper()
	r, err := zlib.NewReader(bytes.NewReader(z))
	if err != nil {
		t.Fatalf("zlib header: %v", err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	return b
}

func TestFilterAll(t *testing.T) {
	m := newImage(17, 8, 2, photo(4))
	c := searchConfig(3)
	for k := filter.None; k <= filter.Adaptive; k++ {
		buf := filterAll(m, k, c)
		if pix := unfilterAll(t, m, buf); !bytes.Equal(pix, m.Pix) {
			t.Errorf("%v: pixels differ", k)
		}
		if k == filter.Adaptive {
			continue
		}
		for y := 0; y < m.Height; y++ {
			if tag := buf[y*(m.Stride+1)]; tag != byte(k) {
				t.Errorf("%v: row %d tag %d", k, y, tag)
			}
		}
	}
}

func TestSearchSettings(t *testing.T) {
	m := newImage(16, 12, 3, photo(5))
	for _, b := range fastBackends {
		searched := filterAll(m, filter.Paeth, searchConfig(2))
		prev := 0
		for depth := 0; depth <= 3; depth++ {
			c := searchConfig(4)
			c.Settings = depth
			cand := searchSettings(m, searched, b, c)
			if cand == nil {
				t.Fatalf("%s depth %d: no result", b.Name(), depth)
			}
			if cand.Size != len(cand.Data) || cand.Backend != b.Name() {
				t.Errorf("%s depth %d: %+v", b.Name(), depth, cand)
			}
			if depth == 0 && cand.Filtering != Searched {
				t.Errorf("%s depth 0: filtering %v", b.Name(), cand.Filtering)
			}
			if depth > 0 && cand.Size > prev {
				t.Errorf("%s depth %d: size %d > %d at depth %d",
					b.Name(), depth, cand.Size, prev, depth-1)
			}
			prev = cand.Size

			var want []byte
			switch cand.Filtering {
			case Searched:
				want = searched
			case AllAdaptive:
				want = filterAll(m, filter.Adaptive, c)
			case AllNone:
				want = filterAll(m, filter.None, c)
			}
			if !bytes.Equal(inflate(t, cand.Data), want) {
				t.Errorf("%s depth %d: %v data differs",
					b.Name(), depth, cand.Filtering)
			}
		}
	}
}

func TestSearchSettingsTies(t *testing.T) {
	// On a zero image all three filterings are identical: the
	// searched one and the first knob set win.
	m := newImage(8, 8, 1, func(x, y, c int) byte { return 0 })
	c := searchConfig(5)
	c.Settings = 3
	searched := filterAll(m, filter.None, c)
	b := deflate.Fast{Strategy: deflate.HuffmanOnly}
	for range 5 {
		cand := searchSettings(m, searched, b, c)
		if cand.Filtering != Searched || cand.Knobs != b.Probe() {
			t.Fatalf("got %v %v", cand.Filtering, cand.Knobs)
		}
	}
}
