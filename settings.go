// Copyright 2024 Vadim Vygonets.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pngmin

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/unixdj/pngmin/deflate"
	"github.com/unixdj/pngmin/filter"
)

// A Filtering identifies one of the full image filterings tried by
// the settings search.
type Filtering uint8

const (
	Searched    Filtering = iota // result of the row filter search
	AllAdaptive                  // every row filtered with filter.Adaptive
	AllNone                      // every row unfiltered
)

func (f Filtering) String() string {
	return [...]string{"searched", "adaptive", "none"}[f]
}

// A Candidate is a compressed image data stream.
type Candidate struct {
	Backend   string
	Filtering Filtering
	Knobs     deflate.Knobs
	Size      int
	Data      []byte
}

// filterAll filters every row of m with kind k.
func filterAll(m *Image, k filter.Kind, c Config) []byte {
	stride := m.Stride + 1
	buf := make([]byte, m.FilteredSize())
	zero := make([]byte, m.Stride)
	var g errgroup.Group
	g.SetLimit(c.workers())
	for y := 0; y < m.Height; y++ {
		g.Go(func() error {
			filter.Apply(buf[y*stride:(y+1)*stride], k,
				m.Row(y), m.above(y, zero), m.BPP)
			return nil
		})
	}
	g.Wait()
	return buf
}

// searchSettings compresses each filtering with each knob set the
// backend offers at c.Settings and returns the smallest stream, ties
// going to the earlier filtering, then the earlier knob set.  It
// returns nil if the backend produced nothing.
func searchSettings(m *Image, searched []byte, b deflate.Backend, c Config) *Candidate {
	nf, knobs := b.Variants(c.Settings)
	bufs := [][]byte{searched}
	if nf > 1 {
		bufs = append(bufs, filterAll(m, filter.Adaptive, c))
	}
	if nf > 2 {
		bufs = append(bufs, filterAll(m, filter.None, c))
	}

	var (
		mu      sync.Mutex
		best    *Candidate
		bestOrd int
		g       errgroup.Group
	)
	g.SetLimit(c.workers())
	for fi, buf := range bufs {
		for ki, k := range knobs {
			ord := fi*len(knobs) + ki
			g.Go(func() error {
				data, err := b.Compress(buf, k)
				if err == nil && len(data) == 0 {
					err = deflate.ErrEmpty
				}
				if err != nil {
					slog.Debug("compression failed",
						"backend", b.Name(), "knobs", k, "err", err)
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				if best == nil || len(data) < best.Size ||
					len(data) == best.Size && ord < bestOrd {
					// the previous best is dropped here
					best = &Candidate{
						Backend:   b.Name(),
						Filtering: Filtering(fi),
						Knobs:     k,
						Size:      len(data),
						Data:      data,
					}
					bestOrd = ord
				}
				return nil
			})
		}
	}
	g.Wait()
	return best
}
