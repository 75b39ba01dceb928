// Copyright 2024 Vadim Vygonets.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pngmin

/*
Row Filter Search

Rows are filtered top to bottom.  For each row a few filterings are
tried, each is written into a private copy of the trailing part of
the filtered data (the window) and the window is measured with the
backend's probe settings.  The smallest result wins and is committed
before the next row starts, so every probe sees the final filtering of
the rows above it.

Depth selects the filterings tried:

	0: none, adaptive; refining: also the row's current kind
	1: the five filter kinds
	2: the five kinds x next row none, same as this row, adaptive
	3: the five kinds x the five kinds for the next row

At depth 2 and 3 the window ends after the next row.  When refining,
every row already holds a valid filtering, and the window extends a
third of its length past the rows under test.

Candidates that would duplicate another are skipped: keeping None,
adaptive picking None or the kept kind, next row "same" after None,
adaptive next row picking None or the current kind, and next row
variants on the last row.
*/

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/unixdj/pngmin/deflate"
	"github.com/unixdj/pngmin/filter"
)

// A rowCandidate is a filtering of the current row and, at depth 2
// and above, of the next one.
type rowCandidate struct {
	cur     filter.Kind
	keep    bool        // cur is the row's kind from the previous pass
	next    filter.Kind // next row's kind unless same is set
	same    bool        // next row uses the kind applied to this row
	variant int         // next row choice; 0 for none
}

// rowCandidates returns the filterings tried at depth.  kept is the
// row's current kind when refining.
func rowCandidates(depth int, refine bool, kept filter.Kind) []rowCandidate {
	var rc []rowCandidate
	switch depth {
	case 0:
		rc = []rowCandidate{{cur: filter.None}, {cur: filter.Adaptive}}
		if refine {
			rc = append(rc, rowCandidate{cur: kept, keep: true})
		}
	case 1:
		for k := filter.None; k < filter.NumKinds; k++ {
			rc = append(rc, rowCandidate{cur: k})
		}
	case 2:
		for v, next := range [3]filter.Kind{filter.None, filter.None, filter.Adaptive} {
			for k := filter.None; k < filter.NumKinds; k++ {
				rc = append(rc, rowCandidate{cur: k, next: next,
					same: v == 1, variant: v})
			}
		}
	default:
		for next := filter.None; next < filter.NumKinds; next++ {
			for k := filter.None; k < filter.NumKinds; k++ {
				rc = append(rc, rowCandidate{cur: k, next: next,
					variant: int(next)})
			}
		}
	}
	return rc
}

// rowBest holds the best candidate for a row.  Smaller size wins,
// then lower filter kind, then lower candidate index.
type rowBest struct {
	mu   sync.Mutex
	ok   bool
	size int
	kind filter.Kind
	idx  int
}

func (b *rowBest) reset() {
	b.ok, b.size, b.kind, b.idx = false, 0, filter.None, 0
}

func (b *rowBest) offer(size int, k filter.Kind, idx int) {
	if size <= 0 {
		return // degenerate measurement never wins
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ok || size < b.size || size == b.size &&
		(k < b.kind || k == b.kind && idx < b.idx) {
		b.ok, b.size, b.kind, b.idx = true, size, k, idx
	}
}

type scratch struct {
	rows []byte // current and next row
	win  []byte
}

// A rowSearch is the state of searchFiltering.  The second group of
// fields is set for each row before its candidates run and is read
// only while they do.
type rowSearch struct {
	m       *Image
	buf     []byte
	backend deflate.Backend
	probe   deflate.Knobs
	depth   int
	refine  bool
	stride  int
	zero    []byte
	scratch []scratch

	y    int
	last bool
	kept filter.Kind
	pos  int // window offset in buf
	n    int // window length
	best rowBest
}

// apply filters row y of the image into dst with kind k.  When
// refining, dst starts as a copy of the row's current filtering.
func (s *rowSearch) apply(dst []byte, k filter.Kind, y int) filter.Kind {
	cur, prev := s.m.Row(y), s.m.above(y, s.zero)
	if s.refine {
		copy(dst, s.buf[y*s.stride:(y+1)*s.stride])
		return filter.Reapply(dst, k, cur, prev, s.m.BPP)
	}
	return filter.Apply(dst, k, cur, prev, s.m.BPP)
}

// overlay copies the part of src, located at offset srcPos of the
// filtered data, that falls into dst, located at dstPos.
func overlay(dst []byte, dstPos int, src []byte, srcPos int) {
	lo := max(dstPos, srcPos)
	hi := min(dstPos+len(dst), srcPos+len(src))
	if lo < hi {
		copy(dst[lo-dstPos:hi-dstPos], src[lo-srcPos:hi-srcPos])
	}
}

// eval measures candidate i of the current row.
func (s *rowSearch) eval(i int, rc rowCandidate) {
	if rc.keep && rc.cur == filter.None ||
		rc.variant != 0 && s.last ||
		rc.same && rc.cur == filter.None {
		return
	}
	sc := &s.scratch[i]
	row := sc.rows[:s.stride]
	applied := s.apply(row, rc.cur, s.y)
	if rc.cur == filter.Adaptive &&
		(applied == filter.None || s.refine && applied == s.kept) {
		return
	}

	hasNext := s.depth >= 2 && !s.last
	var next []byte
	if hasNext {
		next = sc.rows[s.stride:]
		k := rc.next
		if rc.same {
			k = applied
		}
		got := s.apply(next, k, s.y+1)
		if k == filter.Adaptive && (got == filter.None || got == applied) {
			return
		}
	}

	win := sc.win[:s.n]
	copy(win, s.buf[s.pos:s.pos+s.n])
	overlay(win, s.pos, row, s.y*s.stride)
	if hasNext {
		overlay(win, s.pos, next, (s.y+1)*s.stride)
	}
	n, err := s.backend.Measure(win, s.probe)
	if err != nil {
		slog.Debug("probe failed", "backend", s.backend.Name(),
			"row", s.y, "err", err)
		return
	}
	s.best.offer(n, applied, i)
}

// searchFiltering picks a filter for each row of m and writes the
// filtered data to buf.  When refining, buf must hold a complete
// filtering, which is improved in place.  It returns the number of
// rows using each filter kind.
func searchFiltering(m *Image, buf []byte, b deflate.Backend, depth int, refine bool, c Config) [filter.NumKinds]int {
	stride := m.Stride + 1
	win := max(c.Window, stride)
	if depth >= 2 {
		win = max(win, 2*stride)
	}
	s := &rowSearch{
		m:       m,
		buf:     buf,
		backend: b,
		probe:   b.Probe(),
		depth:   depth,
		refine:  refine,
		stride:  stride,
		zero:    make([]byte, m.Stride),
	}
	s.scratch = make([]scratch, len(rowCandidates(depth, refine, filter.None)))
	for i := range s.scratch {
		s.scratch[i] = scratch{
			rows: make([]byte, 2*stride),
			win:  make([]byte, win+win/3),
		}
	}

	var stats [filter.NumKinds]int
	for y := 0; y < m.Height; y++ {
		dst := buf[y*stride : (y+1)*stride]
		s.y, s.last = y, y+1 == m.Height
		s.kept = filter.Kind(dst[0])
		if !refine || s.kept >= filter.NumKinds {
			s.kept = filter.None
		}
		end := y + 1
		if depth >= 2 {
			end = min(y+2, m.Height)
		}
		s.n = min(win, stride*end)
		s.pos = stride*end - s.n
		if refine {
			s.n = min(s.n+win/3, stride*m.Height-s.pos)
		}
		s.best.reset()

		var g errgroup.Group
		g.SetLimit(c.workers())
		for i, rc := range rowCandidates(depth, refine, s.kept) {
			g.Go(func() error {
				s.eval(i, rc)
				return nil
			})
		}
		g.Wait()

		k := filter.None
		if s.best.ok {
			k = s.best.kind
		}
		if refine {
			filter.Reapply(dst, k, m.Row(y), m.above(y, s.zero), m.BPP)
		} else {
			filter.Apply(dst, k, m.Row(y), m.above(y, s.zero), m.BPP)
		}
		stats[k]++
	}
	return stats
}
