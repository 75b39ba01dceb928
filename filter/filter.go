// Copyright 2024 Vadim Vygonets.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package filter implements the PNG scanline filters, their inverse,
// and the minimum sum of absolute differences heuristic used to pick
// a filter for a row.
//
// A filtered row is a tag byte holding the filter kind followed by
// the filtered payload.  The row above the first row is all zeros;
// callers pass a zero slice as prev for it.
package filter

import (
	"errors"
	"strconv"
)

// A Kind is a PNG filter type.
type Kind uint8

const (
	None Kind = iota
	Sub
	Up
	Average
	Paeth

	// Adaptive is not a filter type.  Applying it picks one of the
	// above with Choose.
	Adaptive
)

// NumKinds is the number of real filter kinds.
const NumKinds = 5

var names = [...]string{"none", "sub", "up", "average", "paeth", "adaptive"}

func (k Kind) String() string {
	if int(k) < len(names) {
		return names[k]
	}
	return "filter(" + strconv.Itoa(int(k)) + ")"
}

// ErrBadTag is returned by Unfilter for tags above Paeth.
var ErrBadTag = errors.New("filter: invalid filter type")

// Unbounded disables threshold pruning in Probe.
const Unbounded = -1

// A Cost is the result of Probe.  If Pruned is set, the probe stopped
// as soon as Sum exceeded the threshold and Sum is a lower bound.
type Cost struct {
	Sum    int
	Pruned bool
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// paeth returns the Paeth predictor of x given left a, above b and
// upper left c.
func paeth(a, b, c int) int {
	p := a + b - c
	pa, pb, pc := abs(p-a), abs(p-b), abs(p-c)
	if pa <= pb && pa <= pc {
		return a
	} else if pb <= pc {
		return b
	}
	return c
}

// predict returns the predictor for cur[i].
func predict(k Kind, cur, prev []byte, i, bpp int) int {
	var a, c int
	if i >= bpp {
		a = int(cur[i-bpp])
		c = int(prev[i-bpp])
	}
	switch k {
	case Sub:
		return a
	case Up:
		return int(prev[i])
	case Average:
		return (a + int(prev[i])) / 2
	case Paeth:
		return paeth(a, int(prev[i]), c)
	}
	return 0
}

// Probe returns the sum of unwrapped absolute differences between
// cur and the predictions of filter k.  With a threshold of zero or
// more, Probe gives up once the sum exceeds it.  k must be a real
// filter kind.
func Probe(k Kind, cur, prev []byte, bpp, threshold int) Cost {
	bpp = max(bpp, 1)
	sum := 0
	for i, x := range cur {
		sum += abs(int(x) - predict(k, cur, prev, i, bpp))
		if threshold >= 0 && sum > threshold {
			return Cost{sum, true}
		}
	}
	return Cost{Sum: sum}
}

// Choose returns the filter kind with the lowest Probe cost, and the
// cost.  Kinds are tried in order and the first minimum wins.
func Choose(cur, prev []byte, bpp int) (Kind, int) {
	best, bestSum := None, Unbounded
	for k := None; k < NumKinds; k++ {
		c := Probe(k, cur, prev, bpp, bestSum)
		if bestSum < 0 || !c.Pruned && c.Sum < bestSum {
			best, bestSum = k, c.Sum
		}
	}
	return best, bestSum
}

// Apply filters cur with kind k into dst, which must hold
// len(cur)+1 bytes, and returns the kind written to the tag byte.
// For Adaptive that is the kind picked by Choose.
func Apply(dst []byte, k Kind, cur, prev []byte, bpp int) Kind {
	if k == Adaptive {
		k, _ = Choose(cur, prev, bpp)
	}
	bpp = max(bpp, 1)
	dst[0] = byte(k)
	out := dst[1 : len(cur)+1]
	switch k {
	case None:
		copy(out, cur)
	case Sub:
		n := min(bpp, len(cur))
		copy(out[:n], cur[:n])
		for i := n; i < len(cur); i++ {
			out[i] = cur[i] - cur[i-bpp]
		}
	case Up:
		for i, x := range cur {
			out[i] = x - prev[i]
		}
	default:
		for i, x := range cur {
			out[i] = x - byte(predict(k, cur, prev, i, bpp))
		}
	}
	return k
}

// Reapply is like Apply, but if dst already holds a row filtered
// with kind k it is left alone.  dst must contain a valid filtering
// of cur, as left by an earlier Apply.
func Reapply(dst []byte, k Kind, cur, prev []byte, bpp int) Kind {
	if k == Adaptive {
		k, _ = Choose(cur, prev, bpp)
	}
	if Kind(dst[0]) == k {
		return k
	}
	return Apply(dst, k, cur, prev, bpp)
}

// Unfilter reverses the filtering of row in place.  row[0] is the tag
// byte, prev is the unfiltered payload of the row above.
func Unfilter(row, prev []byte, bpp int) error {
	k := Kind(row[0])
	if k >= NumKinds {
		return ErrBadTag
	}
	bpp = max(bpp, 1)
	cur := row[1:]
	switch k {
	case Sub:
		for i := bpp; i < len(cur); i++ {
			cur[i] += cur[i-bpp]
		}
	case Up:
		for i := range cur {
			cur[i] += prev[i]
		}
	case Average, Paeth:
		// predict reads only decoded bytes left of i
		for i := range cur {
			cur[i] += byte(predict(k, cur, prev, i, bpp))
		}
	}
	return nil
}
