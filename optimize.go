// Copyright 2024 Vadim Vygonets.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package pngmin losslessly recompresses the image data of PNG files.

Each row is filtered with the filter that makes the compressed data
smallest, judged by compressing a window of the filtered data ending
at the row.  The result, and the same data filtered uniformly, is
then compressed with several compressor settings.  This is repeated
for each compressor, cheapest first, and the smallest stream wins.

Output replaces the input only if it is smaller and decodes to the
same pixels.  Chunks other than IDAT are copied unchanged.
Interlaced images are not supported.
*/
package pngmin // import "github.com/unixdj/pngmin"

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
)

var (
	ErrNoResult = errors.New("pngmin: no compressor produced output")
	ErrMismatch = errors.New("pngmin: output does not match input")
)

// Optimize searches filterings and compressor settings for the image
// data of m with each backend in turn, cheapest first, and returns
// the smallest stream found.  A later backend replaces the result of
// an earlier one only if it is strictly smaller.
func Optimize(m *Image, c Config) (*Candidate, error) {
	c, err := c.Normalize()
	if err != nil {
		return nil, err
	}
	var best *Candidate
	for _, b := range c.backends() {
		start := time.Now()
		buf := make([]byte, m.FilteredSize())
		stats := searchFiltering(m, buf, b, c.Filter-1, false, c)
		if c.Refine > 0 {
			stats = searchFiltering(m, buf, b, c.Refine-1, true, c)
		}
		slog.Debug("rows filtered", "backend", b.Name(), "filters", stats)
		cand := searchSettings(m, buf, b, c)
		if cand == nil {
			slog.Warn("backend produced no output", "backend", b.Name())
			continue
		}
		slog.Info("backend done",
			"backend", b.Name(),
			"size", humanize.Bytes(uint64(cand.Size)),
			"filtering", cand.Filtering,
			"knobs", cand.Knobs,
			"time", time.Since(start).Round(time.Millisecond),
		)
		if best == nil || cand.Size < best.Size {
			best = cand
		}
	}
	if best == nil {
		return nil, ErrNoResult
	}
	return best, nil
}

// A Result reports the outcome of Run.
type Result struct {
	Input    string
	Output   string // the file written, if any
	Original int    // input image data size
	Best     *Candidate
	Written  bool
	Skipped  bool // single IDAT input in MultiIDAT mode
}

// Change describes the size change from a to b, in the form
// "12 kB -> 10 kB   83.45%".
func Change(a, b int) string {
	if a == b {
		return "No change"
	}
	return fmt.Sprintf("%s -> %s   %.2f%%",
		humanize.Bytes(uint64(a)), humanize.Bytes(uint64(b)),
		float64(int(10000*float64(b)/float64(a)))/100)
}

// OutputPath returns the file Run writes for input path: NAME_2.EXT
// with keep, otherwise a temporary file renamed over the input once
// verified.
func OutputPath(path string, keep bool) string {
	if !keep {
		return path + ".tmp"
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_2" + ext
}

// Run optimizes the PNG file at path.  The input is replaced only by
// output that decodes to identical pixels; with c.Keep it is never
// touched.  Nothing is written when the result is not smaller unless
// c.Always is set.
func Run(path string, c Config) (*Result, error) {
	c, err := c.Normalize()
	if err != nil {
		return nil, err
	}
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := f.Image
	r := &Result{Input: path, Original: f.IDATSize}
	slog.Info("decoded",
		"file", path,
		"size", fmt.Sprintf("%dx%d", m.Width, m.Height),
		"depth", m.BitDepth,
		"channels", m.Channels,
		"idat", humanize.Bytes(uint64(f.IDATSize)),
		"chunks", f.IDATCount,
		"raw", humanize.Bytes(uint64(m.FilteredSize())),
	)
	for _, ch := range f.Chunks() {
		if k, t, ok := ch.Text(); ok {
			slog.Debug("text", "keyword", k, "text", t)
		}
	}
	if c.MultiIDAT && f.IDATCount <= 1 {
		slog.Info("single IDAT chunk, skipping", "file", path)
		r.Skipped = true
		return r, nil
	}

	if r.Best, err = Optimize(m, c); err != nil {
		return r, err
	}
	if c.DryRun || r.Best.Size >= f.IDATSize && !c.Always {
		return r, nil
	}

	out := OutputPath(path, c.Keep)
	if err := f.WriteFile(out, r.Best.Data, c.Overwrite); err != nil {
		return r, err
	}
	if err := Verify(out, m); err != nil {
		return r, err
	}
	if !c.Keep {
		if err := os.Rename(out, path); err != nil {
			return r, err
		}
		out = path
	}
	r.Output, r.Written = out, true
	return r, nil
}

// Verify decodes the PNG file at path and compares it to want.  If
// it fails to decode or differs in geometry or pixels, the file is
// removed and an error wrapping ErrMismatch returned.
func Verify(path string, want *Image) error {
	f, err := ReadFile(path)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMismatch, err)
	} else {
		err = compare(f.Image, want)
	}
	if err != nil {
		if rerr := os.Remove(path); rerr != nil {
			slog.Error("Could not remove output", "file", path,
				tint.Err(rerr))
		}
		return err
	}
	return nil
}

func compare(got, want *Image) error {
	for _, d := range []struct {
		name      string
		got, want int
	}{
		{"width", got.Width, want.Width},
		{"height", got.Height, want.Height},
		{"channels", got.Channels, want.Channels},
		{"bit depth", got.BitDepth, want.BitDepth},
		{"stride", got.Stride, want.Stride},
	} {
		if d.got != d.want {
			return fmt.Errorf("%w: %s %d, want %d",
				ErrMismatch, d.name, d.got, d.want)
		}
	}
	if bytes.Equal(got.Pix, want.Pix) {
		return nil
	}
	n := 0
	for i := range want.Pix {
		if got.Pix[i] != want.Pix[i] {
			n++
		}
	}
	return fmt.Errorf("%w: %d bytes differ", ErrMismatch, n)
}
