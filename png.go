// Copyright 2011 The Go Authors.  All rights reserved.
// Copyright 2024 Vadim Vygonets.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pngmin

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/zlib"

	"github.com/unixdj/pngmin/filter"
)

var (
	ErrSignature   = errors.New("pngmin: not a PNG file")
	ErrChunk       = errors.New("pngmin: malformed chunk")
	ErrCRC         = errors.New("pngmin: chunk checksum mismatch")
	ErrHeader      = errors.New("pngmin: invalid IHDR chunk")
	ErrInterlaced  = errors.New("pngmin: interlaced images are not supported")
	ErrNoData      = errors.New("pngmin: no IDAT chunk")
	ErrRowMismatch = errors.New("pngmin: image data size does not match geometry")
	ErrLargeImage  = errors.New("pngmin: image data too large")
	ErrExists      = errors.New("pngmin: output file exists")
)

const pngHeader = "\x89PNG\r\n\x1a\n"

// An Image holds decoded, unfiltered scanlines.
type Image struct {
	Width, Height int
	BitDepth      int
	ColorType     int
	Channels      int
	Interlaced    bool

	Stride int // bytes per scanline
	BPP    int // bytes per complete pixel, at least 1

	Pix []byte // Height scanlines, top to bottom
}

// Row returns scanline y.
func (m *Image) Row(y int) []byte {
	return m.Pix[y*m.Stride : (y+1)*m.Stride : (y+1)*m.Stride]
}

// above returns the scanline above y, or zero for the first row.
func (m *Image) above(y int, zero []byte) []byte {
	if y == 0 {
		return zero
	}
	return m.Row(y - 1)
}

// FilteredSize returns the size of the filtered image data: a filter
// type byte and a scanline per row.
func (m *Image) FilteredSize() int { return (m.Stride + 1) * m.Height }

// A File is a decoded PNG file.  Everything outside the image data is
// kept verbatim.
type File struct {
	Image *Image

	Head []byte // signature and chunks preceding the first IDAT
	Tail []byte // chunks following the first IDAT, IDAT excluded

	IDATSize  int // compressed image data size
	IDATCount int
}

var channels = [7]int{0: 1, 2: 3, 3: 1, 4: 2, 6: 4}

// validDepth has bit d set for each valid depth d of a colour type.
var validDepth = [7]uint32{
	0: 1<<1 | 1<<2 | 1<<4 | 1<<8 | 1<<16,
	2: 1<<8 | 1<<16,
	3: 1<<1 | 1<<2 | 1<<4 | 1<<8,
	4: 1<<8 | 1<<16,
	6: 1<<8 | 1<<16,
}

func parseHeader(b []byte) (*Image, error) {
	if len(b) != 13 {
		return nil, ErrHeader
	}
	w := binary.BigEndian.Uint32(b[0:4])
	h := binary.BigEndian.Uint32(b[4:8])
	depth, ct := int(b[8]), int(b[9])
	if w == 0 || h == 0 || w > 0x7fffffff || h > 0x7fffffff ||
		ct >= len(validDepth) || depth > 16 ||
		validDepth[ct]&(1<<depth) == 0 ||
		b[10] != 0 || b[11] != 0 || b[12] > 1 {
		return nil, ErrHeader
	}
	m := &Image{
		Width:      int(w),
		Height:     int(h),
		BitDepth:   depth,
		ColorType:  ct,
		Channels:   channels[ct],
		Interlaced: b[12] == 1,
	}
	bits := uint64(w) * uint64(m.Channels*depth)
	if (bits+7)/8*uint64(h) > 1<<40 {
		return nil, ErrLargeImage
	}
	m.Stride = int((bits + 7) / 8)
	m.BPP = max(m.Channels*depth/8, 1)
	return m, nil
}

// Decode parses a PNG file and unpacks its image data.
func Decode(b []byte) (*File, error) {
	if len(b) < len(pngHeader) || string(b[:len(pngHeader)]) != pngHeader {
		return nil, ErrSignature
	}
	body := b[len(pngHeader):]
	cc, end, err := readChunks(body, true)
	if err != nil {
		return nil, err
	}
	if len(cc) == 0 || cc[0].Name != "IHDR" {
		return nil, ErrHeader
	}
	m, err := parseHeader(cc[0].Data)
	if err != nil {
		return nil, err
	}
	if m.Interlaced {
		return nil, ErrInterlaced
	}

	f := &File{Image: m}
	var (
		idat []byte
		tail bytes.Buffer
	)
	for _, c := range cc[1:] {
		if c.Name == "IDAT" {
			if f.IDATCount == 0 {
				f.Head = b[:len(pngHeader)+c.Offset]
			}
			f.IDATCount++
			idat = append(idat, c.Data...)
		} else if f.IDATCount != 0 {
			tail.Write(body[c.Offset : c.Offset+c.Size()])
		}
	}
	if f.IDATCount == 0 {
		return nil, ErrNoData
	}
	tail.Write(body[end:])
	f.Tail = tail.Bytes()
	f.IDATSize = len(idat)

	if m.Pix, err = unpack(m, idat); err != nil {
		return nil, err
	}
	return f, nil
}

// ReadFile reads and decodes the PNG file at path.
func ReadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// unpack inflates and unfilters the image data.
func unpack(m *Image, idat []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(idat))
	if err != nil {
		return nil, fmt.Errorf("pngmin: image data: %w", err)
	}
	defer zr.Close()
	want := m.FilteredSize()
	data, err := io.ReadAll(io.LimitReader(zr, int64(want)+1))
	if err != nil {
		return nil, fmt.Errorf("pngmin: image data: %w", err)
	}
	if len(data) != want {
		return nil, fmt.Errorf("%w: %d bytes, want %d",
			ErrRowMismatch, len(data), want)
	}

	stride := m.Stride + 1
	pix := make([]byte, m.Stride*m.Height)
	prev := make([]byte, m.Stride)
	for y := 0; y < m.Height; y++ {
		row := data[y*stride : (y+1)*stride]
		if err := filter.Unfilter(row, prev, m.BPP); err != nil {
			return nil, fmt.Errorf("pngmin: row %d: %w", y, err)
		}
		prev = pix[y*m.Stride : (y+1)*m.Stride]
		copy(prev, row[1:])
	}
	return pix, nil
}

// A pngWriter assembles PNG chunks.
type pngWriter struct {
	buf   bytes.Buffer
	tmp   [4]byte
	start int
}

func (w *pngWriter) writeChunk(name string, data []byte) {
	w.startChunk(name)
	w.buf.Write(data)
	w.endChunk()
}

func (w *pngWriter) startChunk(name string) {
	w.start = w.buf.Len()
	w.buf.WriteString(name) // length placeholder
	w.buf.WriteString(name)
}

func (w *pngWriter) endChunk() {
	b := w.buf.Bytes()[w.start:]
	binary.BigEndian.PutUint32(b, uint32(len(b)-8))
	binary.BigEndian.PutUint32(w.tmp[:], crc32.ChecksumIEEE(b[4:]))
	w.buf.Write(w.tmp[:])
}

// Encode writes f to w with idat as the only IDAT chunk.
func (f *File) Encode(w io.Writer, idat []byte) error {
	if len(idat) > 0x7fffffff {
		return ErrLargeImage
	}
	var pw pngWriter
	pw.buf.Grow(len(f.Head) + len(idat) + 12 + len(f.Tail))
	pw.buf.Write(f.Head)
	pw.writeChunk("IDAT", idat)
	pw.buf.Write(f.Tail)
	_, err := pw.buf.WriteTo(w)
	return err
}

// WriteFile writes f to a new file at path with idat as image data.
// Unless overwrite is set, an existing file is left alone and
// ErrExists returned.  On failure no partial file is left behind.
func (f *File) WriteFile(path string, idat []byte, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	w, err := os.OpenFile(path, flags, 0666)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return err
	}
	err = f.Encode(w, idat)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}
