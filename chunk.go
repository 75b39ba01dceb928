// Copyright 2024 Vadim Vygonets.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pngmin

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"golang.org/x/text/encoding/charmap"
)

// A Chunk is a PNG chunk.  Data aliases the file contents.
type Chunk struct {
	Name   string
	Data   []byte
	Offset int // offset of the length field
}

// Size returns the chunk size including length, name and CRC.
func (c Chunk) Size() int { return 12 + len(c.Data) }

// readChunks splits b into chunks, stopping after IEND.  It returns
// the chunks and the number of bytes they occupy.  If check is set,
// CRCs are verified.
func readChunks(b []byte, check bool) ([]Chunk, int, error) {
	var cc []Chunk
	off := 0
	for off < len(b) {
		if len(b)-off < 12 {
			return nil, off, ErrChunk
		}
		n := binary.BigEndian.Uint32(b[off:])
		if n > 0x7fffffff || uint64(len(b)-off-12) < uint64(n) {
			return nil, off, ErrChunk
		}
		end := off + 12 + int(n)
		c := Chunk{
			Name:   string(b[off+4 : off+8]),
			Data:   b[off+8 : end-4 : end-4],
			Offset: off,
		}
		if check && crc32.ChecksumIEEE(b[off+4:end-4]) !=
			binary.BigEndian.Uint32(b[end-4:]) {
			return nil, off, fmt.Errorf("%w: %s at %d",
				ErrCRC, c.Name, off+len(pngHeader))
		}
		cc = append(cc, c)
		off = end
		if c.Name == "IEND" {
			break
		}
	}
	return cc, off, nil
}

// Chunks returns the chunks of f other than IDAT.
func (f *File) Chunks() []Chunk {
	// Head and Tail were validated by Decode.
	cc, _, _ := readChunks(f.Head[len(pngHeader):], false)
	tc, _, _ := readChunks(f.Tail, false)
	return append(cc, tc...)
}

// Text returns the keyword and text of a tEXt chunk, and the keyword
// of zTXt and iTXt chunks, converted from Latin-1.
func (c Chunk) Text() (keyword, text string, ok bool) {
	switch c.Name {
	case "tEXt", "zTXt", "iTXt":
	default:
		return "", "", false
	}
	k, t, found := bytes.Cut(c.Data, []byte{0})
	if !found {
		return "", "", false
	}
	dec := charmap.ISO8859_1.NewDecoder()
	if keyword, ok = decodeLatin1(dec.Bytes(k)); !ok {
		return "", "", false
	}
	if c.Name == "tEXt" {
		text, _ = decodeLatin1(dec.Bytes(t))
	}
	return keyword, text, true
}

func decodeLatin1(b []byte, err error) (string, bool) {
	return string(b), err == nil
}

// List writes a line per chunk to w: name, data size and, for text
// chunks, the keyword and text.  Image data chunks are summarized on
// one line.
func (f *File) List(w io.Writer) error {
	hc, _, _ := readChunks(f.Head[len(pngHeader):], false)
	tc, _, _ := readChunks(f.Tail, false)
	var b bytes.Buffer
	line := func(c Chunk) {
		fmt.Fprintf(&b, "%-4s %10d", c.Name, len(c.Data))
		if k, t, ok := c.Text(); ok {
			fmt.Fprintf(&b, "  %s: %q", k, t)
		}
		b.WriteByte('\n')
	}
	for _, c := range hc {
		line(c)
	}
	fmt.Fprintf(&b, "IDAT %10d  %d chunks\n", f.IDATSize, f.IDATCount)
	for _, c := range tc {
		line(c)
	}
	_, err := b.WriteTo(w)
	return err
}
