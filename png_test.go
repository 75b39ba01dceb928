// Copyright 2024 Vadim Vygonets.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pngmin

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
)

type testChunk struct {
	name string
	data []byte
}

func ihdr(w, h, depth, ct, interlace int) testChunk {
	b := make([]byte, 13)
	binary.BigEndian.PutUint32(b[0:], uint32(w))
	binary.BigEndian.PutUint32(b[4:], uint32(h))
	b[8], b[9], b[12] = byte(depth), byte(ct), byte(interlace)
	return testChunk{"IHDR", b}
}

func zlibBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var b bytes.Buffer
	zw := zlib.NewWriter(&b)
	if _, err := zw.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return b.Bytes()
}

// mkPNG assembles a PNG file from chunks.
func mkPNG(cc ...testChunk) []byte {
	var pw pngWriter
	pw.buf.WriteString(pngHeader)
	for _, c := range cc {
		pw.writeChunk(c.name, c.data)
	}
	return pw.buf.Bytes()
}

// grayRaw returns unfiltered image data for a w×h 8-bit grey image
// with pixel value f(x, y).
func grayRaw(w, h int, f func(x, y int) byte) (raw, pix []byte) {
	for y := 0; y < h; y++ {
		raw = append(raw, 0)
		for x := 0; x < w; x++ {
			raw = append(raw, f(x, y))
			pix = append(pix, f(x, y))
		}
	}
	return raw, pix
}

func xor(x, y int) byte { return byte(x ^ y) }

func encodeStd(t *testing.T, m image.Image) []byte {
	t.Helper()
	var b bytes.Buffer
	if err := png.Encode(&b, m); err != nil {
		t.Fatal(err)
	}
	return b.Bytes()
}

func TestDecodeStandard(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	gray := image.NewGray(image.Rect(0, 0, 7, 5))
	r.Read(gray.Pix)
	nrgba := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	r.Read(nrgba.Pix)
	gray16 := image.NewGray16(image.Rect(0, 0, 3, 9))
	r.Read(gray16.Pix)
	for _, tc := range []struct {
		name string
		m    image.Image
		pix  []byte
		ch   int
		bpp  int
	}{
		{"gray", gray, gray.Pix, 1, 1},
		{"nrgba", nrgba, nrgba.Pix, 4, 4},
		{"gray16", gray16, gray16.Pix, 1, 2},
	} {
		f, err := Decode(encodeStd(t, tc.m))
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		m := f.Image
		if m.Channels != tc.ch || m.BPP != tc.bpp {
			t.Errorf("%s: channels %d bpp %d, want %d %d",
				tc.name, m.Channels, m.BPP, tc.ch, tc.bpp)
		}
		if !bytes.Equal(m.Pix, tc.pix) {
			t.Errorf("%s: pixels differ", tc.name)
		}
		if f.IDATCount != 1 {
			t.Errorf("%s: %d IDAT chunks", tc.name, f.IDATCount)
		}
	}
}

func TestDecodePaletted(t *testing.T) {
	pal := color.Palette{color.Black, color.White,
		color.Gray{0x40}, color.Gray{0x80}}
	p := image.NewPaletted(image.Rect(0, 0, 9, 3), pal)
	for i := range p.Pix {
		p.Pix[i] = uint8(i % len(pal))
	}
	f, err := Decode(encodeStd(t, p))
	if err != nil {
		t.Fatal(err)
	}
	m := f.Image
	if m.BitDepth != 2 || m.ColorType != 3 || m.Stride != 3 || m.BPP != 1 {
		t.Errorf("depth %d type %d stride %d bpp %d, want 2 3 3 1",
			m.BitDepth, m.ColorType, m.Stride, m.BPP)
	}
}

func TestDecodeErrors(t *testing.T) {
	raw, _ := grayRaw(4, 4, xor)
	data := zlibBytes(t, raw)
	iend := testChunk{"IEND", nil}
	good := mkPNG(ihdr(4, 4, 8, 0, 0), testChunk{"IDAT", data}, iend)
	if _, err := Decode(good); err != nil {
		t.Fatalf("valid file: %v", err)
	}

	badCRC := bytes.Clone(good)
	badCRC[len(pngHeader)+25+8+2] ^= 1 // IDAT data

	for _, tc := range []struct {
		name string
		b    []byte
		err  error
	}{
		{"signature", append([]byte("\x89PNX"), good[4:]...), ErrSignature},
		{"short", good[:5], ErrSignature},
		{"crc", badCRC, ErrCRC},
		{"truncated", good[:len(good)-3], ErrChunk},
		{"interlaced", mkPNG(ihdr(4, 4, 8, 0, 1),
			testChunk{"IDAT", data}, iend), ErrInterlaced},
		{"no idat", mkPNG(ihdr(4, 4, 8, 0, 0), iend), ErrNoData},
		{"ihdr not first", mkPNG(testChunk{"tEXt", []byte("a\x00b")},
			ihdr(4, 4, 8, 0, 0), testChunk{"IDAT", data}, iend),
			ErrHeader},
		{"bad depth", mkPNG(ihdr(4, 4, 3, 0, 0),
			testChunk{"IDAT", data}, iend), ErrHeader},
		{"rgb depth 4", mkPNG(ihdr(4, 4, 4, 2, 0),
			testChunk{"IDAT", data}, iend), ErrHeader},
		{"zero width", mkPNG(ihdr(0, 4, 8, 0, 0),
			testChunk{"IDAT", data}, iend), ErrHeader},
		{"short data", mkPNG(ihdr(4, 5, 8, 0, 0),
			testChunk{"IDAT", data}, iend), ErrRowMismatch},
		{"long data", mkPNG(ihdr(4, 3, 8, 0, 0),
			testChunk{"IDAT", data}, iend), ErrRowMismatch},
	} {
		if _, err := Decode(tc.b); !errors.Is(err, tc.err) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.err)
		}
	}
}

func TestDecodeBadFilter(t *testing.T) {
	raw, _ := grayRaw(4, 2, xor)
	raw[5] = 9
	b := mkPNG(ihdr(4, 2, 8, 0, 0), testChunk{"IDAT", zlibBytes(t, raw)},
		testChunk{"IEND", nil})
	if _, err := Decode(b); err == nil {
		t.Error("filter type 9 accepted")
	}
}

func TestDecodeLayout(t *testing.T) {
	raw, pix := grayRaw(5, 3, xor)
	data := zlibBytes(t, raw)
	text := testChunk{"tEXt", []byte("Comment\x00after")}
	b := mkPNG(ihdr(5, 3, 8, 0, 0),
		testChunk{"gAMA", []byte{0, 0, 0xb1, 0x8f}},
		testChunk{"IDAT", data[:4]},
		text,
		testChunk{"IDAT", data[4:]},
		testChunk{"IEND", nil})
	b = append(b, "junk"...)
	f, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f.Image.Pix, pix) {
		t.Error("pixels differ")
	}
	if f.IDATCount != 2 || f.IDATSize != len(data) {
		t.Errorf("IDAT count %d size %d, want 2 %d",
			f.IDATCount, f.IDATSize, len(data))
	}
	wantHead := mkPNG(ihdr(5, 3, 8, 0, 0),
		testChunk{"gAMA", []byte{0, 0, 0xb1, 0x8f}})
	if !bytes.Equal(f.Head, wantHead) {
		t.Error("head differs")
	}
	wantTail := append(mkPNG(text, testChunk{"IEND", nil})[len(pngHeader):],
		"junk"...)
	if !bytes.Equal(f.Tail, wantTail) {
		t.Errorf("tail %q, want %q", f.Tail, wantTail)
	}
}

func TestEncode(t *testing.T) {
	raw, pix := grayRaw(8, 8, xor)
	text := testChunk{"tEXt", []byte("Title\x00x")}
	src := mkPNG(ihdr(8, 8, 8, 0, 0),
		testChunk{"IDAT", zlibBytes(t, raw)},
		text,
		testChunk{"IEND", nil})
	f, err := Decode(src)
	if err != nil {
		t.Fatal(err)
	}

	var b bytes.Buffer
	if err := f.Encode(&b, zlibBytes(t, raw)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b.Bytes(), src) {
		t.Error("re-encoding with the same data changed the file")
	}

	m, err := png.Decode(bytes.NewReader(b.Bytes()))
	if err != nil {
		t.Fatalf("image/png: %v", err)
	}
	if g, ok := m.(*image.Gray); !ok || !bytes.Equal(g.Pix, pix) {
		t.Error("image/png decoded different pixels")
	}
}

func TestWriteFile(t *testing.T) {
	raw, _ := grayRaw(3, 3, xor)
	data := zlibBytes(t, raw)
	f, err := Decode(mkPNG(ihdr(3, 3, 8, 0, 0), testChunk{"IDAT", data},
		testChunk{"IEND", nil}))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "out.png")
	if err := f.WriteFile(path, data, false); err != nil {
		t.Fatal(err)
	}
	if err := f.WriteFile(path, data, false); !errors.Is(err, ErrExists) {
		t.Errorf("second write: got %v, want ErrExists", err)
	}
	if err := f.WriteFile(path, data, true); err != nil {
		t.Errorf("overwrite: %v", err)
	}
	g, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(g.Image.Pix, f.Image.Pix) {
		t.Error("pixels differ")
	}
	if _, err := ReadFile(path + ".missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v", err)
	}
}

func TestChunkText(t *testing.T) {
	for _, tc := range []struct {
		c       Chunk
		k, text string
		ok      bool
	}{
		{Chunk{Name: "tEXt", Data: []byte("Author\x00Ren\xe9")},
			"Author", "René", true},
		{Chunk{Name: "zTXt", Data: []byte("Comment\x00\x00x\x9c")},
			"Comment", "", true},
		{Chunk{Name: "iTXt", Data: []byte("Title\x00\x00\x00en\x00\x00t")},
			"Title", "", true},
		{Chunk{Name: "tEXt", Data: []byte("no separator")}, "", "", false},
		{Chunk{Name: "gAMA", Data: []byte{0, 0, 0xb1, 0x8f}}, "", "", false},
	} {
		k, text, ok := tc.c.Text()
		if k != tc.k || text != tc.text || ok != tc.ok {
			t.Errorf("%s %q: got %q %q %v, want %q %q %v",
				tc.c.Name, tc.c.Data, k, text, ok, tc.k, tc.text, tc.ok)
		}
	}
}

func TestList(t *testing.T) {
	raw, _ := grayRaw(3, 3, xor)
	data := zlibBytes(t, raw)
	f, err := Decode(mkPNG(ihdr(3, 3, 8, 0, 0),
		testChunk{"tEXt", []byte("Software\x00pngmin")},
		testChunk{"IDAT", data[:2]}, testChunk{"IDAT", data[2:]},
		testChunk{"IEND", nil}))
	if err != nil {
		t.Fatal(err)
	}
	cc := f.Chunks()
	var names []string
	for _, c := range cc {
		names = append(names, c.Name)
	}
	if got := strings.Join(names, " "); got != "IHDR tEXt IEND" {
		t.Errorf("chunks %q", got)
	}

	var b strings.Builder
	if err := f.List(&b); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(b.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("%d lines:\n%s", len(lines), b.String())
	}
	if !strings.Contains(lines[1], `Software: "pngmin"`) {
		t.Errorf("text line %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "IDAT") ||
		!strings.HasSuffix(lines[2], "2 chunks") {
		t.Errorf("IDAT line %q", lines[2])
	}
}
