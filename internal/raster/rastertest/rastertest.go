// Package rastertest writes small uncompressed GeoTIFF fixtures for tests.
package rastertest

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// Options describes a single-band 8-bit GeoTIFF.
type Options struct {
	Width       int
	Height      int
	Pix         []uint8 // row-major; nil writes zeros
	PixelWidth  float64
	PixelHeight float64 // positive; stored negated in the geotransform
	OriginX     float64
	OriginY     float64
	EPSG        int // 0 writes no GeoKeyDirectory
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

var le = binary.LittleEndian

func shorts(v ...uint16) []byte {
	b := make([]byte, 2*len(v))
	for i, x := range v {
		le.PutUint16(b[2*i:], x)
	}
	return b
}

func longs(v ...uint32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		le.PutUint32(b[4*i:], x)
	}
	return b
}

func doubles(v ...float64) []byte {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		le.PutUint64(b[8*i:], math.Float64bits(x))
	}
	return b
}

// Encode renders o as a little-endian classic TIFF.
func Encode(o Options) []byte {
	w, h := uint32(o.Width), uint32(o.Height)
	pix := o.Pix
	if pix == nil {
		pix = make([]uint8, o.Width*o.Height)
	}
	pw, ph := o.PixelWidth, o.PixelHeight
	if pw == 0 {
		pw = 1
	}
	if ph == 0 {
		ph = 1
	}

	entries := []entry{
		{256, 4, 1, longs(w)},
		{257, 4, 1, longs(h)},
		{258, 3, 1, shorts(8)},
		{259, 3, 1, shorts(1)},
		{262, 3, 1, shorts(1)},
		{273, 4, 1, longs(0)},
		{277, 3, 1, shorts(1)},
		{278, 4, 1, longs(h)},
		{279, 4, 1, longs(uint32(len(pix)))},
		{284, 3, 1, shorts(1)},
		{33550, 12, 3, doubles(pw, ph, 0)},
		{33922, 12, 6, doubles(0, 0, 0, o.OriginX, o.OriginY, 0)},
	}
	if o.EPSG > 0 {
		var keys []uint16
		if o.EPSG >= 4000 && o.EPSG < 5000 {
			keys = []uint16{1, 1, 0, 3, 1024, 0, 1, 2, 1025, 0, 1, 1, 2048, 0, 1, uint16(o.EPSG)}
		} else {
			keys = []uint16{1, 1, 0, 3, 1024, 0, 1, 1, 1025, 0, 1, 1, 3072, 0, 1, uint16(o.EPSG)}
		}
		entries = append(entries, entry{34735, 3, uint32(len(keys)), shorts(keys...)})
	}

	ifdSize := 2 + 12*len(entries) + 4
	cursor := uint32(8 + ifdSize)
	offsets := make([]uint32, len(entries))
	for i, e := range entries {
		if len(e.data) > 4 {
			offsets[i] = cursor
			cursor += uint32(len(e.data))
			if cursor%2 == 1 {
				cursor++
			}
		}
	}
	pixOffset := cursor
	for i := range entries {
		if entries[i].tag == 273 {
			entries[i].data = longs(pixOffset)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("II")
	buf.Write(shorts(42))
	buf.Write(longs(8))
	buf.Write(shorts(uint16(len(entries))))
	for i, e := range entries {
		buf.Write(shorts(e.tag, e.typ))
		buf.Write(longs(e.count))
		if len(e.data) > 4 {
			buf.Write(longs(offsets[i]))
			continue
		}
		val := make([]byte, 4)
		copy(val, e.data)
		buf.Write(val)
	}
	buf.Write(longs(0))
	for _, e := range entries {
		if len(e.data) > 4 {
			buf.Write(e.data)
			if buf.Len()%2 == 1 {
				buf.WriteByte(0)
			}
		}
	}
	buf.Write(pix)
	return buf.Bytes()
}

// Write stores o at dir/name and returns the path.
func Write(t testing.TB, dir, name string, o Options) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(path, Encode(o), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Pattern returns a w*h smooth test pattern with enough texture for registration.
func Pattern(w, h int, dx, dy float64) []uint8 {
	pix := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pix[y*w+x] = uint8(math.Round(PatternAt(float64(x)+dx, float64(y)+dy)))
		}
	}
	return pix
}

// PatternAt evaluates the pattern used by Pattern at a continuous position.
func PatternAt(x, y float64) float64 {
	v := 110 +
		45*math.Sin(x/5.0)*math.Cos(y/7.0) +
		60*math.Exp(-((x-30)*(x-30)+(y-22)*(y-22))/60)
	return math.Max(0, math.Min(255, v))
}
