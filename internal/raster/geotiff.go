package raster

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagSamplesPerPixel = 277
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagModelTransform  = 34264
	tagGeoKeyDirectory = 34735
	tagGeoDoubleParams = 34736
	tagGeoASCIIParams  = 34737
)

const (
	keyModelType      = 1024
	keyRasterType     = 1025
	keyCitation       = 1026
	keyGeographicType = 2048
	keyGeogCitation   = 2049
	keyProjectedType  = 3072
	keyPCSCitation    = 3073

	modelTypeGeographic = 2
	rasterPixelIsPoint  = 2
	userDefined         = 32767
)

// maxTagBytes bounds a single tag payload; GeoTIFF tags are small.
const maxTagBytes = 16 << 20

var fieldSizes = map[uint16]int{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8, 16: 8, 17: 8, 18: 8,
}

type field struct {
	typ   uint16
	count uint64
	raw   []byte
}

// n is the number of values raw actually holds.
func (f field) n() uint64 {
	size := uint64(fieldSizes[f.typ])
	if size == 0 {
		return 0
	}
	return min(f.count, uint64(len(f.raw))/size)
}

func (f field) uints(order binary.ByteOrder) []uint64 {
	n := f.n()
	out := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		switch f.typ {
		case 1, 6, 7:
			out = append(out, uint64(f.raw[i]))
		case 3, 8:
			out = append(out, uint64(order.Uint16(f.raw[i*2:])))
		case 4, 9:
			out = append(out, uint64(order.Uint32(f.raw[i*4:])))
		case 16, 17, 18:
			out = append(out, order.Uint64(f.raw[i*8:]))
		default:
			return out
		}
	}
	return out
}

func (f field) floats(order binary.ByteOrder) []float64 {
	switch f.typ {
	case 12:
		out := make([]float64, f.n())
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(f.raw[i*8:]))
		}
		return out
	case 11:
		out := make([]float64, f.n())
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(f.raw[i*4:])))
		}
		return out
	}
	var out []float64
	for _, v := range f.uints(order) {
		out = append(out, float64(v))
	}
	return out
}

// ReadGeoTIFF reads the first IFD of a classic or BigTIFF file and returns its
// georeferencing. Pixel data is not touched.
func ReadGeoTIFF(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	fields, order, err := readFirstIFD(f)
	if err != nil {
		return Metadata{}, fmt.Errorf("%s: %w", path, err)
	}
	md, err := metadataFromFields(fields, order)
	if err != nil {
		return Metadata{}, fmt.Errorf("%s: %w", path, err)
	}
	return md, nil
}

func readFirstIFD(r io.ReaderAt) (map[uint16]field, binary.ByteOrder, error) {
	hdr := make([]byte, 16)
	if _, err := r.ReadAt(hdr[:8], 0); err != nil {
		return nil, nil, ErrNotTIFF
	}

	var order binary.ByteOrder
	switch string(hdr[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, nil, ErrNotTIFF
	}

	var (
		ifdOffset uint64
		countSize int
		entrySize int
		valueSize int
	)
	switch order.Uint16(hdr[2:4]) {
	case 42:
		ifdOffset = uint64(order.Uint32(hdr[4:8]))
		countSize, entrySize, valueSize = 2, 12, 4
	case 43:
		if _, err := r.ReadAt(hdr[8:16], 8); err != nil {
			return nil, nil, fmt.Errorf("truncated BigTIFF header: %w", err)
		}
		if order.Uint16(hdr[4:6]) != 8 {
			return nil, nil, fmt.Errorf("unsupported BigTIFF offset size %d", order.Uint16(hdr[4:6]))
		}
		ifdOffset = order.Uint64(hdr[8:16])
		countSize, entrySize, valueSize = 8, 20, 8
	default:
		return nil, nil, ErrNotTIFF
	}

	cbuf := make([]byte, countSize)
	if _, err := r.ReadAt(cbuf, int64(ifdOffset)); err != nil {
		return nil, nil, fmt.Errorf("read IFD count: %w", err)
	}
	var n uint64
	if countSize == 2 {
		n = uint64(order.Uint16(cbuf))
	} else {
		n = order.Uint64(cbuf)
	}
	if n == 0 || n > 4096 {
		return nil, nil, fmt.Errorf("implausible IFD entry count %d", n)
	}

	entries := make([]byte, int(n)*entrySize)
	if _, err := r.ReadAt(entries, int64(ifdOffset)+int64(countSize)); err != nil {
		return nil, nil, fmt.Errorf("read IFD entries: %w", err)
	}

	fields := make(map[uint16]field, n)
	for i := 0; i < int(n); i++ {
		e := entries[i*entrySize : (i+1)*entrySize]
		tag := order.Uint16(e[0:2])
		typ := order.Uint16(e[2:4])
		size, known := fieldSizes[typ]
		if !known {
			continue
		}
		var count uint64
		var value []byte
		if valueSize == 4 {
			count = uint64(order.Uint32(e[4:8]))
			value = e[8:12]
		} else {
			count = order.Uint64(e[4:12])
			value = e[12:20]
		}
		if count > maxTagBytes/uint64(size) {
			return nil, nil, fmt.Errorf("tag %d declares %d values, too large", tag, count)
		}
		total := count * uint64(size)

		raw := make([]byte, total)
		if total <= uint64(valueSize) {
			copy(raw, value[:total])
		} else {
			var off uint64
			if valueSize == 4 {
				off = uint64(order.Uint32(value))
			} else {
				off = order.Uint64(value)
			}
			if off > math.MaxInt64-total {
				return nil, nil, fmt.Errorf("tag %d offset %d out of range", tag, off)
			}
			if _, err := r.ReadAt(raw, int64(off)); err != nil {
				return nil, nil, fmt.Errorf("read tag %d: %w", tag, err)
			}
		}
		fields[tag] = field{typ: typ, count: count, raw: raw}
	}
	return fields, order, nil
}

func metadataFromFields(fields map[uint16]field, order binary.ByteOrder) (Metadata, error) {
	md := Metadata{Bands: 1, Transform: IdentityTransform}

	width, ok := firstUint(fields, tagImageWidth, order)
	if !ok {
		return md, fmt.Errorf("missing ImageWidth tag")
	}
	height, ok := firstUint(fields, tagImageLength, order)
	if !ok {
		return md, fmt.Errorf("missing ImageLength tag")
	}
	md.Width, md.Height = int(width), int(height)
	if spp, ok := firstUint(fields, tagSamplesPerPixel, order); ok {
		md.Bands = int(spp)
	}

	keys, err := parseGeoKeys(fields, order)
	if err != nil {
		return md, err
	}
	md.CRS = crsFromKeys(keys)

	switch {
	case hasField(fields, tagModelTransform):
		m := fields[tagModelTransform].floats(order)
		if len(m) < 16 {
			return md, fmt.Errorf("ModelTransformation has %d values, want 16", len(m))
		}
		md.Transform = Transform{m[0], m[1], m[3], m[4], m[5], m[7]}
	case hasField(fields, tagModelPixelScale) && hasField(fields, tagModelTiepoint):
		scale := fields[tagModelPixelScale].floats(order)
		tie := fields[tagModelTiepoint].floats(order)
		if len(scale) < 2 || len(tie) < 6 {
			return md, fmt.Errorf("malformed ModelPixelScale/ModelTiepoint")
		}
		sx, sy := scale[0], scale[1]
		md.Transform = Transform{sx, 0, tie[3] - tie[0]*sx, 0, -sy, tie[4] + tie[1]*sy}
	}

	if rt, ok := keys[keyRasterType]; ok && rt.short == rasterPixelIsPoint {
		t := md.Transform
		t[2] -= 0.5*t[0] + 0.5*t[1]
		t[5] -= 0.5*t[3] + 0.5*t[4]
		md.Transform = t
	}
	return md, nil
}

type geoKey struct {
	short   uint64
	doubles []float64
	ascii   string
}

func (k geoKey) String() string {
	switch {
	case k.doubles != nil:
		parts := make([]string, len(k.doubles))
		for i, d := range k.doubles {
			parts[i] = strconv.FormatFloat(d, 'g', -1, 64)
		}
		return strings.Join(parts, ",")
	case k.ascii != "":
		return strconv.Quote(k.ascii)
	default:
		return strconv.FormatUint(k.short, 10)
	}
}

func parseGeoKeys(fields map[uint16]field, order binary.ByteOrder) (map[uint16]geoKey, error) {
	keys := make(map[uint16]geoKey)
	dir, ok := fields[tagGeoKeyDirectory]
	if !ok {
		return keys, nil
	}
	vals := dir.uints(order)
	if len(vals) < 4 {
		return nil, fmt.Errorf("GeoKeyDirectory too short")
	}
	if vals[3] > uint64(len(vals)) {
		return nil, fmt.Errorf("GeoKeyDirectory declares %d keys but holds %d values", vals[3], len(vals))
	}
	n := int(vals[3])
	if len(vals) < 4+4*n {
		return nil, fmt.Errorf("GeoKeyDirectory declares %d keys but holds %d values", n, len(vals))
	}

	var doubles []float64
	if f, ok := fields[tagGeoDoubleParams]; ok {
		doubles = f.floats(order)
	}
	var ascii string
	if f, ok := fields[tagGeoASCIIParams]; ok {
		ascii = string(f.raw)
	}

	for i := 0; i < n; i++ {
		e := vals[4+4*i : 8+4*i]
		id, loc, count, off := uint16(e[0]), e[1], e[2], e[3]
		switch loc {
		case 0:
			keys[id] = geoKey{short: off}
		case tagGeoDoubleParams:
			if !within(off, count, len(doubles)) {
				return nil, fmt.Errorf("GeoKey %d points past GeoDoubleParams", id)
			}
			keys[id] = geoKey{doubles: doubles[off : off+count]}
		case tagGeoASCIIParams:
			if !within(off, count, len(ascii)) {
				return nil, fmt.Errorf("GeoKey %d points past GeoAsciiParams", id)
			}
			keys[id] = geoKey{ascii: strings.TrimRight(ascii[off:off+count], "|\x00")}
		default:
			// values stored in other tags are not needed for CRS identity
		}
	}
	return keys, nil
}

func crsFromKeys(keys map[uint16]geoKey) CRS {
	if len(keys) == 0 {
		return CRS{}
	}
	if k, ok := keys[keyProjectedType]; ok && k.short > 0 && k.short != userDefined {
		return CRS{EPSG: int(k.short)}
	}
	_, projected := keys[keyProjectedType]
	mt, hasModel := keys[keyModelType]
	if !projected || (hasModel && mt.short == modelTypeGeographic) {
		if k, ok := keys[keyGeographicType]; ok && k.short > 0 && k.short != userDefined {
			return CRS{EPSG: int(k.short)}
		}
	}

	ids := make([]int, 0, len(keys))
	for id := range keys {
		switch id {
		case keyRasterType, keyCitation, keyGeogCitation, keyPCSCitation:
			continue
		}
		ids = append(ids, int(id))
	}
	if len(ids) == 0 {
		return CRS{}
	}
	sort.Ints(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d=%s", id, keys[uint16(id)])
	}
	return CRS{Def: strings.Join(parts, ";")}
}

// within reports whether [off, off+count) lies inside a buffer of length n.
func within(off, count uint64, n int) bool {
	return off <= uint64(n) && count <= uint64(n)-off
}

func hasField(fields map[uint16]field, tag uint16) bool {
	_, ok := fields[tag]
	return ok
}

func firstUint(fields map[uint16]field, tag uint16, order binary.ByteOrder) (uint64, bool) {
	f, ok := fields[tag]
	if !ok {
		return 0, false
	}
	v := f.uints(order)
	if len(v) == 0 {
		return 0, false
	}
	return v[0], true
}
