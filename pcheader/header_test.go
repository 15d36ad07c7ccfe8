/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package pcheader

import (
	"bytes"
	"errors"
	"testing"
	"testing/quick"
)

// goHeader is the 64-bit Go 1.18 header used throughout the tests.
var goHeader = []byte{
	// magic, pad0, pad1, minLC, ptrSize
	0xf0, 0xff, 0xff, 0xff, 0x00, 0x00, 0x01, 0x08,
	// nfunc, nfiles
	0x03, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00,
	// textStart
	0x00, 0x10, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00,
	// funcnameOffset, cuOffset, filetabOffset, pctabOffset, pclnOffset
	0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x48, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x50, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x60, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x70, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// goModule places goHeader at 0x10000 followed by room for its sub-tables.
func goModule() (*memory, Bounds) {
	data := make([]byte, 0x100)
	copy(data, goHeader)
	return &memory{base: 0x10000, data: data}, Bounds{Start: 0x10000, End: 0x10100}
}

func TestParseHeader(t *testing.T) {
	reg := DefaultRegistry()
	mem, bounds := goModule()

	rec, err := reg.ParseHeader(mem, 0x10000, bounds, Pclntab118)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ConsumedBytes != 64 {
		t.Errorf("ConsumedBytes = %d, want 64", rec.ConsumedBytes)
	}
	if rec.Schema != SchemaPcHeaderV0 || rec.Tag != Pclntab118 {
		t.Errorf("record tagged %s/%s", rec.Tag, rec.Schema)
	}

	want := []struct {
		name   string
		offset uint64
		value  uint64
	}{
		{"magic", 0, 0xFFFFFFF0},
		{"pad0", 4, 0},
		{"pad1", 5, 0},
		{"minLC", 6, 1},
		{"ptrSize", 7, 8},
		{"nfunc", 8, 3},
		{"nfiles", 12, 1},
		{"textStart", 16, 0x401000},
		{"funcnameOffset", 24, 0x40},
		{"cuOffset", 32, 0x48},
		{"filetabOffset", 40, 0x50},
		{"pctabOffset", 48, 0x60},
		{"pclnOffset", 56, 0x70},
	}
	fields := rec.Fields()
	if len(fields) != len(want) {
		t.Fatalf("decoded %d fields, want %d", len(fields), len(want))
	}
	for i, w := range want {
		if fields[i].Name != w.name || fields[i].Offset != w.offset || fields[i].Value != w.value {
			t.Errorf("field %d = %s@%d=0x%x, want %s@%d=0x%x", i, fields[i].Name, fields[i].Offset, fields[i].Value, w.name, w.offset, w.value)
		}
		if v, ok := rec.Value(w.name); !ok || v != w.value {
			t.Errorf("Value(%s) = 0x%x, %v", w.name, v, ok)
		}
	}
}

func TestParseHeader32(t *testing.T) {
	reg := DefaultRegistry()
	rec, err := reg.BuildHeader(Pclntab120, map[string]uint64{
		"minLC":          4,
		"ptrSize":        4,
		"nfunc":          10,
		"nfiles":         2,
		"textStart":      0x8049000,
		"funcnameOffset": 0x28,
		"cuOffset":       0x30,
		"filetabOffset":  0x38,
		"pctabOffset":    0x40,
		"pclnOffset":     0x48,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ConsumedBytes != 40 {
		t.Errorf("32-bit header consumed %d bytes, want 40", rec.ConsumedBytes)
	}

	raw := EncodeHeader(rec)
	if !bytes.Equal(raw[:4], []byte{0xf1, 0xff, 0xff, 0xff}) {
		t.Errorf("encoded magic % x", raw[:4])
	}

	mem := &memory{base: 0x8000, data: append(raw, make([]byte, 0x40)...)}
	parsed, err := reg.ParseHeader(mem, 0x8000, Bounds{Start: 0x8000, End: 0x8000 + uint64(len(mem.data))}, Pclntab120)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(rec) {
		t.Errorf("parsed %v, built %v", parsed.Fields(), rec.Fields())
	}
	if f, _ := parsed.Field("pclnOffset"); f.Width != 4 || f.Offset != 36 {
		t.Errorf("pclnOffset decoded at %d with width %d", f.Offset, f.Width)
	}
}

func TestParseHeaderErrors(t *testing.T) {
	reg := DefaultRegistry()

	t.Run("invalid ptrSize", func(t *testing.T) {
		for _, ptrSize := range []byte{0, 3, 5, 16} {
			mem, bounds := goModule()
			mem.data[7] = ptrSize

			var mismatch *LayoutMismatchError
			_, err := reg.ParseHeader(mem, 0x10000, bounds, Pclntab118)
			if !errors.As(err, &mismatch) || mismatch.Field != "textStart" || mismatch.Addr != 0x10007 {
				t.Errorf("ptrSize %d: expected LayoutMismatchError on textStart, got %v", ptrSize, err)
			}
		}
	})

	t.Run("header crosses bounds", func(t *testing.T) {
		mem, _ := goModule()
		var mismatch *LayoutMismatchError
		_, err := reg.ParseHeader(mem, 0x10000, Bounds{Start: 0x10000, End: 0x1003c}, Pclntab118)
		if !errors.As(err, &mismatch) || mismatch.Field != "pclnOffset" {
			t.Errorf("expected LayoutMismatchError on pclnOffset, got %v", err)
		}
	})

	t.Run("base before bounds", func(t *testing.T) {
		mem, _ := goModule()
		var mismatch *LayoutMismatchError
		if _, err := reg.ParseHeader(mem, 0x10000, Bounds{Start: 0x10010, End: 0x10100}, Pclntab118); !errors.As(err, &mismatch) {
			t.Errorf("expected LayoutMismatchError, got %v", err)
		}
	})

	t.Run("magic does not match tag", func(t *testing.T) {
		mem, bounds := goModule()
		var mismatch *LayoutMismatchError
		_, err := reg.ParseHeader(mem, 0x10000, bounds, Pclntab120)
		if !errors.As(err, &mismatch) || mismatch.Field != "magic" {
			t.Errorf("expected magic LayoutMismatchError, got %v", err)
		}
	})

	t.Run("unknown tag", func(t *testing.T) {
		mem, bounds := goModule()
		var unsupported *UnsupportedVersionError
		if _, err := reg.ParseHeader(mem, 0x10000, bounds, "1.2"); !errors.As(err, &unsupported) {
			t.Errorf("expected UnsupportedVersionError, got %v", err)
		}
	})

	t.Run("accessor failure", func(t *testing.T) {
		_, bounds := goModule()
		var access *MemoryAccessError
		if _, err := reg.ParseHeader(&memory{err: errors.New("unmapped")}, 0x10000, bounds, Pclntab118); !errors.As(err, &access) {
			t.Errorf("expected MemoryAccessError, got %v", err)
		}
	})
}

func TestBuildHeaderErrors(t *testing.T) {
	reg := DefaultRegistry()

	bad := map[string]map[string]uint64{
		"wrong magic":   {"magic": 0xFFFFFFFB, "ptrSize": 8},
		"value too big": {"ptrSize": 4, "textStart": 1 << 32},
		"unknown field": {"ptrSize": 8, "moduledata": 1},
		"zero ptrSize":  {"nfunc": 1},
	}
	for name, values := range bad {
		t.Run(name, func(t *testing.T) {
			if _, err := reg.BuildHeader(Pclntab118, values); err == nil {
				t.Errorf("expected an error")
			}
		})
	}
}

// headerValues is a random valid pcHeaderV0.
type headerValues struct {
	Go120                 bool
	PtrSize64             bool
	Pad0, Pad1, MinLC     uint8
	Nfunc, Nfiles         uint32
	TextStart             uint64
	Funcname, CU, Filetab uint64
	Pctab, Pcln           uint64
}

func (v headerValues) build(reg *Registry) (*HeaderRecord, error) {
	tag, ptrSize, mask := Pclntab118, uint64(4), uint64(0xffffffff)
	if v.Go120 {
		tag = Pclntab120
	}
	if v.PtrSize64 {
		ptrSize, mask = 8, ^uint64(0)
	}
	return reg.BuildHeader(tag, map[string]uint64{
		"pad0":           uint64(v.Pad0),
		"pad1":           uint64(v.Pad1),
		"minLC":          uint64(v.MinLC),
		"ptrSize":        ptrSize,
		"nfunc":          uint64(v.Nfunc),
		"nfiles":         uint64(v.Nfiles),
		"textStart":      v.TextStart & mask,
		"funcnameOffset": v.Funcname & mask,
		"cuOffset":       v.CU & mask,
		"filetabOffset":  v.Filetab & mask,
		"pctabOffset":    v.Pctab & mask,
		"pclnOffset":     v.Pcln & mask,
	})
}

func TestHeaderRoundTrip(t *testing.T) {
	reg := DefaultRegistry()

	roundTrip := func(v headerValues) bool {
		rec, err := v.build(reg)
		if err != nil {
			t.Logf("build: %v", err)
			return false
		}
		raw := EncodeHeader(rec)
		if uint64(len(raw)) != rec.ConsumedBytes {
			return false
		}

		mem := &memory{base: 0x400000, data: raw}
		bounds := Bounds{Start: 0x400000, End: 0x400000 + uint64(len(raw))}
		tag, err := reg.DetectAt(mem, 0x400000, bounds)
		if err != nil || tag != rec.Tag {
			return false
		}
		parsed, err := reg.ParseHeader(mem, 0x400000, bounds, tag)
		if err != nil {
			t.Logf("parse: %v", err)
			return false
		}
		return parsed.Equal(rec) && bytes.Equal(EncodeHeader(parsed), raw)
	}

	if err := quick.Check(roundTrip, &quick.Config{MaxCount: 500}); err != nil {
		t.Error(err)
	}
}
