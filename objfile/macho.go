// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Parsing of Mach-O executables (OS X).

package objfile

import (
	"debug/macho"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

const stabTypeMask = 0xe0

// section types without file contents
const (
	machoSectionTypeMask = 0xff
	machoZerofill        = 0x1
	machoGBZerofill      = 0xc
	machoThreadZerofill  = 0x12
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) read_memory(VA uint64, size uint64) (data []byte, err error) {
	for _, load := range f.macho.Loads {
		seg, ok := load.(*macho.Segment)
		if !ok || seg.Filesz == 0 {
			continue
		}
		if seg.Addr <= VA && VA <= seg.Addr+seg.Filesz-1 {
			if seg.Name == "__PAGEZERO" {
				continue
			}
			n := seg.Addr + seg.Filesz - VA
			if n > size {
				n = size
			}
			data := make([]byte, n)
			_, err := seg.ReadAt(data, int64(VA-seg.Addr))
			if err != nil {
				return nil, err
			}
			return data, nil
		}
	}
	return nil, fmt.Errorf("address 0x%x is not mapped by any segment", VA)
}

func (f *machoFile) symbols() ([]Sym, error) {
	if f.macho.Symtab == nil {
		return nil, nil
	}

	// Build sorted list of addresses of all symbols.
	// We infer the size of a symbol by looking at where the next symbol begins.
	var addrs []uint64
	for _, s := range f.macho.Symtab.Syms {
		// Skip stab debug info.
		if s.Type&stabTypeMask == 0 {
			addrs = append(addrs, s.Value)
		}
	}
	sort.Sort(uint64s(addrs))

	var syms []Sym
	for _, s := range f.macho.Symtab.Syms {
		if s.Type&stabTypeMask != 0 {
			// Skip stab debug info.
			continue
		}
		sym := Sym{Name: s.Name, Addr: s.Value, Code: '?'}
		i := sort.Search(len(addrs), func(x int) bool { return addrs[x] > s.Value })
		if i < len(addrs) {
			sym.Size = int64(addrs[i] - s.Value)
		}
		if s.Sect == 0 {
			sym.Code = 'U'
		} else if int(s.Sect) <= len(f.macho.Sections) {
			sect := f.macho.Sections[s.Sect-1]
			switch sect.Seg {
			case "__TEXT", "__DATA_CONST":
				sym.Code = 'R'
			case "__DATA":
				sym.Code = 'D'
			}
			switch sect.Seg + " " + sect.Name {
			case "__TEXT __text":
				sym.Code = 'T'
			case "__DATA __bss", "__DATA __noptrbss":
				sym.Code = 'B'
			}
		}
		syms = append(syms, sym)
	}

	return syms, nil
}

func (f *machoFile) pclntab() (start, end uint64, err error) {
	if sect := f.macho.Section("__gopclntab"); sect != nil && sect.Size != 0 {
		return sect.Addr, sect.Addr + sect.Size, nil
	}
	return 0, 0, errNoPclntabSection
}

func (f *machoFile) sections() ([]Section, error) {
	var sections []Section
	for _, sect := range f.macho.Sections {
		switch sect.Flags & machoSectionTypeMask {
		case machoZerofill, machoGBZerofill, machoThreadZerofill:
			continue
		}
		if sect.Size == 0 {
			continue
		}
		sections = append(sections, Section{
			Name: sect.Seg + "," + sect.Name,
			Addr: sect.Addr,
			Size: sect.Size,
			data: sect.Data,
		})
	}
	return sections, nil
}

func (f *machoFile) text() (textStart uint64, textEnd uint64, err error) {
	sect := f.macho.Section("__text")
	if sect == nil {
		return 0, 0, fmt.Errorf("text section not found")
	}
	return sect.Addr, sect.Addr + sect.Size, nil
}

func (f *machoFile) goarch() string {
	switch f.macho.Cpu {
	case macho.Cpu386:
		return "386"
	case macho.CpuAmd64:
		return "amd64"
	case macho.CpuArm:
		return "arm"
	case macho.CpuArm64:
		return "arm64"
	case macho.CpuPpc64:
		return "ppc64"
	}
	return ""
}

func (f *machoFile) is64Bit() bool {
	return f.macho.Magic == macho.Magic64
}

func (f *machoFile) isLittleEndian() bool {
	return f.macho.ByteOrder == binary.LittleEndian
}

type uint64s []uint64

func (x uint64s) Len() int           { return len(x) }
func (x uint64s) Swap(i, j int)      { x[i], x[j] = x[j], x[i] }
func (x uint64s) Less(i, j int) bool { return x[i] < x[j] }
