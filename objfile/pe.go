// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Parsing of PE executables (Microsoft Windows).

package objfile

import (
	"debug/pe"
	"fmt"
	"io"
	"sort"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

func (f *peFile) imageBase() uint64 {
	switch oh := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		return oh.ImageBase
	}
	return 0
}

func (f *peFile) read_memory(VA uint64, size uint64) (data []byte, err error) {
	VA -= f.imageBase()
	for _, sect := range f.pe.Sections {
		if sect.Size == 0 {
			continue
		}
		if uint64(sect.VirtualAddress) <= VA && VA <= uint64(sect.VirtualAddress+sect.Size-1) {
			n := uint64(sect.VirtualAddress+sect.Size) - VA
			if n > size {
				n = size
			}
			data := make([]byte, n)
			_, err := sect.ReadAt(data, int64(VA-uint64(sect.VirtualAddress)))
			if err != nil {
				return nil, fmt.Errorf("reading section %s: %w", sect.Name, err)
			}
			return data, nil
		}
	}
	return nil, fmt.Errorf("address 0x%x is not mapped by any section", VA+f.imageBase())
}

func (f *peFile) symbols() ([]Sym, error) {
	// Build sorted list of addresses of all symbols.
	// We infer the size of a symbol by looking at where the next symbol begins.
	var addrs []uint64

	imageBase := f.imageBase()

	var syms []Sym
	for _, s := range f.pe.Symbols {
		const (
			N_UNDEF = 0  // An undefined (extern) symbol
			N_ABS   = -1 // An absolute symbol (e_value is a constant, not an address)
			N_DEBUG = -2 // A debugging symbol
		)
		sym := Sym{Name: s.Name, Addr: uint64(s.Value), Code: '?'}
		switch s.SectionNumber {
		case N_UNDEF:
			sym.Code = 'U'
		case N_ABS:
			sym.Code = 'C'
		case N_DEBUG:
			sym.Code = '?'
		default:
			if s.SectionNumber < 0 || len(f.pe.Sections) < int(s.SectionNumber) {
				return nil, fmt.Errorf("invalid section number in symbol table")
			}
			sect := f.pe.Sections[s.SectionNumber-1]
			const (
				text  = 0x20
				data  = 0x40
				bss   = 0x80
				permW = 0x80000000
			)
			ch := sect.Characteristics
			switch {
			case ch&text != 0:
				sym.Code = 'T'
			case ch&data != 0:
				if ch&permW == 0 {
					sym.Code = 'R'
				} else {
					sym.Code = 'D'
				}
			case ch&bss != 0:
				sym.Code = 'B'
			}
			sym.Addr += imageBase + uint64(sect.VirtualAddress)
		}
		syms = append(syms, sym)
		addrs = append(addrs, sym.Addr)
	}

	sort.Sort(uint64s(addrs))
	for i := range syms {
		j := sort.Search(len(addrs), func(x int) bool { return addrs[x] > syms[i].Addr })
		if j < len(addrs) {
			syms[i].Size = int64(addrs[j] - syms[i].Addr)
		}
	}

	return syms, nil
}

func findPESymbol(f *pe.File, name string) (*pe.Symbol, error) {
	for _, s := range f.Symbols {
		if s.Name != name {
			continue
		}
		if s.SectionNumber <= 0 {
			return nil, fmt.Errorf("symbol %s: invalid section number %d", name, s.SectionNumber)
		}
		if len(f.Sections) < int(s.SectionNumber) {
			return nil, fmt.Errorf("symbol %s: section number %d is larger than max %d", name, s.SectionNumber, len(f.Sections))
		}
		return s, nil
	}
	return nil, fmt.Errorf("no %s symbol found", name)
}

// pclntab locates the table through the runtime.pclntab and
// runtime.epclntab symbols; the Go linker emits no dedicated PE section.
func (f *peFile) pclntab() (start, end uint64, err error) {
	ssym, err := findPESymbol(f.pe, "runtime.pclntab")
	if err != nil {
		return 0, 0, err
	}
	esym, err := findPESymbol(f.pe, "runtime.epclntab")
	if err != nil {
		return 0, 0, err
	}
	if ssym.SectionNumber != esym.SectionNumber {
		return 0, 0, fmt.Errorf("runtime.pclntab and runtime.epclntab symbols must be in the same section")
	}
	if ssym.Value > esym.Value {
		return 0, 0, fmt.Errorf("pclntab symbols are malformed")
	}

	sect := f.pe.Sections[ssym.SectionNumber-1]
	base := f.imageBase() + uint64(sect.VirtualAddress)
	return base + uint64(ssym.Value), base + uint64(esym.Value), nil
}

func (f *peFile) sections() ([]Section, error) {
	imageBase := f.imageBase()
	var sections []Section
	for _, sect := range f.pe.Sections {
		if sect.Size == 0 {
			continue
		}
		sections = append(sections, Section{
			Name: sect.Name,
			Addr: imageBase + uint64(sect.VirtualAddress),
			Size: uint64(sect.Size),
			data: sect.Data,
		})
	}
	return sections, nil
}

func (f *peFile) text() (textStart uint64, textEnd uint64, err error) {
	sect := f.pe.Section(".text")
	if sect == nil {
		return 0, 0, fmt.Errorf("text section not found")
	}
	textStart = f.imageBase() + uint64(sect.VirtualAddress)
	return textStart, textStart + uint64(sect.VirtualSize), nil
}

func (f *peFile) goarch() string {
	switch f.pe.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		return "386"
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return "amd64"
	case pe.IMAGE_FILE_MACHINE_ARMNT:
		return "arm"
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return "arm64"
	default:
		return ""
	}
}

func (f *peFile) is64Bit() bool {
	_, ok := f.pe.OptionalHeader.(*pe.OptionalHeader64)
	return ok
}

// every architecture Go targets on Windows is little endian
func (f *peFile) isLittleEndian() bool {
	return true
}
