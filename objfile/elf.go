// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Parsing of ELF executables (Linux, FreeBSD, and so on).

package objfile

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (f *elfFile) read_memory(VA uint64, size uint64) (data []byte, err error) {
	for _, prog := range f.elf.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		if prog.Vaddr <= VA && VA <= prog.Vaddr+prog.Filesz-1 {
			n := prog.Vaddr + prog.Filesz - VA
			if n > size {
				n = size
			}
			data := make([]byte, n)
			_, err := prog.ReadAt(data, int64(VA-prog.Vaddr))
			if err != nil {
				return nil, err
			}
			return data, nil
		}
	}
	return nil, fmt.Errorf("address 0x%x is not mapped by any segment", VA)
}

func (f *elfFile) symbols() ([]Sym, error) {
	elfSyms, err := f.elf.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var syms []Sym
	for _, s := range elfSyms {
		sym := Sym{Addr: s.Value, Name: s.Name, Size: int64(s.Size), Code: elfSymCode(s, f.elf.Sections)}
		syms = append(syms, sym)
	}

	return syms, nil
}

// elfSymCode returns the nm-style code for s, lowercase for local symbols.
func elfSymCode(s elf.Symbol, sections []*elf.Section) rune {
	code := '?'
	switch s.Section {
	case elf.SHN_UNDEF:
		code = 'U'
	case elf.SHN_COMMON:
		code = 'B'
	default:
		i := int(s.Section)
		if i < 0 || i >= len(sections) {
			break
		}
		switch sections[i].Flags & (elf.SHF_WRITE | elf.SHF_ALLOC | elf.SHF_EXECINSTR) {
		case elf.SHF_ALLOC | elf.SHF_EXECINSTR:
			code = 'T'
		case elf.SHF_ALLOC:
			code = 'R'
		case elf.SHF_ALLOC | elf.SHF_WRITE:
			code = 'D'
		}
	}
	if elf.ST_BIND(s.Info) == elf.STB_LOCAL && 'A' <= code && code <= 'Z' {
		code += 'a' - 'A'
	}
	return code
}

// pclntab returns the range of the .gopclntab section. Position independent
// executables keep it in .data.rel.ro.gopclntab instead.
func (f *elfFile) pclntab() (start, end uint64, err error) {
	for _, name := range []string{".gopclntab", ".data.rel.ro.gopclntab"} {
		if sect := f.elf.Section(name); sect != nil && sect.Size != 0 {
			return sect.Addr, sect.Addr + sect.Size, nil
		}
	}
	return 0, 0, errNoPclntabSection
}

func (f *elfFile) sections() ([]Section, error) {
	var sections []Section
	for _, sec := range f.elf.Sections {
		// first section is all zeros
		if sec.Type == elf.SHT_NULL || sec.Type == elf.SHT_NOBITS || sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		sections = append(sections, Section{
			Name: sec.Name,
			Addr: sec.Addr,
			Size: sec.Size,
			data: sec.Data,
		})
	}
	return sections, nil
}

func (f *elfFile) text() (textStart uint64, textEnd uint64, err error) {
	sect := f.elf.Section(".text")
	if sect == nil {
		return 0, 0, fmt.Errorf("text section not found")
	}
	return sect.Addr, sect.Addr + sect.Size, nil
}

func (f *elfFile) goarch() string {
	switch f.elf.Machine {
	case elf.EM_386:
		return "386"
	case elf.EM_X86_64:
		return "amd64"
	case elf.EM_ARM:
		return "arm"
	case elf.EM_AARCH64:
		return "arm64"
	case elf.EM_PPC64:
		if f.elf.ByteOrder == binary.LittleEndian {
			return "ppc64le"
		}
		return "ppc64"
	case elf.EM_S390:
		return "s390x"
	case elf.EM_RISCV:
		return "riscv64"
	case elf.EM_MIPS:
		if f.elf.ByteOrder == binary.LittleEndian {
			return "mipsle"
		}
		return "mips"
	}
	return ""
}

// is64Bit returns true if this is a 64-bit ELF file
func (f *elfFile) is64Bit() bool {
	return f.elf.Class == elf.ELFCLASS64
}

// isLittleEndian returns true if this is a little-endian ELF file
func (f *elfFile) isLittleEndian() bool {
	return f.elf.Data == elf.ELFDATA2LSB
}
