// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package objfile implements portable access to OS-specific executable files,
// and adapts them to the collaborator interfaces of package pcheader.
package objfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/mandiant/pclnhdr/internal/logflags"
	"github.com/mandiant/pclnhdr/pcheader"
)

var errNoPclntabSection = errors.New("no pclntab section")

type rawFile interface {
	symbols() (syms []Sym, err error)
	sections() ([]Section, error)
	pclntab() (start, end uint64, err error)
	read_memory(VA uint64, size uint64) (data []byte, err error)
	text() (textStart uint64, textEnd uint64, err error)
	goarch() string
	is64Bit() bool
	isLittleEndian() bool
}

// A File is an opened executable file.
type File struct {
	name string
	r    *os.File
	raw  rawFile
	log  *logrus.Entry
}

// A Sym is a symbol defined in an executable file.
type Sym struct {
	Name string // symbol name
	Addr uint64 // virtual address of symbol
	Size int64  // size in bytes
	Code rune   // nm code (T for text, D for data, and so on)
}

// A Section is a loadable section and the virtual address it is mapped at.
type Section struct {
	Name string
	Addr uint64
	Size uint64

	data func() ([]byte, error)
}

// Data reads the section contents from the file.
func (s Section) Data() ([]byte, error) {
	if s.data == nil {
		return nil, fmt.Errorf("section %s has no contents", s.Name)
	}
	return s.data()
}

var openers = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

// Open opens the named file.
// The caller must call f.Close when the file is no longer needed.
func Open(name string) (*File, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	log := logflags.ObjfileLogger().WithField("file", name)
	for _, try := range openers {
		if raw, err := try(r); err == nil {
			log.Debugf("opened %s executable", raw.goarch())
			return &File{name: name, r: r, raw: raw, log: log}, nil
		}
	}
	r.Close()
	return nil, fmt.Errorf("open %s: unrecognized object file or bad filepath", name)
}

func (f *File) Close() error {
	return f.r.Close()
}

func (f *File) Name() string {
	return f.name
}

// Symbols returns the symbol table sorted by address. A stripped file has none.
func (f *File) Symbols() ([]Sym, error) {
	syms, err := f.raw.symbols()
	if err != nil {
		return nil, err
	}
	sort.Sort(byAddr(syms))
	return syms, nil
}

func (f *File) Sections() ([]Section, error) {
	return f.raw.sections()
}

// Text returns the virtual address range of the main code section.
func (f *File) Text() (start, end uint64, err error) {
	return f.raw.text()
}

func (f *File) GOARCH() string {
	return f.raw.goarch()
}

func (f *File) Is64Bit() bool {
	return f.raw.is64Bit()
}

func (f *File) LittleEndian() bool {
	return f.raw.isLittleEndian()
}

// PclntabBounds returns the address range of the pclntab. The dedicated
// section is preferred; without one the runtime.pclntab and
// runtime.epclntab symbols delimit the table.
func (f *File) PclntabBounds() (pcheader.Bounds, error) {
	start, end, err := f.raw.pclntab()
	if err == nil {
		return pcheader.Bounds{Start: start, End: end}, nil
	}
	if !errors.Is(err, errNoPclntabSection) {
		f.log.Debugf("pclntab section lookup: %v", err)
	}

	syms, serr := f.Symbols()
	if serr != nil {
		return pcheader.Bounds{}, fmt.Errorf("pclntab not found: %w", serr)
	}
	var haveStart, haveEnd bool
	for _, s := range syms {
		switch s.Name {
		case "runtime.pclntab", "_runtime.pclntab":
			start, haveStart = s.Addr, true
		case "runtime.epclntab", "_runtime.epclntab":
			end, haveEnd = s.Addr, true
		}
	}
	if !haveStart || !haveEnd {
		return pcheader.Bounds{}, fmt.Errorf("pclntab not found: %w", err)
	}
	if end <= start {
		return pcheader.Bounds{}, fmt.Errorf("pclntab symbols are malformed: 0x%x-0x%x", start, end)
	}
	return pcheader.Bounds{Start: start, End: end}, nil
}

type byAddr []Sym

func (x byAddr) Less(i, j int) bool { return x[i].Addr < x[j].Addr }
func (x byAddr) Len() int           { return len(x) }
func (x byAddr) Swap(i, j int)      { x[i], x[j] = x[j], x[i] }

func findAllOccurrences(data []byte, searches [][]byte) []int {
	var results []int
	for _, search := range searches {
		if len(search) == 0 {
			continue
		}
		for off := 0; off < len(data); {
			idx := bytes.Index(data[off:], search)
			if idx == -1 {
				break
			}
			results = append(results, off+idx)
			off += idx + 1
		}
	}
	return results
}
