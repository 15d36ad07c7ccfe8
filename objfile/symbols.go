/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package objfile

import (
	"github.com/mandiant/pclnhdr/pcheader"
)

// Symbols resolves names against a file's symbol table. It implements
// pcheader.SymbolSink.
type Symbols struct {
	byName map[string]uint64

	// Fallback holds addresses for names missing from the table.
	Fallback map[string]uint64
}

// SymbolSink indexes the symbol table of f. When the pclntab can be located
// without symbols, the anchor names resolve to its start even in stripped
// files.
func (f *File) SymbolSink(anchors []string) (*Symbols, error) {
	syms, err := f.Symbols()
	if err != nil {
		return nil, err
	}
	s := &Symbols{byName: make(map[string]uint64, len(syms)), Fallback: map[string]uint64{}}
	for _, sym := range syms {
		if sym.Code == 'U' {
			continue
		}
		if _, dup := s.byName[sym.Name]; !dup {
			s.byName[sym.Name] = sym.Addr
		}
	}

	if bounds, err := f.PclntabBounds(); err == nil {
		for _, name := range anchors {
			s.Fallback[name] = bounds.Start
		}
	} else {
		f.log.Debugf("no pclntab fallback for anchor symbols: %v", err)
	}
	return s, nil
}

// Len is the number of indexed symbols.
func (s *Symbols) Len() int {
	return len(s.byName)
}

func (s *Symbols) Resolve(name string) (uint64, error) {
	if addr, ok := s.byName[name]; ok {
		return addr, nil
	}
	if addr, ok := s.Fallback[name]; ok {
		return addr, nil
	}
	return 0, &pcheader.SymbolNotFoundError{Names: []string{name}}
}
