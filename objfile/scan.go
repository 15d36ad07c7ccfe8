/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package objfile

import (
	"encoding/binary"
	"fmt"

	"github.com/mandiant/pclnhdr/pcheader"
)

// Candidate is a byte sequence that looks like a pcHeader.
type Candidate struct {
	Addr    uint64
	Section string
	Tag     pcheader.VersionTag
	// Error is set when the header does not decode or its offsets fall
	// outside the containing section.
	Error string `json:",omitempty"`
}

// Valid reports whether the candidate decoded cleanly.
func (c Candidate) Valid() bool {
	return c.Error == ""
}

// headerPattern matches a registered magic followed by zero padding, a
// plausible minLC and a plausible ptrSize.
func headerPattern(magic uint32) string {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], magic)
	return fmt.Sprintf("{ %02X %02X %02X %02X 00 00 (01|02|04) (04|08) }", raw[0], raw[1], raw[2], raw[3])
}

// HeaderPatterns compiles one scan pattern per magic registered in reg.
func HeaderPatterns(reg *pcheader.Registry) ([]*RegexAndNeedle, error) {
	var patterns []*RegexAndNeedle
	for _, magic := range reg.Magics() {
		p, err := RegexpPatternFromYaraPattern(headerPattern(magic))
		if err != nil {
			return nil, fmt.Errorf("pattern for magic 0x%08x: %w", magic, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// sectionAccessor serves reads from one section's contents.
type sectionAccessor struct {
	addr uint64
	data []byte
}

func (s sectionAccessor) ReadAt(addr uint64, n int) ([]byte, error) {
	if addr < s.addr || addr-s.addr >= uint64(len(s.data)) {
		return nil, fmt.Errorf("address 0x%x outside section", addr)
	}
	off := addr - s.addr
	end := off + uint64(n)
	if end > uint64(len(s.data)) {
		end = uint64(len(s.data))
	}
	return s.data[off:end], nil
}

// ScanSection looks for pcHeaders in data, which is mapped at addr. Each
// match is decoded and resolved against the rest of the section to tell
// real headers from coincidental byte runs.
func ScanSection(reg *pcheader.Registry, patterns []*RegexAndNeedle, name string, addr uint64, data []byte) []Candidate {
	var candidates []Candidate
	bytes := sectionAccessor{addr: addr, data: data}
	for _, p := range patterns {
		for _, off := range FindRegex(data, p) {
			c := Candidate{Addr: addr + uint64(off), Section: name}
			bounds := pcheader.Bounds{Start: c.Addr, End: addr + uint64(len(data))}

			tag, err := reg.DetectAt(bytes, c.Addr, bounds)
			if err != nil {
				c.Error = err.Error()
				candidates = append(candidates, c)
				continue
			}
			c.Tag = tag

			rec, err := reg.ParseHeader(bytes, c.Addr, bounds, tag)
			if err == nil {
				_, err = pcheader.ResolveOffsets(rec, c.Addr, bounds)
			}
			if err != nil {
				c.Error = err.Error()
			}
			candidates = append(candidates, c)
		}
	}
	return candidates
}

// ScanHeaders byte-scans every loadable section of f for pcHeaders. It finds
// the table in files whose symbols and section names have been stripped or
// renamed.
func (f *File) ScanHeaders(reg *pcheader.Registry) ([]Candidate, error) {
	patterns, err := HeaderPatterns(reg)
	if err != nil {
		return nil, err
	}
	sections, err := f.Sections()
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, sec := range sections {
		data, err := sec.Data()
		if err != nil {
			f.log.Debugf("skipping section %s: %v", sec.Name, err)
			continue
		}
		found := ScanSection(reg, patterns, sec.Name, sec.Addr, data)
		f.log.Debugf("section %s: %d candidates", sec.Name, len(found))
		candidates = append(candidates, found...)
	}
	return candidates, nil
}
