/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package pcheader

import "fmt"

// Bounds is the half-open address range [Start, End) of the module being analyzed.
type Bounds struct {
	Start uint64
	End   uint64
}

func (b Bounds) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", b.Start, b.End)
}

// Contains reports whether addr lies inside the range.
func (b Bounds) Contains(addr uint64) bool {
	return addr >= b.Start && addr < b.End
}

// ContainsRange reports whether [addr, addr+size) lies inside the range.
func (b Bounds) ContainsRange(addr uint64, size uint64) bool {
	if addr < b.Start || addr > b.End {
		return false
	}
	return size <= b.End-addr
}

// Size is the number of addressable bytes in the range.
func (b Bounds) Size() uint64 {
	return b.End - b.Start
}

func (b Bounds) validate() error {
	if b.End <= b.Start {
		return fmt.Errorf("%w: %s", ErrInvalidBounds, b)
	}
	return nil
}

// ByteAccessor gives bounds-checked random read access to the module's address space.
// ReadAt may return fewer than n bytes when the mapping ends early.
type ByteAccessor interface {
	ReadAt(addr uint64, n int) ([]byte, error)
}

// SymbolSink resolves symbol names to addresses.
type SymbolSink interface {
	Resolve(name string) (uint64, error)
}

// RegionSink stores typed regions of the analyzed program.
type RegionSink interface {
	HasDataAt(addr uint64) bool
	// HasDataIn reports whether any region overlaps [addr, addr+length).
	HasDataIn(addr uint64, length uint64) bool
	// SchemaAt returns the schema of the typed region starting at addr, if any.
	SchemaAt(addr uint64) (string, bool)
	Clear(addr uint64, length uint64) error
	CreateTypedRegion(addr uint64, length uint64, schema string) error
}

// RefKind classifies a reference edge.
type RefKind uint8

const (
	RefData RefKind = iota
)

func (k RefKind) String() string {
	switch k {
	case RefData:
		return "data"
	}
	return fmt.Sprintf("RefKind(%d)", uint8(k))
}

// ReferenceSink stores directed reference edges.
type ReferenceSink interface {
	HasReference(from, to uint64, kind RefKind) bool
	AddReference(from, to uint64, kind RefKind) error
}
