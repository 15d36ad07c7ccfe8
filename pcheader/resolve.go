/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package pcheader

import "fmt"

// OffsetTable holds the absolute addresses recovered from one pcHeader.
type OffsetTable struct {
	FuncnameAddr  uint64
	CUAddr        uint64
	FiletabAddr   uint64
	PctabAddr     uint64
	PclnAddr      uint64
	TextStartAddr uint64
}

// tableSlot ties a header field to the OffsetTable member it fills and the
// schema of the region found at the resolved address. textStart points into
// code, so it gets no region.
type tableSlot struct {
	field  string
	region string
	addr   func(*OffsetTable) *uint64
}

var tableSlots = []tableSlot{
	{"textStart", "", func(t *OffsetTable) *uint64 { return &t.TextStartAddr }},
	{"funcnameOffset", "funcnametab", func(t *OffsetTable) *uint64 { return &t.FuncnameAddr }},
	{"cuOffset", "cutab", func(t *OffsetTable) *uint64 { return &t.CUAddr }},
	{"filetabOffset", "filetab", func(t *OffsetTable) *uint64 { return &t.FiletabAddr }},
	{"pctabOffset", "pctab", func(t *OffsetTable) *uint64 { return &t.PctabAddr }},
	{"pclnOffset", "pclntab", func(t *OffsetTable) *uint64 { return &t.PclnAddr }},
}

// TableAddr is one named entry of an OffsetTable.
type TableAddr struct {
	Field  string // header field the address came from
	Region string // region schema, empty for textStart
	Addr   uint64
}

// Addrs lists the table's addresses with the header fields they came from.
func (t *OffsetTable) Addrs() []TableAddr {
	addrs := make([]TableAddr, 0, len(tableSlots))
	for _, slot := range tableSlots {
		addrs = append(addrs, TableAddr{Field: slot.field, Region: slot.region, Addr: *slot.addr(t)})
	}
	return addrs
}

// ResolveOffsets turns the offset fields of rec into absolute addresses.
// Relative offsets count from the header base, not from the field that holds
// them, and must land inside bounds; an offset of 0 is the header itself.
// Absolute addresses are carried through unchanged.
func ResolveOffsets(rec *HeaderRecord, base uint64, bounds Bounds) (*OffsetTable, error) {
	if err := bounds.validate(); err != nil {
		return nil, err
	}

	resolved := make(map[string]uint64, len(tableSlots))
	for _, f := range rec.Fields() {
		switch f.Role {
		case RoleAbsoluteAddress:
			resolved[f.Name] = f.Value
		case RoleRelativeOffset:
			addr := base + f.Value
			if addr < base || !bounds.Contains(addr) {
				return nil, &OutOfBoundsOffsetError{Field: f.Name, Offset: f.Value, Addr: addr, Bounds: bounds}
			}
			resolved[f.Name] = addr
		}
	}

	table := &OffsetTable{}
	for _, slot := range tableSlots {
		addr, ok := resolved[slot.field]
		if !ok {
			return nil, &LayoutMismatchError{Field: slot.field, Addr: base, Reason: fmt.Sprintf("schema %s does not declare this field", rec.Schema)}
		}
		*slot.addr(table) = addr
	}
	return table, nil
}
