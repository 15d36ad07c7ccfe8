/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package listing is an in-memory program listing: typed regions keyed by
// address plus a reference index. It satisfies pcheader.RegionSink and
// pcheader.ReferenceSink and backs the pclnhdr command line tool.
package listing

import (
	"fmt"
	"sync"

	"github.com/elliotchance/orderedmap"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/mandiant/pclnhdr/internal/logflags"
	"github.com/mandiant/pclnhdr/pcheader"
)

// Region is a typed or untyped address range. Untyped regions stand for
// data defined by someone other than the analyzer.
type Region struct {
	Addr   uint64
	Length uint64
	Schema string `json:",omitempty"`
}

// End is the first address past the region.
func (r Region) End() uint64 {
	return r.Addr + r.Length
}

func (r Region) contains(addr uint64) bool {
	return addr >= r.Addr && addr < r.End()
}

func (r Region) overlaps(addr, length uint64) bool {
	return addr < r.End() && r.Addr < addr+length
}

// Reference is a directed edge between two addresses.
type Reference struct {
	From uint64
	To   uint64
	Kind pcheader.RefKind
}

func (r Reference) String() string {
	return fmt.Sprintf("0x%x -> 0x%x (%s)", r.From, r.To, r.Kind)
}

// Listing holds regions and references for one program. It is safe for
// concurrent use.
type Listing struct {
	mu sync.RWMutex

	starts  []uint64               // sorted region starts
	regions *orderedmap.OrderedMap // start -> Region, in creation order
	refs    *orderedmap.OrderedMap // Reference -> struct{}, in insertion order

	log *logrus.Entry
}

// New returns an empty listing.
func New() *Listing {
	return &Listing{
		regions: orderedmap.NewOrderedMap(),
		refs:    orderedmap.NewOrderedMap(),
		log:     logflags.ListingLogger(),
	}
}

// find returns the region containing addr.
func (l *Listing) find(addr uint64) (Region, bool) {
	i, found := slices.BinarySearch(l.starts, addr)
	if !found {
		if i == 0 {
			return Region{}, false
		}
		i--
	}
	v, _ := l.regions.Get(l.starts[i])
	r := v.(Region)
	return r, r.contains(addr)
}

// HasDataAt reports whether any region covers addr.
func (l *Listing) HasDataAt(addr uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.find(addr)
	return ok
}

// HasDataIn reports whether any region overlaps [addr, addr+length).
func (l *Listing) HasDataIn(addr uint64, length uint64) bool {
	if length == 0 {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.find(addr); ok {
		return true
	}
	i, _ := slices.BinarySearch(l.starts, addr)
	return i < len(l.starts) && l.starts[i]-addr < length
}

// SchemaAt returns the schema of the typed region starting exactly at addr.
func (l *Listing) SchemaAt(addr uint64) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.regions.Get(addr)
	if !ok {
		return "", false
	}
	r := v.(Region)
	return r.Schema, r.Schema != ""
}

// Clear removes every region overlapping [addr, addr+length).
func (l *Listing) Clear(addr uint64, length uint64) error {
	if length == 0 {
		return fmt.Errorf("clear at 0x%x: zero length", addr)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.starts[:0]
	for _, start := range l.starts {
		v, _ := l.regions.Get(start)
		r := v.(Region)
		if r.overlaps(addr, length) {
			l.regions.Delete(start)
			l.log.Debugf("cleared %s at 0x%x", r.Schema, r.Addr)
			continue
		}
		kept = append(kept, start)
	}
	l.starts = kept
	return nil
}

// CreateTypedRegion adds a region. It fails if the range overlaps an
// existing region.
func (l *Listing) CreateTypedRegion(addr uint64, length uint64, schema string) error {
	return l.define(Region{Addr: addr, Length: length, Schema: schema})
}

// DefineData adds an untyped region, standing in for data another analyzer
// already placed there.
func (l *Listing) DefineData(addr uint64, length uint64) error {
	return l.define(Region{Addr: addr, Length: length})
}

func (l *Listing) define(r Region) error {
	if r.Length == 0 {
		return fmt.Errorf("region %s at 0x%x: zero length", r.Schema, r.Addr)
	}
	if r.End() < r.Addr {
		return fmt.Errorf("region %s at 0x%x: length 0x%x overflows", r.Schema, r.Addr, r.Length)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	i, found := slices.BinarySearch(l.starts, r.Addr)
	if found {
		return fmt.Errorf("region %s at 0x%x overlaps existing data", r.Schema, r.Addr)
	}
	if i > 0 {
		if prev, _ := l.regions.Get(l.starts[i-1]); prev.(Region).overlaps(r.Addr, r.Length) {
			return fmt.Errorf("region %s at 0x%x overlaps %s at 0x%x", r.Schema, r.Addr, prev.(Region).Schema, prev.(Region).Addr)
		}
	}
	if i < len(l.starts) && l.starts[i] < r.End() {
		return fmt.Errorf("region %s at 0x%x overlaps data at 0x%x", r.Schema, r.Addr, l.starts[i])
	}

	l.starts = slices.Insert(l.starts, i, r.Addr)
	l.regions.Set(r.Addr, r)
	l.log.Debugf("defined %s [0x%x, 0x%x)", r.Schema, r.Addr, r.End())
	return nil
}

// HasReference reports whether the edge is already recorded.
func (l *Listing) HasReference(from, to uint64, kind pcheader.RefKind) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.refs.Get(Reference{From: from, To: to, Kind: kind})
	return ok
}

// AddReference records an edge. Adding an edge twice keeps one copy.
func (l *Listing) AddReference(from, to uint64, kind pcheader.RefKind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref := Reference{From: from, To: to, Kind: kind}
	if _, ok := l.refs.Get(ref); ok {
		return nil
	}
	l.refs.Set(ref, struct{}{})
	l.log.Debugf("reference %s", ref)
	return nil
}

// Regions returns all regions in address order.
func (l *Listing) Regions() []Region {
	l.mu.RLock()
	defer l.mu.RUnlock()
	regions := make([]Region, 0, len(l.starts))
	for _, start := range l.starts {
		v, _ := l.regions.Get(start)
		regions = append(regions, v.(Region))
	}
	return regions
}

// References returns all edges in the order they were added.
func (l *Listing) References() []Reference {
	return l.filterRefs(func(Reference) bool { return true })
}

// ReferencesFrom returns the edges leaving addr.
func (l *Listing) ReferencesFrom(addr uint64) []Reference {
	return l.filterRefs(func(r Reference) bool { return r.From == addr })
}

// ReferencesTo returns the edges arriving at addr.
func (l *Listing) ReferencesTo(addr uint64) []Reference {
	return l.filterRefs(func(r Reference) bool { return r.To == addr })
}

func (l *Listing) filterRefs(keep func(Reference) bool) []Reference {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var refs []Reference
	for el := l.refs.Front(); el != nil; el = el.Next() {
		if r := el.Key.(Reference); keep(r) {
			refs = append(refs, r)
		}
	}
	return refs
}
