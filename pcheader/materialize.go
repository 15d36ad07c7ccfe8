/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package pcheader

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/mandiant/pclnhdr/internal/logflags"
	"github.com/mandiant/pclnhdr/internal/metrics"
)

// ConflictPolicy decides what happens when a region would be created over
// data that is already there.
type ConflictPolicy uint8

const (
	// ConflictSkip leaves the existing data and records a warning.
	ConflictSkip ConflictPolicy = iota
	// ConflictClear clears the target range before creating the region.
	ConflictClear
	// ConflictFail aborts materialization with a RegionConflictError.
	ConflictFail
)

func (p ConflictPolicy) String() string {
	switch p {
	case ConflictSkip:
		return "skip"
	case ConflictClear:
		return "clear"
	case ConflictFail:
		return "fail"
	}
	return fmt.Sprintf("ConflictPolicy(%d)", uint8(p))
}

// ParseConflictPolicy parses the names printed by ConflictPolicy.String.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "", "skip":
		return ConflictSkip, nil
	case "clear":
		return ConflictClear, nil
	case "fail":
		return ConflictFail, nil
	}
	return ConflictSkip, fmt.Errorf("unknown conflict policy %q (want skip, clear or fail)", s)
}

// Region is a typed range of the analyzed program.
type Region struct {
	Addr   uint64
	Length uint64
	Schema string
}

// Reference is a directed edge from a header field to the address it names.
type Reference struct {
	Field string
	From  uint64
	To    uint64
	Kind  RefKind
}

// MaterializeReport lists what one Materialize call did.
type MaterializeReport struct {
	Created    []Region
	Existing   []Region // already present with the same schema
	Cleared    []Region
	Skipped    []*RegionConflictError
	Untyped    []Region    // sub-tables starting inside another planned region
	References []Reference // newly added
	Known      []Reference // already present
}

// Warnings returns the skipped conflicts as errors.
func (r *MaterializeReport) Warnings() []error {
	var warnings []error
	for _, w := range r.Skipped {
		warnings = append(warnings, w)
	}
	return warnings
}

// Materializer commits resolved tables to region and reference sinks.
type Materializer struct {
	Policy  ConflictPolicy
	Log     *logrus.Entry
	Metrics *metrics.Collector
}

// NewMaterializer returns a materializer logging to the analysis layer.
func NewMaterializer(policy ConflictPolicy) *Materializer {
	return &Materializer{Policy: policy, Log: logflags.AnalysisLogger()}
}

// planRegions returns the header region followed by one region per sub-table.
// A sub-table extends to the next higher sub-table address, the last one to
// the end of the module. The planned regions never overlap: a sub-table that
// starts inside the header, or at the same address as an earlier sub-table,
// is returned in untyped and only gets its reference.
func planRegions(table *OffsetTable, rec *HeaderRecord, base uint64, bounds Bounds) (planned []Region, untyped []Region) {
	header := Region{Addr: base, Length: rec.ConsumedBytes, Schema: rec.Schema}
	planned = []Region{header}

	var starts []uint64
	for _, a := range table.Addrs() {
		if a.Region != "" && a.Addr >= header.Addr+header.Length {
			starts = append(starts, a.Addr)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	placed := map[uint64]bool{}
	for _, a := range table.Addrs() {
		if a.Region == "" {
			continue
		}
		if a.Addr < header.Addr+header.Length || placed[a.Addr] {
			untyped = append(untyped, Region{Addr: a.Addr, Schema: a.Region})
			continue
		}
		placed[a.Addr] = true

		end := bounds.End
		for _, s := range starts {
			if s > a.Addr {
				end = s
				break
			}
		}
		planned = append(planned, Region{Addr: a.Addr, Length: end - a.Addr, Schema: a.Region})
	}
	return planned, untyped
}

// Materialize types the header and each sub-table and links every header
// field to the address it resolved to. It is idempotent: regions already
// carrying the intended schema and references already present are left
// alone. A sink failure stops the run; commits made before it stay.
func (m *Materializer) Materialize(table *OffsetTable, rec *HeaderRecord, base uint64, bounds Bounds, regions RegionSink, refs ReferenceSink) (*MaterializeReport, error) {
	log := m.Log
	if log == nil {
		log = logflags.AnalysisLogger()
	}
	report := &MaterializeReport{}

	planned, untyped := planRegions(table, rec, base, bounds)
	for _, region := range untyped {
		log.Debugf("%s at 0x%x starts inside another table, referencing only", region.Schema, region.Addr)
	}
	report.Untyped = untyped
	for _, region := range planned {
		if err := m.commitRegion(log, report, regions, region); err != nil {
			return report, err
		}
	}

	for _, a := range table.Addrs() {
		offset, ok := rec.Offset(a.Field)
		if !ok {
			return report, &LayoutMismatchError{Field: a.Field, Addr: base, Reason: fmt.Sprintf("schema %s does not declare this field", rec.Schema)}
		}
		ref := Reference{Field: a.Field, From: base + offset, To: a.Addr, Kind: RefData}
		if refs.HasReference(ref.From, ref.To, ref.Kind) {
			report.Known = append(report.Known, ref)
			continue
		}
		if err := refs.AddReference(ref.From, ref.To, ref.Kind); err != nil {
			return report, fmt.Errorf("adding %s reference 0x%x -> 0x%x: %w", a.Field, ref.From, ref.To, err)
		}
		m.Metrics.Reference()
		report.References = append(report.References, ref)
	}
	return report, nil
}

func (m *Materializer) commitRegion(log *logrus.Entry, report *MaterializeReport, regions RegionSink, region Region) error {
	if regions.HasDataIn(region.Addr, region.Length) {
		existing, typed := regions.SchemaAt(region.Addr)
		if typed && existing == region.Schema {
			m.Metrics.Region("existing")
			report.Existing = append(report.Existing, region)
			return nil
		}

		conflict := &RegionConflictError{Addr: region.Addr, Schema: region.Schema, Existing: existing}
		switch m.Policy {
		case ConflictFail:
			m.Metrics.Region("conflict")
			return conflict
		case ConflictClear:
			log.Debugf("clearing [0x%x, 0x%x) to make room for %s", region.Addr, region.Addr+region.Length, region.Schema)
			if err := regions.Clear(region.Addr, region.Length); err != nil {
				return fmt.Errorf("clearing 0x%x for %s: %w", region.Addr, region.Schema, err)
			}
			m.Metrics.Region("cleared")
			report.Cleared = append(report.Cleared, region)
		default:
			log.Warnf("%v, skipping", conflict)
			m.Metrics.Region("skipped")
			report.Skipped = append(report.Skipped, conflict)
			return nil
		}
	}

	if err := regions.CreateTypedRegion(region.Addr, region.Length, region.Schema); err != nil {
		return fmt.Errorf("creating %s at 0x%x: %w", region.Schema, region.Addr, err)
	}
	log.Debugf("created %s at 0x%x (%d bytes)", region.Schema, region.Addr, region.Length)
	m.Metrics.Region("created")
	report.Created = append(report.Created, region)
	return nil
}
