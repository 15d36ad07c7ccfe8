/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package pcheader

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mandiant/pclnhdr/internal/metrics"
)

func resolvedModule(t *testing.T) (*HeaderRecord, *OffsetTable, Bounds) {
	t.Helper()
	mem, bounds := goModule()
	rec, err := DefaultRegistry().ParseHeader(mem, 0x10000, bounds, Pclntab118)
	if err != nil {
		t.Fatal(err)
	}
	table, err := ResolveOffsets(rec, 0x10000, bounds)
	if err != nil {
		t.Fatal(err)
	}
	return rec, table, bounds
}

func TestPlanRegions(t *testing.T) {
	rec, table, bounds := resolvedModule(t)

	want := []Region{
		{Addr: 0x10000, Length: 64, Schema: SchemaPcHeaderV0},
		{Addr: 0x10040, Length: 8, Schema: "funcnametab"},
		{Addr: 0x10048, Length: 8, Schema: "cutab"},
		{Addr: 0x10050, Length: 0x10, Schema: "filetab"},
		{Addr: 0x10060, Length: 0x10, Schema: "pctab"},
		{Addr: 0x10070, Length: 0x90, Schema: "pclntab"},
	}
	got, untyped := planRegions(table, rec, 0x10000, bounds)
	if !reflect.DeepEqual(got, want) || len(untyped) != 0 {
		t.Errorf("planRegions = %+v, %+v", got, untyped)
	}

	t.Run("tables inside the header", func(t *testing.T) {
		inside := *table
		inside.FuncnameAddr = 0x10000
		inside.CUAddr = 0x10020
		inside.FiletabAddr = 0x10060 // same start as pctab
		want := []Region{
			{Addr: 0x10000, Length: 64, Schema: SchemaPcHeaderV0},
			{Addr: 0x10060, Length: 0x10, Schema: "filetab"},
			{Addr: 0x10070, Length: 0x90, Schema: "pclntab"},
		}
		wantUntyped := []Region{
			{Addr: 0x10000, Schema: "funcnametab"},
			{Addr: 0x10020, Schema: "cutab"},
			{Addr: 0x10060, Schema: "pctab"},
		}
		got, untyped := planRegions(&inside, rec, 0x10000, bounds)
		if !reflect.DeepEqual(got, want) || !reflect.DeepEqual(untyped, wantUntyped) {
			t.Errorf("planRegions = %+v, %+v", got, untyped)
		}
	})
}

func TestMaterialize(t *testing.T) {
	rec, table, bounds := resolvedModule(t)
	regions, refs := newRegions(), &refStore{}
	collector := metrics.New("")

	m := NewMaterializer(ConflictSkip)
	m.Metrics = collector
	report, err := m.Materialize(table, rec, 0x10000, bounds, regions, refs)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Created) != 6 || len(report.Skipped) != 0 {
		t.Errorf("created %d regions, skipped %d", len(report.Created), len(report.Skipped))
	}

	wantEdges := []edge{
		{0x10010, 0x401000, RefData},
		{0x10018, 0x10040, RefData},
		{0x10020, 0x10048, RefData},
		{0x10028, 0x10050, RefData},
		{0x10030, 0x10060, RefData},
		{0x10038, 0x10070, RefData},
	}
	if !reflect.DeepEqual(refs.edges, wantEdges) {
		t.Errorf("references = %+v", refs.edges)
	}
	if got := testutil.ToFloat64(collector.References); got != 6 {
		t.Errorf("references metric = %v", got)
	}

	t.Run("idempotent", func(t *testing.T) {
		again, err := m.Materialize(table, rec, 0x10000, bounds, regions, refs)
		if err != nil {
			t.Fatal(err)
		}
		if len(again.Created) != 0 || len(again.Existing) != 6 || len(again.Skipped) != 0 {
			t.Errorf("second run created %d, existing %d, skipped %d", len(again.Created), len(again.Existing), len(again.Skipped))
		}
		if len(again.References) != 0 || len(again.Known) != 6 || refs.adds != 6 {
			t.Errorf("second run added %d references", len(again.References))
		}
	})
}

func TestMaterializeConflicts(t *testing.T) {
	rec, table, bounds := resolvedModule(t)

	occupied := func() *regionStore {
		r := newRegions()
		// untyped data over the cutab
		r.byAddr[0x10048] = region{length: 8}
		return r
	}

	t.Run("skip", func(t *testing.T) {
		regions, refs := occupied(), &refStore{}
		report, err := NewMaterializer(ConflictSkip).Materialize(table, rec, 0x10000, bounds, regions, refs)
		if err != nil {
			t.Fatal(err)
		}
		if len(report.Skipped) != 1 || report.Skipped[0].Addr != 0x10048 || report.Skipped[0].Schema != "cutab" {
			t.Errorf("skipped = %v", report.Skipped)
		}
		if len(report.Warnings()) != 1 {
			t.Errorf("expected one warning")
		}
		if _, typed := regions.SchemaAt(0x10048); typed {
			t.Errorf("existing data was overwritten")
		}
		if len(refs.edges) != 6 {
			t.Errorf("references should still be added, got %d", len(refs.edges))
		}
	})

	t.Run("clear", func(t *testing.T) {
		regions, refs := occupied(), &refStore{}
		report, err := NewMaterializer(ConflictClear).Materialize(table, rec, 0x10000, bounds, regions, refs)
		if err != nil {
			t.Fatal(err)
		}
		if len(report.Cleared) != 1 || regions.clears != 1 {
			t.Errorf("cleared %d regions", len(report.Cleared))
		}
		if schema, _ := regions.SchemaAt(0x10048); schema != "cutab" {
			t.Errorf("schema at 0x10048 = %q", schema)
		}
	})

	t.Run("fail", func(t *testing.T) {
		regions, refs := occupied(), &refStore{}
		report, err := NewMaterializer(ConflictFail).Materialize(table, rec, 0x10000, bounds, regions, refs)
		var conflict *RegionConflictError
		if !errors.As(err, &conflict) || conflict.Addr != 0x10048 {
			t.Fatalf("expected RegionConflictError, got %v", err)
		}
		// earlier commits stay
		if len(report.Created) != 2 {
			t.Errorf("created %d regions before the conflict, want 2", len(report.Created))
		}
		if len(refs.edges) != 0 {
			t.Errorf("references added after a failed region commit")
		}
	})

	// data inside the pclntab range, away from its start
	inside := func() *regionStore {
		r := newRegions()
		r.byAddr[0x100c0] = region{length: 4}
		return r
	}

	t.Run("skip data inside a table", func(t *testing.T) {
		regions, refs := inside(), &refStore{}
		report, err := NewMaterializer(ConflictSkip).Materialize(table, rec, 0x10000, bounds, regions, refs)
		if err != nil {
			t.Fatal(err)
		}
		if len(report.Skipped) != 1 || report.Skipped[0].Addr != 0x10070 || report.Skipped[0].Schema != "pclntab" {
			t.Errorf("skipped = %v", report.Skipped)
		}
		if len(report.Created) != 5 || len(refs.edges) != 6 {
			t.Errorf("created %d regions and %d references", len(report.Created), len(refs.edges))
		}
		if _, ok := regions.byAddr[0x100c0]; !ok {
			t.Errorf("existing data was removed")
		}
	})

	t.Run("clear data inside a table", func(t *testing.T) {
		regions := inside()
		report, err := NewMaterializer(ConflictClear).Materialize(table, rec, 0x10000, bounds, regions, &refStore{})
		if err != nil {
			t.Fatal(err)
		}
		if len(report.Cleared) != 1 || report.Cleared[0].Schema != "pclntab" {
			t.Errorf("cleared = %v", report.Cleared)
		}
		if _, ok := regions.byAddr[0x100c0]; ok {
			t.Errorf("data inside pclntab survived")
		}
		if schema, _ := regions.SchemaAt(0x10070); schema != "pclntab" {
			t.Errorf("schema at 0x10070 = %q", schema)
		}
	})

	t.Run("fail on data inside a table", func(t *testing.T) {
		_, err := NewMaterializer(ConflictFail).Materialize(table, rec, 0x10000, bounds, inside(), &refStore{})
		var conflict *RegionConflictError
		if !errors.As(err, &conflict) || conflict.Addr != 0x10070 {
			t.Errorf("expected RegionConflictError at pclntab, got %v", err)
		}
	})

	t.Run("other schema", func(t *testing.T) {
		regions := newRegions()
		regions.byAddr[0x10000] = region{length: 64, schema: "pcHeaderV9"}
		report, err := NewMaterializer(ConflictSkip).Materialize(table, rec, 0x10000, bounds, regions, &refStore{})
		if err != nil {
			t.Fatal(err)
		}
		if len(report.Skipped) != 1 || report.Skipped[0].Existing != "pcHeaderV9" {
			t.Errorf("skipped = %v", report.Skipped)
		}
	})

	t.Run("sink failure", func(t *testing.T) {
		regions := newRegions()
		regions.createErr = errors.New("read-only program")
		if _, err := NewMaterializer(ConflictSkip).Materialize(table, rec, 0x10000, bounds, regions, &refStore{}); err == nil {
			t.Errorf("expected sink error")
		}
	})
}

func TestMaterializeTableInsideHeader(t *testing.T) {
	mem, bounds := goModule()
	// funcnameOffset 0 names the header itself
	for i := 0x18; i < 0x20; i++ {
		mem.data[i] = 0
	}
	regions, refs := newRegions(), &refStore{}
	d := NewDriver(DefaultRegistry(), ConflictClear)

	for run := 1; run <= 2; run++ {
		res, err := d.AnalyzeDetailed(context.Background(), bounds, mem, symbols{"runtime.pclntab": 0x10000}, regions, refs)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		report := res.Report
		if len(report.Cleared) != 0 || len(report.Skipped) != 0 {
			t.Errorf("run %d cleared %v, skipped %v", run, report.Cleared, report.Skipped)
		}
		if len(report.Untyped) != 1 || report.Untyped[0].Schema != "funcnametab" {
			t.Errorf("run %d untyped = %v", run, report.Untyped)
		}
		if schema, _ := regions.SchemaAt(0x10000); schema != SchemaPcHeaderV0 {
			t.Errorf("run %d: header region replaced by %q", run, schema)
		}
		if run == 1 && len(report.Created) != 5 {
			t.Errorf("run 1 created %d regions", len(report.Created))
		}
		if run == 2 && (len(report.Created) != 0 || len(report.Existing) != 5) {
			t.Errorf("run 2 created %d, existing %d", len(report.Created), len(report.Existing))
		}
	}

	// the header field still points at its table
	found := false
	for _, e := range refs.edges {
		if e.from == 0x10018 && e.to == 0x10000 {
			found = true
		}
	}
	if !found || refs.adds != 6 {
		t.Errorf("references = %+v", refs.edges)
	}
}

func TestParseConflictPolicy(t *testing.T) {
	for _, p := range []ConflictPolicy{ConflictSkip, ConflictClear, ConflictFail} {
		got, err := ParseConflictPolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParseConflictPolicy(%s) = %v, %v", p, got, err)
		}
	}
	if _, err := ParseConflictPolicy("overwrite"); err == nil {
		t.Errorf("expected error for unknown policy")
	}
}
