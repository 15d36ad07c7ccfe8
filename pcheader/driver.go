/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package pcheader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mandiant/pclnhdr/internal/logflags"
	"github.com/mandiant/pclnhdr/internal/metrics"
)

// State is a step of the per-module analysis.
type State uint8

const (
	StateNotStarted State = iota
	StateMagicDetected
	StateHeaderParsed
	StateOffsetsResolved
	StateMaterialized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateMagicDetected:
		return "MagicDetected"
	case StateHeaderParsed:
		return "HeaderParsed"
	case StateOffsetsResolved:
		return "OffsetsResolved"
	case StateMaterialized:
		return "Materialized"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// DefaultAnchorSymbols are the names runtime.pclntab goes by across object formats.
var DefaultAnchorSymbols = []string{"runtime.pclntab", "_runtime.pclntab", "runtime.pcheader"}

// Driver runs the detect, parse, resolve and materialize pipeline for one
// module at a time. A Driver holds no per-module state and may be used by
// several goroutines at once.
type Driver struct {
	Registry      *Registry
	AnchorSymbols []string
	Materializer  *Materializer
	Log           *logrus.Entry
	Metrics       *metrics.Collector
}

// NewDriver returns a driver using reg, the default anchor symbols and the
// given conflict policy.
func NewDriver(reg *Registry, policy ConflictPolicy) *Driver {
	return &Driver{
		Registry:      reg,
		AnchorSymbols: DefaultAnchorSymbols,
		Materializer:  NewMaterializer(policy),
		Log:           logflags.AnalysisLogger(),
	}
}

// Result is everything one analysis produced.
type Result struct {
	Anchor uint64
	Tag    VersionTag
	Record *HeaderRecord
	Table  *OffsetTable
	Report *MaterializeReport
	States []State
}

// State is the last state the analysis reached.
func (r *Result) State() State {
	return r.States[len(r.States)-1]
}

// Analyze locates the pcHeader through symbols, decodes it and commits the
// sub-tables it names to regions and refs. Any failure is returned as an
// *AnalysisError wrapping the originating error.
func (d *Driver) Analyze(ctx context.Context, bounds Bounds, bytes ByteAccessor, symbols SymbolSink, regions RegionSink, refs ReferenceSink) (*OffsetTable, error) {
	res, err := d.AnalyzeDetailed(ctx, bounds, bytes, symbols, regions, refs)
	if err != nil {
		return nil, err
	}
	return res.Table, nil
}

// AnalyzeDetailed is Analyze returning the intermediate products as well.
// On failure the partial Result is returned alongside the error.
func (d *Driver) AnalyzeDetailed(ctx context.Context, bounds Bounds, bytes ByteAccessor, symbols SymbolSink, regions RegionSink, refs ReferenceSink) (*Result, error) {
	log := d.Log
	if log == nil {
		log = logflags.AnalysisLogger()
	}
	materializer := d.Materializer
	if materializer == nil {
		materializer = NewMaterializer(ConflictSkip)
	}
	if materializer.Metrics == nil {
		// copy so a shared materializer is not modified
		m := *materializer
		m.Metrics = d.Metrics
		materializer = &m
	}

	res := &Result{States: []State{StateNotStarted}}
	fail := func(err error) (*Result, error) {
		state := res.State()
		res.States = append(res.States, StateFailed)
		d.Metrics.Analysis(outcome(err))
		log.WithError(err).Errorf("analysis of module %s aborted in state %s", bounds, state)
		return res, &AnalysisError{State: state, Anchor: res.Anchor, Err: err}
	}

	if d.Registry == nil {
		return fail(errors.New("driver has no version registry"))
	}
	if err := bounds.validate(); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	anchor, err := d.resolveAnchor(symbols)
	if err != nil {
		return fail(err)
	}
	if !bounds.Contains(anchor) {
		return fail(&LayoutMismatchError{Field: "anchor", Addr: anchor, Reason: fmt.Sprintf("header anchor outside module bounds %s", bounds)})
	}
	res.Anchor = anchor
	log.Debugf("pcHeader anchor at 0x%x", anchor)

	phases := []struct {
		name string
		next State
		run  func() error
	}{
		{"detect", StateMagicDetected, func() (err error) {
			res.Tag, err = d.Registry.DetectAt(bytes, anchor, bounds)
			return err
		}},
		{"parse", StateHeaderParsed, func() (err error) {
			res.Record, err = d.Registry.ParseHeader(bytes, anchor, bounds, res.Tag)
			return err
		}},
		{"resolve", StateOffsetsResolved, func() (err error) {
			res.Table, err = ResolveOffsets(res.Record, anchor, bounds)
			return err
		}},
		{"materialize", StateMaterialized, func() (err error) {
			res.Report, err = materializer.Materialize(res.Table, res.Record, anchor, bounds, regions, refs)
			return err
		}},
	}

	for _, phase := range phases {
		// cancellation is honoured between phases only
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		start := time.Now()
		if err := phase.run(); err != nil {
			return fail(err)
		}
		d.Metrics.ObservePhase(phase.name, time.Since(start))
		res.States = append(res.States, phase.next)
		log.Debugf("%s -> %s", phase.name, phase.next)
	}

	d.Metrics.Analysis("success")
	log.Infof("pcHeader %s at 0x%x: %d regions created, %d references added, %d conflicts skipped",
		res.Tag, anchor, len(res.Report.Created), len(res.Report.References), len(res.Report.Skipped))
	return res, nil
}

func (d *Driver) resolveAnchor(symbols SymbolSink) (uint64, error) {
	names := d.AnchorSymbols
	if len(names) == 0 {
		names = DefaultAnchorSymbols
	}
	for _, name := range names {
		addr, err := symbols.Resolve(name)
		if err == nil {
			return addr, nil
		}
		var notFound *SymbolNotFoundError
		if !errors.As(err, &notFound) {
			return 0, fmt.Errorf("resolving %s: %w", name, err)
		}
	}
	return 0, &SymbolNotFoundError{Names: names}
}

// outcome is the metrics label for an analysis error.
func outcome(err error) string {
	var (
		unknownMagic *UnknownMagicError
		unsupported  *UnsupportedVersionError
		mismatch     *LayoutMismatchError
		outOfBounds  *OutOfBoundsOffsetError
		notFound     *SymbolNotFoundError
		conflict     *RegionConflictError
		memory       *MemoryAccessError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &unknownMagic):
		return "unknown_magic"
	case errors.As(err, &unsupported):
		return "unsupported_version"
	case errors.As(err, &mismatch):
		return "layout_mismatch"
	case errors.As(err, &outOfBounds):
		return "out_of_bounds"
	case errors.As(err, &notFound):
		return "symbol_not_found"
	case errors.As(err, &conflict):
		return "region_conflict"
	case errors.As(err, &memory):
		return "memory_access"
	}
	return "error"
}
