/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package metrics counts analysis outcomes on a private Prometheus registry.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Collector holds the pclnhdr metrics.
type Collector struct {
	registry *prometheus.Registry

	Analyses   *prometheus.CounterVec
	Regions    *prometheus.CounterVec
	References prometheus.Counter
	Phases     *prometheus.HistogramVec
}

// New creates a collector registered on its own registry.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "pclnhdr"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),

		Analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Module analyses by outcome",
		}, []string{"outcome"}),

		Regions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regions_total",
			Help:      "Typed regions handled by the materializer, by result",
		}, []string{"result"}),

		References: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "references_total",
			Help:      "Reference edges added by the materializer",
		}),

		Phases: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_seconds",
			Help:      "Time spent per analysis phase",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}, []string{"phase"}),
	}

	c.registry.MustRegister(c.Analyses, c.Regions, c.References, c.Phases)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Analysis(outcome string) {
	if c == nil {
		return
	}
	c.Analyses.WithLabelValues(outcome).Inc()
}

func (c *Collector) Region(result string) {
	if c == nil {
		return
	}
	c.Regions.WithLabelValues(result).Inc()
}

func (c *Collector) Reference() {
	if c == nil {
		return
	}
	c.References.Inc()
}

func (c *Collector) ObservePhase(phase string, d time.Duration) {
	if c == nil {
		return
	}
	c.Phases.WithLabelValues(phase).Observe(d.Seconds())
}

// WriteText writes every gathered metric family in the Prometheus text format.
func (c *Collector) WriteText(w io.Writer) error {
	if c == nil {
		return nil
	}
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
