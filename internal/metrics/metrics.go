// Package metrics exports session flush metrics to Prometheus.
package metrics

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"entitykit/pkg/orm"
)

// FlushCollector implements orm.Observer on a dedicated registry.
type FlushCollector struct {
	registry *prometheus.Registry
	flushes  *prometheus.CounterVec
	rows     *prometheus.CounterVec
	duration prometheus.Histogram
}

var _ orm.Observer = (*FlushCollector)(nil)

// NewFlushCollector registers the flush metrics under namespace.
func NewFlushCollector(namespace string) (*FlushCollector, error) {
	c := &FlushCollector{
		registry: prometheus.NewRegistry(),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "flushes_total",
			Help:      "Session flushes by outcome.",
		}, []string{"outcome"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rows_written_total",
			Help:      "Rows written by flushes, by table and action.",
		}, []string{"table", "action"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "flush_duration_seconds",
			Help:      "Time spent in session flushes.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	for _, col := range []prometheus.Collector{c.flushes, c.rows, c.duration} {
		if err := c.registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveFlush records one flush outcome.
func (c *FlushCollector) ObserveFlush(_ context.Context, stats orm.FlushStats, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.flushes.WithLabelValues(outcome).Inc()
	c.duration.Observe(elapsed.Seconds())
	if err != nil {
		return
	}
	for table, actions := range stats.Tables {
		for action, n := range actions {
			c.rows.WithLabelValues(table, string(action)).Add(float64(n))
		}
	}
}

// Registry exposes the registry for scraping or inspection.
func (c *FlushCollector) Registry() *prometheus.Registry { return c.registry }

// Sample is one counter value.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Snapshot gathers the current counter values sorted by metric name.
func (c *FlushCollector) Snapshot() ([]Sample, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, err
	}
	var out []Sample
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() == nil {
				continue
			}
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out = append(out, Sample{Name: mf.GetName(), Labels: labels, Value: m.GetCounter().GetValue()})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
