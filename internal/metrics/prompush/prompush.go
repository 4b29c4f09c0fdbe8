// Package prompush implements a metrics backend that pushes to a Prometheus
// Pushgateway. Collectors live in a private registry and are pushed on Flush,
// which fits batch jobs that exit before a scrape could happen.
package prompush

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"sparkify/internal/metrics"
)

// pusher is the part of *push.Pusher used by Backend.
type pusher interface {
	Push() error
}

// Backend implements metrics.Backend and metrics.Flusher.
type Backend struct {
	registry *prometheus.Registry
	pusher   pusher

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	hists    map[string]*prometheus.HistogramVec
}

// NewBackend creates a backend pushing to gatewayURL under job. runID, when set,
// becomes a grouping label so concurrent runs do not overwrite each other.
func NewBackend(job, gatewayURL, runID string) (*Backend, error) {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, fmt.Errorf("prompush: gateway url is required")
	}
	if job == "" {
		job = "sparkify"
	}
	reg := prometheus.NewRegistry()
	p := push.New(gatewayURL, job).Gatherer(reg)
	if runID != "" {
		p = p.Grouping("run", runID)
	}
	return newBackend(reg, p), nil
}

func newBackend(reg *prometheus.Registry, p pusher) *Backend {
	b := &Backend{
		registry: reg,
		pusher:   p,
		counters: map[string]*prometheus.CounterVec{},
		hists:    map[string]*prometheus.HistogramVec{},
	}

	b.counters[metrics.StepTotal] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.StepTotal, Help: "Pipeline steps executed.",
	}, []string{"step", "status"})
	b.counters[metrics.RowsTotal] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.RowsTotal, Help: "Rows by target table and outcome.",
	}, []string{"table", "outcome"})
	b.counters[metrics.PartitionsTotal] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.PartitionsTotal, Help: "Input partitions processed.",
	}, []string{"phase", "status"})
	b.hists[metrics.StepDuration] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metrics.StepDuration,
		Help:    "Step duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"step", "status"})

	for _, c := range b.counters {
		reg.MustRegister(c)
	}
	for _, h := range b.hists {
		reg.MustRegister(h)
	}
	return b
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	b.mu.Lock()
	c := b.counters[name]
	b.mu.Unlock()
	if c == nil {
		return
	}
	c.With(labelsFor(name, labels)).Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	b.mu.Lock()
	h := b.hists[name]
	b.mu.Unlock()
	if h == nil || value < 0 {
		return
	}
	h.With(labelsFor(name, labels)).Observe(value)
}

// Flush pushes the registry to the gateway.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// labelsFor returns exactly the label set declared for name; missing labels
// become "unknown" so With never panics on cardinality mismatch.
func labelsFor(name string, in metrics.Labels) prometheus.Labels {
	var keys []string
	switch name {
	case metrics.StepTotal, metrics.StepDuration:
		keys = []string{"step", "status"}
	case metrics.RowsTotal:
		keys = []string{"table", "outcome"}
	case metrics.PartitionsTotal:
		keys = []string{"phase", "status"}
	}
	out := make(prometheus.Labels, len(keys))
	for _, k := range keys {
		v := in[k]
		if v == "" {
			v = "unknown"
		}
		out[k] = v
	}
	return out
}

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)
