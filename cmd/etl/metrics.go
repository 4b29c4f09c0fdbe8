package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"sparkify/internal/config"
	"sparkify/internal/metrics"
	"sparkify/internal/metrics/datadog"
	"sparkify/internal/metrics/prompush"
)

// metricsBackend is what initMetrics owns: something it must Close at exit.
type metricsBackend interface {
	Close() error
}

// pushBackend adapts the push-once Pushgateway backend to Close.
type pushBackend struct {
	*prompush.Backend
}

func (b pushBackend) Close() error { return b.Flush() }

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(job, url, runID string) (metricsBackend, error) {
		b, err := prompush.NewBackend(job, url, runID)
		if err != nil {
			return nil, err
		}
		return pushBackend{b}, nil
	}
	setMetricsBackend = func(b any) {
		if b == nil {
			metrics.SetBackend(nil)
			return
		}
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
)

// initMetrics installs the configured backend. The returned cleanup is never
// nil and flushes the backend; flush errors are logged, not returned.
func initMetrics(ctx context.Context, p config.Pipeline, runID string) (func(), error) {
	nop := func() {}
	job := p.Job
	if job == "" {
		job = "sparkify"
	}

	var (
		b    metricsBackend
		err  error
		name string
	)
	switch strings.ToLower(strings.TrimSpace(p.Metrics.Backend)) {
	case "", "none", "noop":
		return nop, nil
	case "datadog", "dd":
		name = "datadog"
		b, err = newDatadogBackend(ctx, datadog.Options{
			JobName:    job,
			RunID:      runID,
			Tags:       p.Metrics.Tags,
			FlushEvery: p.Metrics.FlushEvery,
		})
	case "pushgateway", "prometheus":
		name = "pushgateway"
		b, err = newPushBackend(job, p.Metrics.PushgatewayURL, runID)
	default:
		return nop, fmt.Errorf("unknown metrics backend %q (want none|datadog|pushgateway)", p.Metrics.Backend)
	}
	if err != nil {
		return nop, fmt.Errorf("%s backend: %w", name, err)
	}

	setMetricsBackend(b)
	return func() {
		if err := b.Close(); err != nil {
			logPrintf("metrics: %s close error: %v", name, err)
		}
		setMetricsBackend(nil)
	}, nil
}
