package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"sparkify/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() datadogV2.MetricPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[len(f.payloads)-1]
}

func newTestBackend(t *testing.T, fs *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:    "nightly",
		RunID:      "run-1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	return b
}

func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestPairKeyRoundTrip(t *testing.T) {
	t.Parallel()

	a, b := splitPairKey(pairKey("actor", "loaded"))
	if a != "actor" || b != "loaded" {
		t.Fatalf("roundtrip=(%q,%q)", a, b)
	}
	a, b = splitPairKey("no-sep")
	if a != "no-sep" || b != "unknown" {
		t.Fatalf("splitPairKey(no-sep)=(%q,%q)", a, b)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    []float64
		p    float64
		want float64
	}{
		{s: nil, p: 0.5, want: 0},
		{s: []float64{7}, p: 0.95, want: 7},
		{s: []float64{1, 2, 3}, p: -1, want: 1},
		{s: []float64{1, 2, 3}, p: 2, want: 3},
		{s: []float64{1, 2, 3, 4, 5}, p: 0.5, want: 3},
	}
	for _, tc := range tests {
		if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
			t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
		}
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.RowsTotal, 3, metrics.Labels{"table": "play_event", "outcome": "loaded"})
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"table": "play_event", "outcome": "unresolved"})
	b.IncCounter(metrics.PartitionsTotal, 1, metrics.Labels{"phase": "facts", "status": "ok"})
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "partition", "status": "ok"})
	b.ObserveHistogram(metrics.StepDuration, 0.2, metrics.Labels{"step": "partition", "status": "ok"})
	b.IncCounter("unknown_metric", 1, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submissions=%d, want 1", fs.count())
	}

	byName := map[string][]datadogV2.MetricSeries{}
	for _, s := range fs.last().Series {
		byName[s.Metric] = append(byName[s.Metric], s)
	}
	if got := len(byName["sparkify.rows.total"]); got != 2 {
		t.Fatalf("rows series=%d, want 2", got)
	}
	for _, name := range []string{"sparkify.partitions.total", "sparkify.step.total", "sparkify.step.duration_seconds.p50", "sparkify.step.duration_seconds.samples"} {
		if len(byName[name]) != 1 {
			t.Fatalf("missing series %q in %v", name, byName)
		}
	}
	tags := strings.Join(byName["sparkify.partitions.total"][0].Tags, ",")
	for _, want := range []string{"job:nightly", "run:run-1", "phase:facts", "status:ok"} {
		if !strings.Contains(tags, want) {
			t.Fatalf("tags=%q missing %q", tags, want)
		}
	}

	// Buffers were reset: a second flush has nothing to send.
	if err := b.Flush(); err != nil {
		t.Fatalf("second Flush() err=%v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submissions after empty flush=%d, want 1", fs.count())
	}
}

func TestFlush_WrapsSubmitError(t *testing.T) {
	boom := errors.New("boom")
	fs := &fakeSubmitter{err: boom}
	b := newTestBackend(t, fs)

	b.IncCounter(metrics.PartitionsTotal, 1, metrics.Labels{"phase": "dimensions", "status": "error"})
	err := b.Flush()
	if !errors.Is(err, boom) {
		t.Fatalf("Flush() err=%v, want wrapping %v", err, boom)
	}
	fs.err = nil
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil after reset", err)
	}
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "ddl", "status": "ok"})

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected a background flush; got %d", fs.count())
	}

	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "ddl", "status": "ok"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected final flush on Close; got %d submissions", fs.count())
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)
	defer func() { _ = b.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"table": "actor", "outcome": "loaded"})
				b.ObserveHistogram(metrics.StepDuration, 0.01, metrics.Labels{"step": "partition", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	snap := b.snapshotAndReset()
	if got := snap.rowCounts[pairKey("actor", "loaded")]; got != 800 {
		t.Fatalf("row count=%v, want 800", got)
	}
	if got := len(snap.durationSamples[pairKey("partition", "ok")]); got != 800 {
		t.Fatalf("samples=%d, want 800", got)
	}
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	if got := ParseTagsCSV(""); got != nil {
		t.Fatalf("ParseTagsCSV(\"\")=%v, want nil", got)
	}
	got := ParseTagsCSV(" env:prod, ,team:data ")
	if want := []string{"env:prod", "team:data"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseTagsCSV()=%v, want %v", got, want)
	}
}
