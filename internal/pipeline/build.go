package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sparkify/internal/columnar"
	"sparkify/internal/config"
	"sparkify/internal/load"
	"sparkify/internal/logging"
	"sparkify/internal/mapping"
	"sparkify/internal/metrics"
	"sparkify/internal/record"
	"sparkify/internal/resolve"
	"sparkify/internal/source"
	"sparkify/internal/storage"
)

// Runner is a configured run of any variant.
type Runner interface {
	Run(ctx context.Context) (Summary, error)
}

var (
	_ Runner = (*Driver)(nil)
	_ Runner = (*Columnar)(nil)
)

// New builds the Runner for cfg.Mode. The returned close func releases the
// storage connection and is never nil.
func New(ctx context.Context, cfg config.Pipeline, logger logging.Printf, runID string) (Runner, func(), error) {
	if cfg.Mode == config.ModeColumnar {
		c, err := NewColumnar(cfg, logger, runID)
		return c, func() {}, err
	}
	return NewDriver(ctx, cfg, logger, runID)
}

// NewDriver opens the storage backend and builds a transactional or staged
// Driver.
func NewDriver(ctx context.Context, cfg config.Pipeline, logger logging.Printf, runID string) (*Driver, func(), error) {
	nop := func() {}
	if runID == "" {
		runID = uuid.NewString()
	}
	m, err := mapping.FromConfig(cfg.Mapping)
	if err != nil {
		return nil, nop, err
	}
	catalog, events, err := sources(cfg)
	if err != nil {
		return nil, nop, err
	}

	repo, err := storage.New(ctx, storage.Config{
		Kind:          cfg.Storage.Kind,
		DSN:           cfg.Storage.DSN,
		IAMRole:       cfg.Storage.IAMRole,
		StagingBucket: cfg.Storage.StagingBucket,
		StagingPrefix: cfg.Storage.StagingPrefix,
		Region:        cfg.Storage.Region,
	})
	if err != nil {
		return nil, nop, fmt.Errorf("pipeline: open %s storage %s: %w", cfg.Storage.Kind, config.MaskDSN(cfg.Storage.DSN), err)
	}

	opts := load.Options{
		BatchSize:   cfg.Load.BatchSize,
		ExactlyOnce: cfg.Load.ExactlyOnce,
		Logger:      logging.With(logger, "run", runID),
	}
	var loader load.Loader
	switch cfg.Mode {
	case config.ModeStaged:
		loader = load.NewStaged(repo, resolve.NewExact(nil), opts)
	case config.ModeTransactional, "":
		matcher, tol := cfg.Resolve.Matcher, cfg.Resolve.DurationTolerance
		if _, err := resolve.New(matcher, nil, tol); err != nil {
			repo.Close()
			return nil, nop, err
		}
		loader = load.NewTransactional(repo, func(entries []resolve.Entry) resolve.Matcher {
			m, _ := resolve.New(matcher, entries, tol)
			return m
		}, opts)
	default:
		repo.Close()
		return nil, nop, fmt.Errorf("pipeline: mode %q has no loader", cfg.Mode)
	}

	return &Driver{
		Loader:  loader,
		Mapper:  m,
		Catalog: catalog,
		Events:  events,
		Reader:  record.Options{Strict: cfg.Reader.Strict, MaxSkipRate: cfg.Reader.MaxSkipRate},
		Logger:  logger,
		RunID:   runID,
	}, repo.Close, nil
}

func sources(cfg config.Pipeline) (catalog, events source.Source, err error) {
	opts := source.Options{Pattern: cfg.Source.Pattern, Region: cfg.Source.Region}
	if catalog, err = source.New(cfg.Source.Catalog, opts); err != nil {
		return nil, nil, err
	}
	if events, err = source.New(cfg.Source.Events, opts); err != nil {
		return nil, nil, err
	}
	return catalog, events, nil
}

// Columnar runs the columnar variant: one plan handed to an executor.
type Columnar struct {
	Executor columnar.Executor
	Plan     columnar.Plan
	Logger   logging.Printf
	RunID    string
}

// NewColumnar builds the Sparkify plan and a LocalExecutor for it.
func NewColumnar(cfg config.Pipeline, logger logging.Printf, runID string) (*Columnar, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	m, err := mapping.FromConfig(cfg.Mapping)
	if err != nil {
		return nil, err
	}
	plan, err := columnar.SparkifyPlan(columnar.PlanFromConfig(cfg, m))
	if err != nil {
		return nil, err
	}
	region := cfg.Columnar.Region
	if region == "" {
		region = cfg.Source.Region
	}
	sink, err := columnar.NewSink(cfg.Columnar.Output, region)
	if err != nil {
		return nil, err
	}
	return &Columnar{
		Executor: &columnar.LocalExecutor{
			Parallelism: cfg.Columnar.Parallelism,
			NodeID:      cfg.Columnar.NodeID,
			Source:      source.Options{Pattern: cfg.Source.Pattern, Region: cfg.Source.Region},
			Reader:      record.Options{Strict: cfg.Reader.Strict, MaxSkipRate: cfg.Reader.MaxSkipRate},
			Sink:        sink,
			Logger:      logging.With(logger, "run", runID),
		},
		Plan:   plan,
		Logger: logger,
		RunID:  runID,
	}, nil
}

// Run executes the plan. Any failure fails the whole run: the columnar variant
// has no per-partition transactions to isolate.
func (c *Columnar) Run(ctx context.Context) (Summary, error) {
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	log := logging.With(c.Logger, "run", c.RunID)
	sum := newSummary(c.RunID)

	start := time.Now()
	st, err := c.Executor.Execute(ctx, c.Plan)
	metrics.RecordStep("columnar", start, err)

	rep := PartitionReport{Phase: PhaseColumn, Partition: c.Plan.Output, Result: st.Result, Err: err, Duration: time.Since(start)}
	if rep.Result.Loaded == nil {
		rep.Result = load.NewResult()
	}
	sum.add(rep)
	sum.Files = st.Files
	if err != nil {
		log.Printf("stage=columnar output=%s status=failed err=%v", c.Plan.Output, err)
		metrics.AddPartition(PhaseColumn, "failed")
		return sum, fmt.Errorf("pipeline: columnar: %w", err)
	}
	for t, n := range st.Loaded {
		metrics.AddRows(t, "loaded", n)
	}
	for reason, n := range st.Skipped {
		metrics.AddRows(PhaseColumn, string(reason), n)
	}
	metrics.AddPartition(PhaseColumn, "ok")
	log.Printf("stage=columnar output=%s status=ok files=%d %s duration=%s",
		c.Plan.Output, len(st.Files), st.Result, time.Since(start).Truncate(time.Millisecond))
	return sum, nil
}
