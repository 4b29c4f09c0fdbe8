package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sparkify/internal/columnar"
	"sparkify/internal/config"
	"sparkify/internal/logging"
	"sparkify/internal/mapping"
	"sparkify/internal/pipeline"

	// register all backends with the storage factory.
	_ "sparkify/internal/storage/all"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// Phases a runner can execute.
const (
	phaseRun        = "run"
	phaseDimensions = "dimensions"
	phaseFacts      = "facts"
)

type runner interface {
	Run(ctx context.Context) (pipeline.Summary, error)
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	loadConfig  func(path string) (config.Pipeline, error)
	newLogger   func(cfg config.LogConfig) (*zap.Logger, error)
	initMetrics func(ctx context.Context, cfg config.Pipeline, runID string) (func(), error)
	newRunner   func(ctx context.Context, cfg config.Pipeline, phase string, logger logging.Printf, runID string) (runner, func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig: config.Load,
		newLogger: func(cfg config.LogConfig) (*zap.Logger, error) {
			l, _, err := logging.New(cfg.Level, cfg.Format)
			return l, err
		},
		initMetrics: initMetrics,
		newRunner:   newRunner,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// usageError marks errors that should exit with exitUsage.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// runMain executes the CLI and returns the process exit code.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	root := newRootCommand(stdout, stderr, deps)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ue usageError
	if errors.As(err, &ue) || isCobraUsage(err) {
		fmt.Fprintf(stderr, "%v\n%s", err, root.UsageString())
		return exitUsage
	}
	fmt.Fprintf(stderr, "%v\n", err)
	return exitError
}

// isCobraUsage reports flag and argument errors raised by cobra itself.
func isCobraUsage(err error) bool {
	msg := err.Error()
	for _, s := range []string{"unknown flag", "unknown shorthand flag", "unknown command", "flag needs an argument", "accepts ", "invalid argument"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func newRootCommand(stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "etl",
		Short:         "Sparkify ETL: load song and log data into a dimensional schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "pipeline config file (yaml, json or toml); SPARKIFY_* env vars override it")

	load := func(mode string) (config.Pipeline, error) {
		p, err := deps.loadConfig(cfgPath)
		if err != nil {
			return p, fmt.Errorf("load config: %w", err)
		}
		if mode != "" {
			p.Mode = mode
		}
		issues := config.ValidatePipeline(p)
		for _, iss := range issues {
			fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
		}
		if config.HasErrors(issues) {
			return p, fmt.Errorf("configuration is invalid")
		}
		return p, nil
	}

	execute := func(phase, mode string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			p, err := load(mode)
			if err != nil {
				return err
			}
			if phase != phaseRun && p.Mode == config.ModeColumnar {
				return usageError{fmt.Errorf("%s is not available in columnar mode; use run or columnar", phase)}
			}
			return execPhase(cmd.Context(), stdout, p, phase, deps)
		}
	}

	var mode string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "load dimensions, then facts, in the configured mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(phaseRun, mode)(cmd, args)
		},
	}
	runCmd.Flags().StringVar(&mode, "mode", "", "override mode: transactional, staged or columnar")

	root.AddCommand(
		runCmd,
		&cobra.Command{
			Use:   "dimensions",
			Short: "load catalog_item and creator only",
			Args:  cobra.NoArgs,
			RunE:  execute(phaseDimensions, ""),
		},
		&cobra.Command{
			Use:   "facts",
			Short: "load actor, time_point and play_event against the stored catalog",
			Args:  cobra.NoArgs,
			RunE:  execute(phaseFacts, ""),
		},
		&cobra.Command{
			Use:   "columnar",
			Short: "run the columnar transform into parquet files",
			Args:  cobra.NoArgs,
			RunE:  execute(phaseRun, config.ModeColumnar),
		},
		&cobra.Command{
			Use:   "plan",
			Short: "print the columnar plan as JSON without running it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				p, err := load(config.ModeColumnar)
				if err != nil {
					return err
				}
				m, err := mapping.FromConfig(p.Mapping)
				if err != nil {
					return err
				}
				plan, err := columnar.SparkifyPlan(columnar.PlanFromConfig(p, m))
				if err != nil {
					return err
				}
				b, err := plan.JSON()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(stdout, "%s\n", b)
				return err
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "validate the configuration and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := load(""); err != nil {
					return err
				}
				fmt.Fprintln(stdout, "configuration is valid")
				return nil
			},
		},
	)
	return root
}

// execPhase wires logging and metrics around one runner and prints its summary.
func execPhase(ctx context.Context, stdout io.Writer, p config.Pipeline, phase string, deps appDeps) error {
	zl, err := deps.newLogger(p.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := logging.StdLog(zl)

	runID := uuid.NewString()
	cleanup, err := deps.initMetrics(ctx, p, runID)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer cleanup()

	r, closeFn, err := deps.newRunner(ctx, p, phase, logger, runID)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer closeFn()

	logger.Printf("run=%s stage=start mode=%s phase=%s storage=%s", runID, p.Mode, phase, config.MaskDSN(p.Storage.DSN))
	sum, err := r.Run(ctx)
	if werr := sum.Write(stdout); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

// newRunner builds the pipeline runner for phase.
func newRunner(ctx context.Context, p config.Pipeline, phase string, logger logging.Printf, runID string) (runner, func(), error) {
	if phase == phaseRun {
		return pipeline.New(ctx, p, logger, runID)
	}
	d, closeFn, err := pipeline.NewDriver(ctx, p, logger, runID)
	if err != nil {
		return nil, closeFn, err
	}
	switch phase {
	case phaseDimensions:
		return runnerFunc(d.LoadDimensions), closeFn, nil
	case phaseFacts:
		return runnerFunc(d.LoadFacts), closeFn, nil
	}
	closeFn()
	return nil, func() {}, fmt.Errorf("unknown phase %q", phase)
}

type runnerFunc func(ctx context.Context) (pipeline.Summary, error)

func (f runnerFunc) Run(ctx context.Context) (pipeline.Summary, error) { return f(ctx) }
