// Package config loads and validates the pipeline configuration.
//
// Configuration is read with viper from a YAML/JSON/TOML file and overridden by
// SPARKIFY_* environment variables (dots become underscores, so
// SPARKIFY_STORAGE_DSN overrides storage.dsn).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Deployment modes.
const (
	ModeTransactional = "transactional"
	ModeStaged        = "staged"
	ModeColumnar      = "columnar"
)

// Pipeline is the root configuration document.
type Pipeline struct {
	Job      string         `mapstructure:"job"`
	Mode     string         `mapstructure:"mode"`
	Source   SourceConfig   `mapstructure:"source"`
	Reader   ReaderConfig   `mapstructure:"reader"`
	Mapping  MappingConfig  `mapstructure:"mapping"`
	Resolve  ResolveConfig  `mapstructure:"resolve"`
	Load     LoadConfig     `mapstructure:"load"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Columnar ColumnarConfig `mapstructure:"columnar"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// SourceConfig names the two input roots. Each root is a local directory or an
// s3://bucket/prefix URL.
type SourceConfig struct {
	Catalog string `mapstructure:"catalog"`
	Events  string `mapstructure:"events"`
	Pattern string `mapstructure:"pattern"`
	Region  string `mapstructure:"region"`
}

// ReaderConfig controls malformed-record handling.
type ReaderConfig struct {
	Strict      bool    `mapstructure:"strict"`
	MaxSkipRate float64 `mapstructure:"max_skip_rate"`
}

// MappingConfig selects the fact predicate and optionally replaces field maps.
type MappingConfig struct {
	EventPredicate   string           `mapstructure:"event_predicate"`
	PredicateOptions Options          `mapstructure:"predicate_options"`
	Tables           []TableMapConfig `mapstructure:"tables"`
}

// TableMapConfig replaces the built-in field map for one target table.
type TableMapConfig struct {
	Table  string        `mapstructure:"table"`
	Fields []FieldConfig `mapstructure:"fields"`
}

// FieldConfig is one declarative column mapping.
type FieldConfig struct {
	Column    string `mapstructure:"column"`
	Path      string `mapstructure:"path"`
	Type      string `mapstructure:"type"`
	Transform string `mapstructure:"transform"`
}

// ResolveConfig selects the key-resolution matcher.
type ResolveConfig struct {
	Matcher           string  `mapstructure:"matcher"`
	DurationTolerance float64 `mapstructure:"duration_tolerance"`
}

// LoadConfig tunes the upsert engine.
type LoadConfig struct {
	BatchSize   int  `mapstructure:"batch_size"`
	ExactlyOnce bool `mapstructure:"exactly_once"`
}

// StorageConfig describes the relational target for transactional and staged modes.
type StorageConfig struct {
	Kind          string `mapstructure:"kind"`
	DSN           string `mapstructure:"dsn"`
	IAMRole       string `mapstructure:"iam_role"`
	StagingBucket string `mapstructure:"staging_bucket"`
	StagingPrefix string `mapstructure:"staging_prefix"`
	Region        string `mapstructure:"region"`
}

// ColumnarConfig describes the columnar output for the columnar mode.
type ColumnarConfig struct {
	Output      string `mapstructure:"output"`
	Parallelism int    `mapstructure:"parallelism"`
	NodeID      int64  `mapstructure:"node_id"`
	Region      string `mapstructure:"region"`
}

// MetricsConfig selects a metrics backend.
type MetricsConfig struct {
	Backend        string        `mapstructure:"backend"`
	PushgatewayURL string        `mapstructure:"pushgateway_url"`
	Tags           []string      `mapstructure:"tags"`
	FlushEvery     time.Duration `mapstructure:"flush_every"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the configuration file at path (optional) and applies env overrides.
//
// When path is empty, "sparkify.{yaml,json,toml}" is looked up in "." and
// "./configs"; a missing file is not an error, so a pure-env configuration works.
func Load(path string) (Pipeline, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SPARKIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Pipeline{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("sparkify")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Pipeline{}, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var p Pipeline
	if err := v.Unmarshal(&p); err != nil {
		return Pipeline{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	p.Storage.DSN = os.ExpandEnv(p.Storage.DSN)
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
	p.Storage.Kind = strings.ToLower(strings.TrimSpace(p.Storage.Kind))
	return p, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("job", "sparkify")
	v.SetDefault("mode", ModeTransactional)

	v.SetDefault("source.catalog", "data/song_data")
	v.SetDefault("source.events", "data/log_data")
	v.SetDefault("source.pattern", "*.json")
	v.SetDefault("source.region", "us-west-2")

	v.SetDefault("reader.strict", false)
	v.SetDefault("reader.max_skip_rate", 0.0)

	v.SetDefault("mapping.event_predicate", "next_song")

	v.SetDefault("resolve.matcher", "exact")
	v.SetDefault("resolve.duration_tolerance", 0.0)

	v.SetDefault("load.batch_size", 500)
	v.SetDefault("load.exactly_once", false)

	v.SetDefault("storage.kind", "sqlite")
	v.SetDefault("storage.dsn", "sparkify.db")
	v.SetDefault("storage.iam_role", "")
	v.SetDefault("storage.staging_bucket", "")
	v.SetDefault("storage.staging_prefix", "staging")
	v.SetDefault("storage.region", "us-west-2")

	v.SetDefault("columnar.output", "out")
	v.SetDefault("columnar.parallelism", 4)
	v.SetDefault("columnar.node_id", 1)
	v.SetDefault("columnar.region", "us-west-2")

	v.SetDefault("metrics.backend", "none")
	v.SetDefault("metrics.pushgateway_url", "http://localhost:9091")
	v.SetDefault("metrics.flush_every", 60*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding, addressed by its config path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidatePipeline checks cross-field rules that viper cannot express.
// Predicate names and field maps are validated by the mapping package at build time.
func ValidatePipeline(p Pipeline) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch p.Mode {
	case ModeTransactional, ModeStaged, ModeColumnar:
	default:
		add(SeverityError, "mode", "unknown mode %q (want transactional, staged or columnar)", p.Mode)
	}

	if strings.TrimSpace(p.Source.Catalog) == "" {
		add(SeverityError, "source.catalog", "catalog root is required")
	}
	if strings.TrimSpace(p.Source.Events) == "" {
		add(SeverityError, "source.events", "events root is required")
	}

	if p.Reader.MaxSkipRate < 0 || p.Reader.MaxSkipRate > 1 {
		add(SeverityError, "reader.max_skip_rate", "must be within [0,1], got %v", p.Reader.MaxSkipRate)
	}
	if p.Reader.Strict && p.Reader.MaxSkipRate > 0 {
		add(SeverityWarning, "reader.max_skip_rate", "ignored in strict mode")
	}

	switch p.Resolve.Matcher {
	case "exact":
		if p.Resolve.DurationTolerance != 0 {
			add(SeverityWarning, "resolve.duration_tolerance", "ignored by the exact matcher")
		}
	case "normalized":
		if p.Resolve.DurationTolerance < 0 {
			add(SeverityError, "resolve.duration_tolerance", "must be >= 0")
		}
		if p.Mode == ModeStaged {
			add(SeverityError, "resolve.matcher", "the normalized matcher has no set-based form; use mode transactional or columnar")
		}
	default:
		add(SeverityError, "resolve.matcher", "unknown matcher %q (want exact or normalized)", p.Resolve.Matcher)
	}

	if p.Load.BatchSize <= 0 {
		add(SeverityError, "load.batch_size", "must be > 0")
	}

	if p.Mode == ModeTransactional || p.Mode == ModeStaged {
		out = append(out, validateStorage(p)...)
	}
	if p.Mode == ModeColumnar {
		if strings.TrimSpace(p.Columnar.Output) == "" {
			add(SeverityError, "columnar.output", "output root is required")
		}
		if p.Columnar.Parallelism <= 0 {
			add(SeverityError, "columnar.parallelism", "must be > 0")
		}
		if p.Columnar.NodeID < 0 || p.Columnar.NodeID > 1023 {
			add(SeverityError, "columnar.node_id", "must be within [0,1023]")
		}
	}

	switch p.Metrics.Backend {
	case "", "none", "datadog":
	case "pushgateway":
		if strings.TrimSpace(p.Metrics.PushgatewayURL) == "" {
			add(SeverityError, "metrics.pushgateway_url", "required for the pushgateway backend")
		}
	default:
		add(SeverityError, "metrics.backend", "unknown backend %q (want none, datadog or pushgateway)", p.Metrics.Backend)
	}

	return out
}

func validateStorage(p Pipeline) []Issue {
	var out []Issue
	add := func(path, format string, args ...any) {
		out = append(out, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(p.Storage.DSN) == "" {
		add("storage.dsn", "dsn is required")
	}

	switch p.Storage.Kind {
	case "postgres", "sqlite":
	case "mssql":
		if p.Mode == ModeStaged {
			add("storage.kind", "mssql supports the transactional mode only")
		}
	case "redshift":
		if p.Mode != ModeStaged {
			add("storage.kind", "redshift supports the staged mode only")
		}
		if strings.TrimSpace(p.Storage.IAMRole) == "" {
			add("storage.iam_role", "required for redshift COPY")
		}
		if strings.TrimSpace(p.Storage.StagingBucket) == "" {
			add("storage.staging_bucket", "required for redshift COPY")
		}
	default:
		add("storage.kind", "unknown storage kind %q", p.Storage.Kind)
	}
	return out
}

// MaskDSN hides the password of a URL-style DSN for logging. Non-URL DSNs
// (sqlite paths, key=value strings) are returned with any password=... value masked.
func MaskDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
		return u.String()
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(strings.ToLower(f), "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	if len(fields) == 0 {
		return dsn
	}
	return strings.Join(fields, " ")
}
