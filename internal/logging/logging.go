// Package logging builds the process logger.
//
// Engines in this module log through a Printf-style seam (see Printf); the CLI
// backs that seam with a zap logger so every line ends up structured.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Printf is the minimal logger used by the load engine and the pipeline driver.
// *log.Logger satisfies it.
type Printf interface {
	Printf(format string, v ...any)
}

// New builds a zap logger. format "console" yields a colored development logger;
// anything else yields the production JSON encoder.
func New(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return nil, lvl, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	var cfg zap.Config
	if strings.EqualFold(format, "console") {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = lvl

	l, err := cfg.Build()
	if err != nil {
		return nil, lvl, fmt.Errorf("logging: build: %w", err)
	}
	return l, lvl, nil
}

// StdLog adapts a zap logger to the Printf seam. Lines are emitted at info level.
func StdLog(l *zap.Logger) *log.Logger {
	if l == nil {
		return Discard()
	}
	return zap.NewStdLog(l)
}

// Discard returns a Printf logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l Printf) Printf {
	if l == nil {
		return Discard()
	}
	return l
}

type prefixed struct {
	l      Printf
	prefix string
}

func (p prefixed) Printf(format string, v ...any) { p.l.Printf(p.prefix+format, v...) }

// With returns a Printf that prepends "key=value " to every line.
func With(l Printf, key, value string) Printf {
	p := strings.ReplaceAll(key+"="+value+" ", "%", "%%")
	return prefixed{l: OrDiscard(l), prefix: p}
}
