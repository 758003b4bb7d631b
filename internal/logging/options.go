package logging

import (
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. It is used for model request and response
// bodies and is never enabled by default.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name. "trace" is accepted next to the zap
// names.
func LevelFromString(name string) (zapcore.Level, error) {
	if name == "trace" {
		return TraceLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return zapcore.InfoLevel, err
	}
	return lvl, nil
}

// Options control how a Logger is built.
type Options struct {
	Level  zapcore.Level
	Format string // "json" or "console"

	// Writer receives encoded entries. Defaults to stdout.
	Writer zapcore.WriteSyncer

	// Provider enables the OpenTelemetry sink when non-nil.
	Provider log.LoggerProvider

	// SampleTick is the sampling window for entries below Error. Zero
	// disables sampling.
	SampleTick       time.Duration
	SampleFirst      int
	SampleThereafter int

	// SensitiveKeys are field names whose values are always masked.
	SensitiveKeys []string
}

// DefaultOptions returns the options used by the daemon.
func DefaultOptions() Options {
	return Options{
		Level:            zapcore.InfoLevel,
		Format:           "json",
		Writer:           zapcore.Lock(os.Stdout),
		SampleTick:       time.Second,
		SampleFirst:      100,
		SampleThereafter: 10,
		SensitiveKeys: []string{
			"password", "secret", "token", "api_key", "authorization",
			"github_token", "anthropic_api_key", "private_key",
		},
	}
}

func (o Options) validate() error {
	switch o.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be 'json' or 'console', got %q", o.Format)
	}
	if o.SampleTick < 0 {
		return fmt.Errorf("sample tick must not be negative")
	}
	return nil
}
