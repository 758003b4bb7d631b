package logging

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const masked = "[REDACTED]"

// credentialValue matches token shapes that must never be logged,
// whatever field they arrive in.
var credentialValue = regexp.MustCompile(`(?i)bearer\s+\S+|gh[pousr]_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{22,}|sk-ant-[A-Za-z0-9_-]{20,}`)

// maskingCore replaces sensitive string fields before they reach the
// wrapped core. It covers fields passed per entry and fields added by With.
type maskingCore struct {
	zapcore.Core
	keys map[string]struct{}
}

func newMaskingCore(core zapcore.Core, keys []string) zapcore.Core {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = struct{}{}
	}
	return &maskingCore{Core: core, keys: set}
}

func (c *maskingCore) mask(fields []zapcore.Field) []zapcore.Field {
	out := fields
	copied := false
	for i, f := range fields {
		repl, ok := c.maskField(f)
		if !ok {
			continue
		}
		if !copied {
			out = append([]zapcore.Field(nil), fields...)
			copied = true
		}
		out[i] = repl
	}
	return out
}

func (c *maskingCore) maskField(f zapcore.Field) (zapcore.Field, bool) {
	if _, ok := c.keys[strings.ToLower(f.Key)]; ok {
		return zap.String(f.Key, masked), true
	}
	if f.Type == zapcore.StringType && credentialValue.MatchString(f.String) {
		return zap.String(f.Key, credentialValue.ReplaceAllString(f.String, masked)), true
	}
	return f, false
}

func (c *maskingCore) With(fields []zapcore.Field) zapcore.Core {
	return &maskingCore{Core: c.Core.With(c.mask(fields)), keys: c.keys}
}

func (c *maskingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *maskingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = credentialValue.ReplaceAllString(ent.Message, masked)
	return c.Core.Write(ent, c.mask(fields))
}

// sampleBelowError samples entries under Error and lets Error and above
// through untouched.
func sampleBelowError(core zapcore.Core, opts Options) zapcore.Core {
	low := &levelBand{Core: core, below: zapcore.ErrorLevel}
	high := &levelBand{Core: core, atLeast: zapcore.ErrorLevel, hasFloor: true}
	sampled := zapcore.NewSamplerWithOptions(low, opts.SampleTick, opts.SampleFirst, opts.SampleThereafter)
	return zapcore.NewTee(high, sampled)
}

// levelBand passes either entries at or above atLeast, or entries below
// below.
type levelBand struct {
	zapcore.Core
	atLeast  zapcore.Level
	below    zapcore.Level
	hasFloor bool
}

func (b *levelBand) Enabled(lvl zapcore.Level) bool {
	if b.hasFloor {
		if lvl < b.atLeast {
			return false
		}
	} else if lvl >= b.below {
		return false
	}
	return b.Core.Enabled(lvl)
}

func (b *levelBand) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !b.Enabled(ent.Level) {
		return ce
	}
	return b.Core.Check(ent, ce)
}

func (b *levelBand) With(fields []zapcore.Field) zapcore.Core {
	return &levelBand{Core: b.Core.With(fields), atLeast: b.atLeast, below: b.below, hasFloor: b.hasFloor}
}
