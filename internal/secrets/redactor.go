package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Match  string
}

// Options configures a Redactor.
type Options struct {
	Enabled       bool
	AllowlistPath string
}

// Redactor replaces secrets in strings with [REDACTED:<rule>] markers.
// A nil or disabled Redactor returns its input unchanged.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewRedactor builds a Redactor on the default gitleaks rule set.
func NewRedactor(opts Options) (*Redactor, error) {
	if !opts.Enabled {
		return &Redactor{}, nil
	}
	allowlist, err := LoadAllowlist(opts.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}
	applyAllowlist(&detector.Config, allowlist)
	return &Redactor{detector: detector}, nil
}

// Enabled reports whether the Redactor scans anything.
func (r *Redactor) Enabled() bool {
	return r != nil && r.detector != nil
}

// Detect returns the secrets found in content.
func (r *Redactor) Detect(content string) []Finding {
	if !r.Enabled() || content == "" {
		return nil
	}
	r.mu.Lock()
	found := r.detector.DetectString(content)
	r.mu.Unlock()

	findings := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		findings = append(findings, Finding{RuleID: f.RuleID, Match: f.Secret})
	}
	return findings
}

// Redact replaces every detected secret in content.
func (r *Redactor) Redact(content string) string {
	findings := r.Detect(content)
	if len(findings) == 0 {
		return content
	}
	// Longest first so a secret containing another is replaced whole.
	sort.Slice(findings, func(i, j int) bool {
		return len(findings[i].Match) > len(findings[j].Match)
	})
	for _, f := range findings {
		content = strings.ReplaceAll(content, f.Match, "[REDACTED:"+f.RuleID+"]")
	}
	return content
}

// RedactValue walks decoded JSON (maps, slices, strings) and redacts every
// string. Other values are returned as is. The input is not modified.
func (r *Redactor) RedactValue(v any) any {
	if !r.Enabled() {
		return v
	}
	switch val := v.(type) {
	case string:
		return r.Redact(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.RedactValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.RedactValue(item)
		}
		return out
	default:
		return v
	}
}

// RedactMap is RedactValue for tool arguments.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return r.RedactValue(m).(map[string]any)
}

// applyAllowlist adds the allowlist as a global gitleaks allowlist.
// Patterns were validated by LoadAllowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	if allowlist == nil || (len(allowlist.Regexes) == 0 && len(allowlist.StopWords) == 0) {
		return
	}
	global := &gitleaksConfig.Allowlist{Description: "orbitd allowlist"}
	for _, pattern := range allowlist.Regexes {
		re := regexp.MustCompile(pattern)
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}
