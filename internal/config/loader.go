package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ORBITD_"

const maxFileBytes = 1 << 20

// sections are the top-level keys. An env name is split once, after its
// section, so ORBITD_APPROVAL_POLL_INTERVAL becomes approval.poll_interval.
var sections = []string{
	"server", "nats", "anthropic", "github", "orchestrator",
	"approval", "agents", "workspace", "logging", "telemetry", "secrets",
}

// DefaultPath is ~/.config/orbitd/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "orbitd", "config.yaml"), nil
}

// LoadWithFile layers defaults, the YAML file at path and ORBITD_*
// environment variables, in increasing precedence, and validates the
// result. An empty path means DefaultPath. A missing file is skipped.
// ANTHROPIC_API_KEY and GITHUB_TOKEN fill credentials left empty.
func LoadWithFile(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	k := koanf.New(".")
	data, err := readFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	cfg := newBase()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if !cfg.Anthropic.APIKey.IsSet() {
		cfg.Anthropic.APIKey = Secret(os.Getenv("ANTHROPIC_API_KEY"))
	}
	if !cfg.GitHub.Token.IsSet() {
		cfg.GitHub.Token = Secret(os.Getenv("GITHUB_TOKEN"))
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	for _, s := range sections {
		if rest, ok := strings.CutPrefix(key, s+"_"); ok {
			return s + "." + rest
		}
	}
	return key
}

// readFile reads a config file that holds credentials. It refuses
// directories, files writable by group or others, and files over 1MB.
// Checks run on the open descriptor.
func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	switch {
	case info.IsDir():
		return nil, fmt.Errorf("config %s is a directory", path)
	case runtime.GOOS != "windows" && info.Mode().Perm()&0o022 != 0:
		return nil, fmt.Errorf("config %s has insecure permissions %v: must not be group or world writable", path, info.Mode().Perm())
	case info.Size() > maxFileBytes:
		return nil, fmt.Errorf("config %s is %d bytes, limit is %d", path, info.Size(), maxFileBytes)
	}
	return io.ReadAll(io.LimitReader(f, maxFileBytes))
}
