// Package config provides configuration loading for orbitd.
//
// Configuration is read from an optional YAML file and overridden by
// ORBITD_-prefixed environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete orbitd configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	NATS         NATSConfig         `koanf:"nats"`
	Anthropic    AnthropicConfig    `koanf:"anthropic"`
	GitHub       GitHubConfig       `koanf:"github"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Approval     ApprovalConfig     `koanf:"approval"`
	Agents       AgentsConfig       `koanf:"agents"`
	Workspace    WorkspaceConfig    `koanf:"workspace"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Secrets      SecretsConfig      `koanf:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// NATSConfig holds broker connection settings.
type NATSConfig struct {
	URL           string   `koanf:"url"`
	Embedded      bool     `koanf:"embedded"`
	StoreDir      string   `koanf:"store_dir"`
	Bucket        string   `koanf:"bucket"`
	QueueStream   string   `koanf:"queue_stream"`
	MaxReconnects int      `koanf:"max_reconnects"`
	ReconnectWait Duration `koanf:"reconnect_wait"`
	SweepInterval Duration `koanf:"sweep_interval"`
}

// AnthropicConfig holds inference service settings.
type AnthropicConfig struct {
	APIKey       Secret   `koanf:"api_key"`
	BaseURL      string   `koanf:"base_url"`
	DefaultModel string   `koanf:"default_model"`
	MaxTokens    int      `koanf:"max_tokens"`
	Timeout      Duration `koanf:"timeout"`
}

// GitHubConfig holds pull request finalization settings.
// Finalization is disabled when Token is unset.
type GitHubConfig struct {
	Token Secret `koanf:"token"`
	// APIURL overrides https://api.github.com/ (GitHub Enterprise).
	APIURL            string   `koanf:"api_url"`
	Owner             string   `koanf:"owner"`
	Repo              string   `koanf:"repo"`
	BaseBranch        string   `koanf:"base_branch"`
	Draft             bool     `koanf:"draft"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	MaxRetries        int      `koanf:"max_retries"`
	InitialBackoff    Duration `koanf:"initial_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	MetadataTTL       Duration `koanf:"metadata_ttl"`
}

// OrchestratorConfig holds phase and task execution settings.
type OrchestratorConfig struct {
	MaxIterations       int      `koanf:"max_iterations"`
	Workers             int      `koanf:"workers"`
	DequeueTimeout      Duration `koanf:"dequeue_timeout"`
	TaskTTL             Duration `koanf:"task_ttl"`
	MaxFinalizeAttempts int      `koanf:"max_finalize_attempts"`
	Overwatchers        []string `koanf:"overwatchers"`
}

// ApprovalConfig holds human approval gate settings.
type ApprovalConfig struct {
	Timeout      Duration `koanf:"timeout"`
	PollInterval Duration `koanf:"poll_interval"`
	RiskyTools   []string `koanf:"risky_tools"`
}

// AgentsConfig points at additional agent definition files.
// The embedded defaults are used when Dir is empty. Watch reloads the set
// when files under Dir change.
type AgentsConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// WorkspaceConfig holds workspace resolution settings.
type WorkspaceConfig struct {
	Root       string `koanf:"root"`
	BaseBranch string `koanf:"base_branch"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	// Protocol is "grpc" (default) or "http/protobuf".
	Protocol        string   `koanf:"protocol"`
	Insecure        bool     `koanf:"insecure"`
	TLSSkipVerify   bool     `koanf:"tls_skip_verify"`
	ServiceName     string   `koanf:"service_name"`
	SampleRate      float64  `koanf:"sample_rate"`
	Metrics         bool     `koanf:"metrics"`
	MetricsInterval Duration `koanf:"metrics_interval"`
	// Logs exports log records through the OTLP log pipeline.
	Logs bool `koanf:"logs"`
}

// SecretsConfig controls redaction of tool input shown to observers.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// DefaultRiskyTools is the tool set that requires human approval.
var DefaultRiskyTools = []string{"Edit", "Write", "Bash", "Git", "Refactor", "TestGenerator"}

// DefaultOverwatchers are the agents run alongside the implementation agent.
var DefaultOverwatchers = []string{"review-agent", "security-agent", "test-generation-agent"}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := newBase()
	applyDefaults(cfg)
	return cfg
}

// newBase returns the boolean defaults. Zero values cannot be told apart
// from unset ones after unmarshaling, so these are set before loading.
func newBase() *Config {
	return &Config{
		Secrets:   SecretsConfig{Enabled: true},
		Telemetry: TelemetryConfig{Insecure: true},
	}
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.NATS.URL == "" && !cfg.NATS.Embedded {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.Bucket == "" {
		cfg.NATS.Bucket = "orbitd"
	}
	if cfg.NATS.QueueStream == "" {
		cfg.NATS.QueueStream = "ORBITD_QUEUES"
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 5
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = Duration(time.Second)
	}
	if cfg.NATS.SweepInterval == 0 {
		cfg.NATS.SweepInterval = Duration(time.Minute)
	}

	if cfg.Anthropic.DefaultModel == "" {
		cfg.Anthropic.DefaultModel = "claude-sonnet-4"
	}
	if cfg.Anthropic.MaxTokens == 0 {
		cfg.Anthropic.MaxTokens = 8192
	}
	if cfg.Anthropic.Timeout == 0 {
		cfg.Anthropic.Timeout = Duration(5 * time.Minute)
	}

	if cfg.GitHub.RequestsPerSecond == 0 {
		cfg.GitHub.RequestsPerSecond = 5
	}
	if cfg.GitHub.MaxRetries == 0 {
		cfg.GitHub.MaxRetries = 3
	}
	if cfg.GitHub.InitialBackoff == 0 {
		cfg.GitHub.InitialBackoff = Duration(time.Second)
	}
	if cfg.GitHub.MaxBackoff == 0 {
		cfg.GitHub.MaxBackoff = Duration(30 * time.Second)
	}
	if cfg.GitHub.MetadataTTL == 0 {
		cfg.GitHub.MetadataTTL = Duration(time.Hour)
	}

	if cfg.Orchestrator.MaxIterations == 0 {
		cfg.Orchestrator.MaxIterations = 50
	}
	if cfg.Orchestrator.Workers == 0 {
		cfg.Orchestrator.Workers = 8
	}
	if cfg.Orchestrator.DequeueTimeout == 0 {
		cfg.Orchestrator.DequeueTimeout = Duration(5 * time.Second)
	}
	if cfg.Orchestrator.TaskTTL == 0 {
		cfg.Orchestrator.TaskTTL = Duration(24 * time.Hour)
	}
	if cfg.Orchestrator.MaxFinalizeAttempts == 0 {
		cfg.Orchestrator.MaxFinalizeAttempts = 3
	}
	if cfg.Orchestrator.Overwatchers == nil {
		cfg.Orchestrator.Overwatchers = append([]string(nil), DefaultOverwatchers...)
	}

	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = Duration(300 * time.Second)
	}
	if cfg.Approval.PollInterval == 0 {
		cfg.Approval.PollInterval = Duration(time.Second)
	}
	if cfg.Approval.RiskyTools == nil {
		cfg.Approval.RiskyTools = append([]string(nil), DefaultRiskyTools...)
	}

	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "workspaces"
	}
	if cfg.Workspace.BaseBranch == "" {
		cfg.Workspace.BaseBranch = "main"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "orbitd"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = Duration(15 * time.Second)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required unless nats.embedded is set"))
	}
	if c.Anthropic.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("anthropic.max_tokens must be positive, got %d", c.Anthropic.MaxTokens))
	}
	if c.Orchestrator.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_iterations must be positive, got %d", c.Orchestrator.MaxIterations))
	}
	if c.Orchestrator.Workers <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.workers must be positive, got %d", c.Orchestrator.Workers))
	}
	if c.Orchestrator.MaxFinalizeAttempts <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_finalize_attempts must be positive, got %d", c.Orchestrator.MaxFinalizeAttempts))
	}
	if c.Approval.PollInterval.Duration() <= 0 {
		errs = append(errs, errors.New("approval.poll_interval must be positive"))
	}
	if c.Approval.Timeout.Duration() < c.Approval.PollInterval.Duration() {
		errs = append(errs, errors.New("approval.timeout must be at least approval.poll_interval"))
	}
	if c.GitHub.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("github.requests_per_second cannot be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}

// FinalizationEnabled reports whether pull request finalization is configured.
func (c *Config) FinalizationEnabled() bool {
	return c.GitHub.Token.IsSet()
}
