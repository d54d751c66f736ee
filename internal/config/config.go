// Package config handles loading and validating kazi configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/kazi/internal/domain"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for kazi.
type Config struct {
	Server        ServerConfig          `yaml:"server"`
	Storage       StorageConfig         `yaml:"storage"`
	Sandbox       SandboxConfig         `yaml:"sandbox"`
	Admission     AdmissionConfig       `yaml:"admission"`
	Agents        map[string]AgentEntry `yaml:"agents"`
	Executor      ExecutorConfig        `yaml:"executor"`
	Reaper        ReaperConfig          `yaml:"reaper"`
	Hosting       HostingConfig         `yaml:"hosting"`
	Observability *ObservabilityConfig  `yaml:"observability,omitempty"` // nil = metrics only, no tracing
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"` // Default: ":8080"

	// APIKeys authorize inbound requests. Empty = no auth (dev only).
	APIKeys []string `yaml:"api_keys"`

	// RateLimitPerMinute bounds task submissions per owner. 0 = unlimited.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver   string         `yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `yaml:"path"`         // Default: ~/.kazi/kazi.db
	JournalMode string `yaml:"journal_mode"` // "wal" (default)
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"` // Default: 25
	MaxIdleConns int    `yaml:"max_idle_conns"` // Default: 5
}

// SandboxConfig selects and configures the sandbox driver.
type SandboxConfig struct {
	// Driver is "local" (Docker, default) or "remote" (managed service).
	Driver string `yaml:"driver"`

	Local  LocalSandboxConfig  `yaml:"local"`
	Remote RemoteSandboxConfig `yaml:"remote"`

	// RunTimeoutSeconds bounds one whole sandbox run. Default: 300.
	RunTimeoutSeconds int `yaml:"run_timeout_seconds"`

	// MaxAgeSeconds is the reaper's age ceiling. Default: 7200.
	MaxAgeSeconds int `yaml:"max_age_seconds"`
}

// LocalSandboxConfig configures the Docker driver.
type LocalSandboxConfig struct {
	MemoryMB  int     `yaml:"memory_mb"`  // Default: 2048
	CPUCores  float64 `yaml:"cpu_cores"`  // Default: 2.0
	PIDsLimit int     `yaml:"pids_limit"` // Default: 256
}

// RemoteSandboxConfig configures the managed-service driver.
type RemoteSandboxConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIKeyRef is a secret reference (e.g. "env://KAZI_SANDBOX_API_KEY"),
	// never the key itself.
	APIKeyRef string `yaml:"api_key_ref"`
	Template  string `yaml:"template"`
}

// AdmissionConfig configures the concurrency controller.
type AdmissionConfig struct {
	LockPath          string `yaml:"lock_path"`           // Default: /tmp/kazi-exclusive.lock
	QueueSize         int    `yaml:"queue_size"`          // Default: 16
	StaggerMaxSeconds int    `yaml:"stagger_max_seconds"` // Default: 2
}

// AgentEntry configures one agent class.
type AgentEntry struct {
	// Image pins the container image for the local driver.
	Image string `yaml:"image"`
	// Template names the remote-service sandbox template.
	Template string `yaml:"template"`
	// CredentialEnvVar is the env var the agent CLI reads inside the
	// sandbox (e.g. ANTHROPIC_API_KEY).
	CredentialEnvVar string `yaml:"credential_env_var"`
	// CredentialRef is the secret reference resolved at execution time.
	CredentialRef string `yaml:"credential_ref"`
}

// ExecutorConfig tunes task execution.
type ExecutorConfig struct {
	CommitterName  string `yaml:"committer_name"`  // Default: kazi-agent
	CommitterEmail string `yaml:"committer_email"` // Default: agent@kazi.local
}

// ReaperConfig schedules the periodic orphan sweep.
type ReaperConfig struct {
	// Schedule is a cron expression. Default: "*/5 * * * *".
	Schedule string `yaml:"schedule"`
}

// HostingConfig configures the repository hosting provider.
type HostingConfig struct {
	// TokenRef is a secret reference for the hosting API token.
	TokenRef string `yaml:"token_ref"`
	// BaseURL overrides the API host (GitHub Enterprise).
	BaseURL string `yaml:"base_url"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `yaml:"protocol"`     // "grpc" or "http". Default: "grpc"
	ServiceName string  `yaml:"service_name"` // Default: "kazi"
	SampleRate  float64 `yaml:"sample_rate"`  // 0.0-1.0. Default: 1.0
	Insecure    bool    `yaml:"insecure"`     // Skip TLS for dev
}

// DefaultConfigPath returns the default config file path (~/.kazi/config.yaml).
// Callers should tolerate the file not existing.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kazi.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kazi", "config.yaml")
}

// APIKeyOwners maps each configured API key to its owning account. Entries
// are either "owner:key" or a bare key, which maps to the "default" owner.
func (c *Config) APIKeyOwners() map[string]string {
	owners := make(map[string]string, len(c.Server.APIKeys))
	for _, entry := range c.Server.APIKeys {
		if owner, key, ok := strings.Cut(entry, ":"); ok && owner != "" && key != "" {
			owners[key] = owner
			continue
		}
		owners[entry] = "default"
	}
	return owners
}

// Load reads the YAML config at path, applies environment overrides and
// defaults, and validates the result. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv applies environment overrides. Env vars take precedence over
// config file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("KAZI_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("KAZI_API_KEY"); v != "" {
		c.Server.APIKeys = append(c.Server.APIKeys, v)
	}
	if v := os.Getenv("KAZI_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("KAZI_DB_DSN"); v != "" {
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("KAZI_SQLITE_PATH"); v != "" {
		c.Storage.SQLite.Path = v
	}
	if v := os.Getenv("KAZI_SANDBOX_DRIVER"); v != "" {
		c.Sandbox.Driver = v
	}
	if v := os.Getenv("KAZI_SANDBOX_BASE_URL"); v != "" {
		c.Sandbox.Remote.BaseURL = v
	}
	if v := os.Getenv("KAZI_LOCK_PATH"); v != "" {
		c.Admission.LockPath = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.SQLite.Path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.Storage.SQLite.Path = filepath.Join(home, ".kazi", "kazi.db")
	}
	if c.Storage.Postgres.MaxOpenConns == 0 {
		c.Storage.Postgres.MaxOpenConns = 25
	}
	if c.Storage.Postgres.MaxIdleConns == 0 {
		c.Storage.Postgres.MaxIdleConns = 5
	}
	if c.Sandbox.Driver == "" {
		c.Sandbox.Driver = "local"
	}
	if c.Sandbox.RunTimeoutSeconds == 0 {
		c.Sandbox.RunTimeoutSeconds = 300
	}
	if c.Sandbox.MaxAgeSeconds == 0 {
		c.Sandbox.MaxAgeSeconds = 7200
	}
	if c.Sandbox.Local.MemoryMB == 0 {
		c.Sandbox.Local.MemoryMB = 2048
	}
	if c.Sandbox.Local.CPUCores == 0 {
		c.Sandbox.Local.CPUCores = 2.0
	}
	if c.Sandbox.Local.PIDsLimit == 0 {
		c.Sandbox.Local.PIDsLimit = 256
	}
	if c.Admission.LockPath == "" {
		c.Admission.LockPath = "/tmp/kazi-exclusive.lock"
	}
	if c.Admission.QueueSize == 0 {
		c.Admission.QueueSize = 16
	}
	if c.Admission.StaggerMaxSeconds == 0 {
		c.Admission.StaggerMaxSeconds = 2
	}
	if c.Executor.CommitterName == "" {
		c.Executor.CommitterName = "kazi-agent"
	}
	if c.Executor.CommitterEmail == "" {
		c.Executor.CommitterEmail = "agent@kazi.local"
	}
	if c.Reaper.Schedule == "" {
		c.Reaper.Schedule = "*/5 * * * *"
	}
	if c.Agents == nil {
		c.Agents = map[string]AgentEntry{}
	}
	for class, entry := range c.Agents {
		if entry.CredentialEnvVar == "" {
			entry.CredentialEnvVar = defaultCredentialEnvVar(class)
		}
		c.Agents[class] = entry
	}
	if c.Observability != nil {
		if c.Observability.Metrics.Path == "" {
			c.Observability.Metrics.Path = "/metrics"
		}
		if c.Observability.Tracing.Protocol == "" {
			c.Observability.Tracing.Protocol = "grpc"
		}
		if c.Observability.Tracing.ServiceName == "" {
			c.Observability.Tracing.ServiceName = "kazi"
		}
		if c.Observability.Tracing.SampleRate == 0 {
			c.Observability.Tracing.SampleRate = 1.0
		}
	}
}

func defaultCredentialEnvVar(class string) string {
	switch domain.AgentClass(class) {
	case domain.AgentClaude:
		return "ANTHROPIC_API_KEY"
	case domain.AgentCodex:
		return "OPENAI_API_KEY"
	default:
		return ""
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
	}

	switch c.Sandbox.Driver {
	case "local", "remote":
	default:
		return fmt.Errorf("sandbox.driver must be local or remote, got %q", c.Sandbox.Driver)
	}
	if c.Sandbox.Driver == "remote" && c.Sandbox.Remote.BaseURL == "" {
		return fmt.Errorf("sandbox.remote.base_url is required for the remote driver")
	}

	for class := range c.Agents {
		if !domain.AgentClass(class).Valid() {
			return fmt.Errorf("agents: unknown agent class %q", class)
		}
	}
	if c.Sandbox.Driver == "local" {
		for class, entry := range c.Agents {
			if entry.Image == "" {
				return fmt.Errorf("agents.%s.image is required for the local sandbox driver", class)
			}
		}
	}

	if c.Observability != nil && c.Observability.Tracing.Enabled {
		tr := c.Observability.Tracing
		if tr.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if tr.Protocol != "grpc" && tr.Protocol != "http" {
			return fmt.Errorf("observability.tracing.protocol must be grpc or http, got %q", tr.Protocol)
		}
	}
	return nil
}

// RunTimeout returns the sandbox run budget as a duration.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Sandbox.RunTimeoutSeconds) * time.Second
}

// SandboxMaxAge returns the reaper age ceiling as a duration.
func (c *Config) SandboxMaxAge() time.Duration {
	return time.Duration(c.Sandbox.MaxAgeSeconds) * time.Second
}

// StaggerMax returns the exclusive-lane stagger ceiling as a duration.
func (c *Config) StaggerMax() time.Duration {
	return time.Duration(c.Admission.StaggerMaxSeconds) * time.Second
}

// AgentClasses returns the configured classes in deterministic order.
func (c *Config) AgentClasses() []domain.AgentClass {
	var classes []domain.AgentClass
	for _, class := range []domain.AgentClass{domain.AgentClaude, domain.AgentCodex} {
		if _, ok := c.Agents[string(class)]; ok {
			classes = append(classes, class)
		}
	}
	return classes
}

// Images returns the class-to-image map for the local driver.
func (c *Config) Images() map[domain.AgentClass]string {
	images := make(map[domain.AgentClass]string, len(c.Agents))
	for class, entry := range c.Agents {
		if entry.Image != "" {
			images[domain.AgentClass(class)] = entry.Image
		}
	}
	return images
}

// String renders the config with secret references intact; references are
// safe to print, values never appear in the config at all.
func (c *Config) String() string {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
