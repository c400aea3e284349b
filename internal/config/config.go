package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Commands  CommandsConfig  `yaml:"commands"`
	Nodes     NodesConfig     `yaml:"nodes"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Security  SecurityConfig  `yaml:"security"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type ExecutorConfig struct {
	Backend       string        `yaml:"backend"`   // "http" (default) or "local"
	ExecPath      string        `yaml:"exec_path"` // daemon endpoint appended to the node address
	Shell         string        `yaml:"shell"`     // local backend only
	WorkingDir    string        `yaml:"working_dir"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Wait          bool          `yaml:"wait"`     // POST /execute blocks until the execution is terminal
	MaxWait       time.Duration `yaml:"max_wait"` // upper bound on a blocking POST /execute
	RequestGrace  time.Duration `yaml:"request_grace"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

type CommandsConfig struct {
	SeedFile     string `yaml:"seed_file"`
	SeedDefaults bool   `yaml:"seed_defaults"` // seed built-in commands when the registry is empty
}

type NodeConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

type NodesConfig struct {
	Static          []NodeConfig  `yaml:"static"`
	LocalDaemonURL  string        `yaml:"local_daemon_url"` // registers node-local when set
	LocalNodeID     string        `yaml:"local_node_id"`
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	ProbeMaxWait    time.Duration `yaml:"probe_max_wait"`
	ReachabilityTTL time.Duration `yaml:"reachability_ttl"`
}

type TelemetryConfig struct {
	CollectInterval time.Duration `yaml:"collect_interval"`
	Retention       time.Duration `yaml:"retention"`
	NVML            bool          `yaml:"nvml"`      // sample the local node through NVML
	HTTPPull        bool          `yaml:"http_pull"` // poll node daemons for GPU readings
	GPUPath         string        `yaml:"gpu_path"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MinConns        int           `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
	WriteBuffer     int           `yaml:"write_buffer"`
	HydrateLimit    int           `yaml:"hydrate_limit"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout", "otlp" or "none"
	Endpoint    string  `yaml:"endpoint"`
	Sample      float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

type SecurityConfig struct {
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	ScriptAnalysis bool     `yaml:"script_analysis"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    6 * time.Minute, // > executor.max_wait
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Executor: ExecutorConfig{
			Backend:       "http",
			ExecPath:      "/api/v1/exec",
			Shell:         "bash",
			MaxConcurrent: 256,
			Wait:          true,
			MaxWait:       5*time.Minute + 30*time.Second,
			RequestGrace:  10 * time.Second,
			DrainTimeout:  30 * time.Second,
		},
		Commands: CommandsConfig{
			SeedDefaults: true,
		},
		Nodes: NodesConfig{
			LocalDaemonURL:  "http://localhost:9090",
			LocalNodeID:     "node-local",
			ProbeInterval:   30 * time.Second,
			ProbeMaxWait:    5 * time.Second,
			ReachabilityTTL: 2 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			CollectInterval: 15 * time.Second,
			Retention:       24 * time.Hour,
			NVML:            false,
			HTTPPull:        true,
			GPUPath:         "/api/v1/gpu",
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
			WriteBuffer:     10000,
			HydrateLimit:    10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			Endpoint:    "localhost:4317",
			Sample:      0.1,
			ServiceName: "boundless-bastion",
		},
		Security: SecurityConfig{
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			AllowedOrigins: []string{"*"},
			ScriptAnalysis: true,
		},
	}
}

// ApplyEnv overlays the environment variables the service has always honoured.
func (c *Config) ApplyEnv() error {
	for _, key := range []string{"BASTION_PORT", "PORT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			c.Server.Port = port
			break
		}
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("COMMANDS_FILE")); v != "" {
		c.Commands.SeedFile = v
	}
	if v := strings.TrimSpace(os.Getenv("DAEMON_URL")); v != "" {
		c.Nodes.LocalDaemonURL = v
	}
	if v := strings.TrimSpace(os.Getenv("EXECUTOR_BACKEND")); v != "" {
		c.Executor.Backend = v
	}
	return c.Validate()
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Executor.Backend {
	case "", "http", "local":
	default:
		return fmt.Errorf("executor.backend must be http or local, got %q", c.Executor.Backend)
	}
	if c.Executor.MaxConcurrent < 1 {
		return fmt.Errorf("executor.max_concurrent must be >= 1")
	}
	if c.Executor.Wait && c.Server.WriteTimeout > 0 && c.Executor.MaxWait >= c.Server.WriteTimeout {
		return fmt.Errorf("executor.max_wait (%s) must be < server.write_timeout (%s)",
			c.Executor.MaxWait, c.Server.WriteTimeout)
	}
	if c.Telemetry.CollectInterval <= 0 {
		return fmt.Errorf("telemetry.collect_interval must be positive")
	}
	if c.Telemetry.Retention < 0 {
		return fmt.Errorf("telemetry.retention must not be negative")
	}
	if c.Nodes.ProbeInterval <= 0 {
		return fmt.Errorf("nodes.probe_interval must be positive")
	}
	if c.Nodes.ProbeMaxWait <= 0 {
		return fmt.Errorf("nodes.probe_max_wait must be positive")
	}
	seen := make(map[string]struct{}, len(c.Nodes.Static))
	for i, n := range c.Nodes.Static {
		if n.Name == "" || n.Address == "" {
			return fmt.Errorf("nodes.static[%d]: name and address are required", i)
		}
		if _, err := url.ParseRequestURI(n.Address); err != nil {
			return fmt.Errorf("nodes.static[%d]: invalid address %q", i, n.Address)
		}
		if _, dup := seen[n.Name]; dup {
			return fmt.Errorf("nodes.static[%d]: duplicate name %q", i, n.Name)
		}
		seen[n.Name] = struct{}{}
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "otlp", "none", "":
		default:
			return fmt.Errorf("tracing.exporter must be stdout, otlp or none, got %q", c.Tracing.Exporter)
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
