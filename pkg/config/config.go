package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agency runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	Memory    MemoryConfig    `yaml:"memory"`
	Beam      BeamConfig      `yaml:"beam"`
	Keys      KeysConfig      `yaml:"keys"`
	Personas  PersonasConfig  `yaml:"personas"`
	Agents    []AgentConfig   `yaml:"agents"`
	Security  SecurityConfig  `yaml:"security"`
	Temporal  TemporalConfig  `yaml:"temporal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP and gRPC listeners
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	GRPCPort     int           `yaml:"grpc_port"` // health service, 0 disables
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StoreConfig selects the shared key/value backend.
type StoreConfig struct {
	Backend  string `yaml:"backend"` // "memory" or "redis"
	RedisURL string `yaml:"redis_url"`
}

// NATSConfig moves system notifications onto NATS when enabled.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DatabaseConfig enables Postgres for distributed locks and task graph
// snapshots.
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"` // built from POSTGRES_* when empty
}

// BrokerConfig sizes the message broker's worker pool.
type BrokerConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// MemoryConfig configures shared memory.
type MemoryConfig struct {
	Namespace string        `yaml:"namespace"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
}

// ModelConfig registers one model with the dispatcher.
type ModelConfig struct {
	ID         string                 `yaml:"id"`
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Endpoint   string                 `yaml:"endpoint,omitempty"`
	KeyID      string                 `yaml:"key_id,omitempty"`
	Selection  string                 `yaml:"selection,omitempty"`
	Confidence float64                `yaml:"confidence,omitempty"`
	Parameters map[string]interface{} `yaml:"parameters,omitempty"`
}

// BeamConfig configures the model dispatcher.
type BeamConfig struct {
	RequestTimeout  time.Duration     `yaml:"request_timeout"`
	MaxConcurrency  int               `yaml:"max_concurrency"`
	DefaultStrategy string            `yaml:"default_strategy"`
	Models          []ModelConfig     `yaml:"models"`
	BaseURLs        map[string]string `yaml:"base_urls,omitempty"` // provider -> base URL override
}

// KeysConfig locates the encrypted key vault.
type KeysConfig struct {
	VaultPath string `yaml:"vault_path"` // defaults under the data dir
	Watch     bool   `yaml:"watch"`      // reload when the vault file changes
}

// PersonasConfig points at a persona definition file.
type PersonasConfig struct {
	File string `yaml:"file"`
}

// AgentConfig registers a task graph agent. It answers either through a
// persona or through one of beam.models.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Role         string   `yaml:"role"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Persona      string   `yaml:"persona,omitempty"`
	Model        string   `yaml:"model,omitempty"`
}

// SecurityConfig configures API authentication
type SecurityConfig struct {
	EnableAuth     bool              `yaml:"enable_auth"`
	JWTSecret      string            `yaml:"jwt_secret"`
	TokenTTL       time.Duration     `yaml:"token_ttl"`
	Users          map[string]string `yaml:"users,omitempty"` // username -> bcrypt hash
	AllowedOrigins []string          `yaml:"allowed_origins"`
}

// TemporalConfig configures Temporal workflow engine
type TemporalConfig struct {
	Enabled                  bool          `yaml:"enabled"`
	Host                     string        `yaml:"host"`
	Namespace                string        `yaml:"namespace"`
	TaskQueue                string        `yaml:"task_queue"`
	WorkflowExecutionTimeout time.Duration `yaml:"workflow_execution_timeout"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"`
	Environment string  `yaml:"environment"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			GRPCPort:     9090,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Store: StoreConfig{
			Backend:  "memory",
			RedisURL: "redis://localhost:6379/0",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "agency",
			Timeout:       5 * time.Second,
		},
		Broker: BrokerConfig{
			Workers:   8,
			QueueSize: 256,
		},
		Memory: MemoryConfig{
			Namespace: "agency",
			LockTTL:   3 * time.Second,
		},
		Beam: BeamConfig{
			RequestTimeout:  60 * time.Second,
			MaxConcurrency:  16,
			DefaultStrategy: "auto_select",
		},
		Security: SecurityConfig{
			EnableAuth:     false,
			TokenTTL:       24 * time.Hour,
			AllowedOrigins: []string{"*"},
		},
		Temporal: TemporalConfig{
			Host:                     "localhost:7233",
			Namespace:                "default",
			TaskQueue:                "agency-tasks",
			WorkflowExecutionTimeout: 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agency",
			Endpoint:    "localhost:4317",
			Environment: "development",
			SampleRatio: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfigFromFile loads a YAML file over DefaultConfig. Environment
// variables in the file (e.g. ${OPENAI_API_KEY}) are expanded first.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path when it is non-empty, then applies AGENCY_* overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadConfigFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from AGENCY_* variables. Setting a backend URL
// also turns that backend on.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("AGENCY_REDIS_URL"); v != "" {
		c.Store.Backend = "redis"
		c.Store.RedisURL = v
	}
	if v := getenv("AGENCY_NATS_URL"); v != "" {
		c.NATS.Enabled = true
		c.NATS.URL = v
	}
	if v := getenv("AGENCY_POSTGRES_DSN"); v != "" {
		c.Database.Enabled = true
		c.Database.DSN = v
	}
	if v := getenv("AGENCY_TEMPORAL_HOST"); v != "" {
		c.Temporal.Enabled = true
		c.Temporal.Host = v
	}
	if v := getenv("AGENCY_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
	}
	if v := getenv("AGENCY_JWT_SECRET"); v != "" {
		c.Security.JWTSecret = v
	}
	if v := getenv("AGENCY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("AGENCY_VAULT_PATH"); v != "" {
		c.Keys.VaultPath = v
	}
	if v := getenv("AGENCY_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AGENCY_HTTP_PORT %q: %w", v, err)
		}
		c.Server.HTTPPort = port
	}
	return nil
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid server.http_port %d", c.Server.HTTPPort))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid server.grpc_port %d", c.Server.GRPCPort))
	}
	if c.Security.EnableAuth && len(c.Security.JWTSecret) < 16 {
		errs = append(errs, errors.New("security.jwt_secret must be at least 16 bytes when auth is enabled"))
	}
	if c.Temporal.Enabled && c.Temporal.TaskQueue == "" {
		errs = append(errs, errors.New("temporal.task_queue is required when temporal is enabled"))
	}
	seen := make(map[string]bool)
	for i, m := range c.Beam.Models {
		if m.ID == "" || m.Provider == "" {
			errs = append(errs, fmt.Errorf("beam.models[%d] needs id and provider", i))
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Errorf("beam.models[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = true
	}
	agents := make(map[string]bool)
	for i, a := range c.Agents {
		id := a.ID
		if id == "" {
			id = a.Persona
		}
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("agents[%d] needs an id or persona", i))
		case (a.Persona == "") == (a.Model == ""):
			errs = append(errs, fmt.Errorf("agents[%d] (%s) needs exactly one of persona or model", i, id))
		case a.Model != "" && !seen[a.Model]:
			errs = append(errs, fmt.Errorf("agents[%d] (%s) references unknown model %q", i, id, a.Model))
		case agents[id]:
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, id))
		}
		agents[id] = true
	}
	return errors.Join(errs...)
}
