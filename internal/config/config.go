package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultBackendURL is where a locally started QA agent listens
const DefaultBackendURL = "http://localhost:8000"

// Config represents the dashboard configuration
type Config struct {
	Server      ServerConfig  `yaml:"server"`
	Auth        AuthConfig    `yaml:"auth"`
	Backend     BackendConfig `yaml:"backend"`
	Polling     PollingConfig `yaml:"polling"`
	Logging     LoggingConfig `yaml:"logging"`
	PresetsFile string        `yaml:"presets_file"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// AuthConfig contains authentication settings for the local API
type AuthConfig struct {
	APIKeys []APIKey `yaml:"api_keys"`
}

// APIKey represents an API key for authentication
type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// BackendConfig contains QA agent connection settings
type BackendConfig struct {
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"` // Optional: static bearer token
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// PollingConfig bounds the fallback poll loop
type PollingConfig struct {
	Interval time.Duration `yaml:"interval"`
	Ceiling  int           `yaml:"ceiling"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Load reads the configuration file at path, applies environment
// overrides and fills defaults. An empty path configures from the
// environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		// Expand environment variables in the config
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays the environment variables the binary documents
func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("QA_API_URL"); ok && v != "" {
		cfg.Backend.URL = v
	}
	if v, ok := os.LookupEnv("QA_API_TOKEN"); ok && v != "" {
		cfg.Backend.Token = v
	}
	if v, ok := os.LookupEnv("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv("LOG_FORMAT"); ok && v != "" {
		cfg.Logging.Format = v
	}
	if v, ok := os.LookupEnv("POLL_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse POLL_INTERVAL: %w", err)
		}
		cfg.Polling.Interval = d
	}
	if v, ok := os.LookupEnv("POLL_CEILING"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse POLL_CEILING: %w", err)
		}
		cfg.Polling.Ceiling = n
	}
	if v, ok := os.LookupEnv("PRESETS_FILE"); ok && v != "" {
		cfg.PresetsFile = v
	}
	if v, ok := os.LookupEnv("CORS_ORIGINS"); ok && v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	// SSE streams outlive any write deadline, so WriteTimeout stays zero
	// unless configured.
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"http://localhost:3000"}
	}
	if cfg.Backend.URL == "" {
		cfg.Backend.URL = DefaultBackendURL
	}
	if cfg.Backend.RequestTimeout == 0 {
		cfg.Backend.RequestTimeout = 30 * time.Second
	}
	if cfg.Backend.HandshakeTimeout == 0 {
		cfg.Backend.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Polling.Interval == 0 {
		cfg.Polling.Interval = time.Second
	}
	if cfg.Polling.Ceiling == 0 {
		cfg.Polling.Ceiling = 600
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects settings the dashboard cannot run with
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Polling.Interval < 0 {
		return fmt.Errorf("polling interval must be positive, got %s", c.Polling.Interval)
	}
	if c.Polling.Ceiling < 0 {
		return fmt.Errorf("polling ceiling must be positive, got %d", c.Polling.Ceiling)
	}
	for i, k := range c.Auth.APIKeys {
		if k.Key == "" {
			return fmt.Errorf("api key at index %d is empty", i)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
