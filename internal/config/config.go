// ABOUTME: Configuration loading and parsing for keygate
// ABOUTME: Supports YAML or TOML files with .env loading, environment variable expansion and durations

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete keygate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Tasks     TasksConfig     `yaml:"tasks" toml:"tasks"`
	Mail      MailConfig      `yaml:"mail" toml:"mail"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// BaseURL is the external URL of the service, used in verification links.
	// If not set, it's derived from http_addr or the tailscale hostname.
	BaseURL     string   `yaml:"base_url" toml:"base_url"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Serve publicly over HTTPS via Funnel
}

// Database drivers accepted in database.driver.
const (
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverPostgres = "postgres"
)

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	// DSN is the connection string; for the sqlite drivers Path may be used instead.
	DSN  string `yaml:"dsn" toml:"dsn"`
	Path string `yaml:"path" toml:"path"`
}

// DataSource returns the DSN, falling back to Path.
func (d DatabaseConfig) DataSource() string {
	if d.DSN != "" {
		return d.DSN
	}
	return d.Path
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	BcryptCost int `yaml:"bcrypt_cost" toml:"bcrypt_cost"`
	// ReplayProtection rejects a signature presented twice. Defaults to true.
	ReplayProtection *bool `yaml:"replay_protection" toml:"replay_protection"`

	KeyTTL    time.Duration `yaml:"-" toml:"-"`
	ClockSkew time.Duration `yaml:"-" toml:"-"`

	KeyTTLRaw    string `yaml:"key_ttl" toml:"key_ttl"`
	ClockSkewRaw string `yaml:"clock_skew" toml:"clock_skew"`
}

// ReplayEnabled reports whether replay protection is on.
func (a AuthConfig) ReplayEnabled() bool {
	return a.ReplayProtection == nil || *a.ReplayProtection
}

// TasksConfig holds async worker configuration
type TasksConfig struct {
	Workers     int `yaml:"workers" toml:"workers"`
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`

	PollInterval time.Duration `yaml:"-" toml:"-"`
	Lease        time.Duration `yaml:"-" toml:"-"`
	Backoff      time.Duration `yaml:"-" toml:"-"`

	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	LeaseRaw        string `yaml:"lease" toml:"lease"`
	BackoffRaw      string `yaml:"backoff" toml:"backoff"`
}

// Mail providers accepted in mail.provider.
const (
	MailProviderLog = "log"
	MailProviderSES = "ses"
)

// MailConfig holds outbound email configuration
type MailConfig struct {
	Provider        string `yaml:"provider" toml:"provider"`
	From            string `yaml:"from" toml:"from"`
	ReplyTo         string `yaml:"reply_to" toml:"reply_to"`
	ReturnPath      string `yaml:"return_path" toml:"return_path"`
	Region          string `yaml:"region" toml:"region"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MinBcryptCost is the lowest accepted auth.bcrypt_cost.
const MinBcryptCost = 12

// Default returns a configuration with every default applied, suitable for
// running locally without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the config is loaded first without overriding the environment.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = deriveBaseURL(cfg)
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.DataSource() == "" && cfg.Database.Driver != DriverPostgres {
		cfg.Database.Path = "keygate.db"
	}

	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = MinBcryptCost
	}
	if cfg.Auth.KeyTTL == 0 {
		cfg.Auth.KeyTTL = time.Hour
	}
	if cfg.Auth.ClockSkew == 0 {
		cfg.Auth.ClockSkew = 5 * time.Minute
	}

	if cfg.Tasks.Workers == 0 {
		cfg.Tasks.Workers = 2
	}
	if cfg.Tasks.MaxAttempts == 0 {
		cfg.Tasks.MaxAttempts = 3
	}
	if cfg.Tasks.PollInterval == 0 {
		cfg.Tasks.PollInterval = time.Second
	}
	if cfg.Tasks.Lease == 0 {
		cfg.Tasks.Lease = time.Minute
	}
	if cfg.Tasks.Backoff == 0 {
		cfg.Tasks.Backoff = 30 * time.Second
	}

	if cfg.Mail.Provider == "" {
		cfg.Mail.Provider = MailProviderLog
	}
	if cfg.Mail.From == "" {
		cfg.Mail.From = "keygate@localhost"
	}
	if cfg.Mail.ReplyTo == "" {
		cfg.Mail.ReplyTo = cfg.Mail.From
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// deriveBaseURL guesses the external URL from the tailscale hostname or the listen address.
func deriveBaseURL(cfg *Config) string {
	if cfg.Tailscale.Enabled && cfg.Tailscale.Hostname != "" {
		if cfg.Tailscale.Funnel {
			return "https://" + cfg.Tailscale.Hostname
		}
		return "http://" + cfg.Tailscale.Hostname
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") || strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "localhost:" + addr[strings.LastIndex(addr, ":")+1:]
	}
	return "http://" + addr
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.base_url must be an absolute URL, got %q", c.Server.BaseURL)
	}

	if !slices.Contains([]string{DriverSQLite, DriverSQLite3, DriverPostgres}, c.Database.Driver) {
		return fmt.Errorf("database.driver must be one of sqlite, sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DataSource() == "" {
		return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
	}

	if c.Auth.BcryptCost < MinBcryptCost || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be between %d and 31, got %d", MinBcryptCost, c.Auth.BcryptCost)
	}
	if c.Auth.KeyTTL < 0 || c.Auth.ClockSkew < 0 {
		return fmt.Errorf("auth.key_ttl and auth.clock_skew must be positive")
	}

	if c.Tasks.Workers < 0 || c.Tasks.MaxAttempts < 0 {
		return fmt.Errorf("tasks.workers and tasks.max_attempts must be positive")
	}

	switch c.Mail.Provider {
	case MailProviderLog, MailProviderSES:
	default:
		return fmt.Errorf("mail.provider must be log or ses, got %q", c.Mail.Provider)
	}
	if c.Mail.AccessKeyID != "" && c.Mail.SecretAccessKey == "" {
		return fmt.Errorf("mail.secret_access_key is required with mail.access_key_id")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.key_ttl", cfg.Auth.KeyTTLRaw, &cfg.Auth.KeyTTL},
		{"auth.clock_skew", cfg.Auth.ClockSkewRaw, &cfg.Auth.ClockSkew},
		{"tasks.poll_interval", cfg.Tasks.PollIntervalRaw, &cfg.Tasks.PollInterval},
		{"tasks.lease", cfg.Tasks.LeaseRaw, &cfg.Tasks.Lease},
		{"tasks.backoff", cfg.Tasks.BackoffRaw, &cfg.Tasks.Backoff},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
