// ABOUTME: Configuration loading and parsing for agentlink
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a value is absent from the file.
const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultProbeTimeout    = 10 * time.Second
	DefaultPairingInterval = 2 * time.Second
	DefaultPairingAttempts = 5
	DefaultStatusInterval  = 30 * time.Second
	DefaultLocale          = "pt-BR"
)

// Config represents the complete agentlink configuration
type Config struct {
	Provisioner ProvisionerConfig `yaml:"provisioner" toml:"provisioner"`
	Pairing     PairingConfig     `yaml:"pairing" toml:"pairing"`
	Status      StatusConfig      `yaml:"status" toml:"status"`
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Plans       map[string]int    `yaml:"plans" toml:"plans"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Defaults    DefaultsConfig    `yaml:"defaults" toml:"defaults"`
}

// ProvisionerConfig describes the remote agent provisioning backend
type ProvisionerConfig struct {
	BaseURL           string  `yaml:"base_url" toml:"base_url"`
	CreatePath        string  `yaml:"create_path" toml:"create_path"`
	StatusPath        string  `yaml:"status_path" toml:"status_path"`
	QRCodePath        string  `yaml:"qrcode_path" toml:"qrcode_path"`
	SendPath          string  `yaml:"send_path" toml:"send_path"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`

	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	ProbeTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	ProbeTimeoutRaw   string `yaml:"probe_timeout" toml:"probe_timeout"`
}

// PairingConfig controls the pairing-code acquisition loop
type PairingConfig struct {
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
	Interval    time.Duration `yaml:"-" toml:"-"`
	IntervalRaw string        `yaml:"interval" toml:"interval"`
}

// StatusConfig controls connection status pollers
type StatusConfig struct {
	Interval    time.Duration `yaml:"-" toml:"-"`
	IntervalRaw string        `yaml:"interval" toml:"interval"`
}

// ServerConfig holds the local API address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// APISecret enables bearer-token checks on /api routes when set
	APISecret string `yaml:"api_secret" toml:"api_secret"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds the session token used against the hosted backend
type AuthConfig struct {
	Token     string `yaml:"token" toml:"token"`
	TokenFile string `yaml:"token_file" toml:"token_file"`
	Optional  bool   `yaml:"optional" toml:"optional"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultsConfig seeds the process-wide Settings store
type DefaultsConfig struct {
	Locale string `yaml:"locale" toml:"locale"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
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
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset values
func (c *Config) applyDefaults() {
	p := &c.Provisioner
	if p.CreatePath == "" {
		p.CreatePath = "/criar-agente"
	}
	if p.StatusPath == "" {
		p.StatusPath = "/status"
	}
	if p.QRCodePath == "" {
		p.QRCodePath = "/qrcode"
	}
	if p.SendPath == "" {
		p.SendPath = "/enviar-mensagem"
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = DefaultRequestTimeout
	}
	if p.ProbeTimeout == 0 {
		p.ProbeTimeout = DefaultProbeTimeout
	}

	if c.Pairing.Interval == 0 {
		c.Pairing.Interval = DefaultPairingInterval
	}
	if c.Pairing.MaxAttempts == 0 {
		c.Pairing.MaxAttempts = DefaultPairingAttempts
	}
	if c.Status.Interval == 0 {
		c.Status.Interval = DefaultStatusInterval
	}

	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Defaults.Locale == "" {
		c.Defaults.Locale = DefaultLocale
	}

	if len(c.Plans) == 0 {
		c.Plans = map[string]int{"gratuito": 100, "basico": 1000, "premium": 10000}
	}
	plans := make(map[string]int, len(c.Plans))
	for name, limit := range c.Plans {
		plans[strings.ToLower(name)] = limit
	}
	c.Plans = plans
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Provisioner.BaseURL == "" {
		return fmt.Errorf("provisioner.base_url is required")
	}
	u, err := url.Parse(c.Provisioner.BaseURL)
	if err != nil {
		return fmt.Errorf("provisioner.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("provisioner.base_url must use http or https scheme")
	}

	for name, path := range map[string]string{
		"create_path": c.Provisioner.CreatePath,
		"status_path": c.Provisioner.StatusPath,
		"qrcode_path": c.Provisioner.QRCodePath,
		"send_path":   c.Provisioner.SendPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("provisioner.%s must start with /", name)
		}
	}

	if c.Provisioner.RequestsPerSecond < 0 {
		return fmt.Errorf("provisioner.requests_per_second must not be negative")
	}
	if c.Pairing.MaxAttempts < 1 {
		return fmt.Errorf("pairing.max_attempts must be at least 1")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	for plan, limit := range c.Plans {
		if limit < 0 {
			return fmt.Errorf("plans.%s must not be negative", plan)
		}
	}

	return nil
}

// MessageLimit returns the monthly message limit of a plan. Unknown plans get 0.
func (c *Config) MessageLimit(plan string) int {
	return c.Plans[strings.ToLower(plan)]
}

// HasPlan reports whether plan is configured under plans.
func (c *Config) HasPlan(plan string) bool {
	_, ok := c.Plans[strings.ToLower(plan)]
	return ok
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"provisioner.request_timeout", cfg.Provisioner.RequestTimeoutRaw, &cfg.Provisioner.RequestTimeout},
		{"provisioner.probe_timeout", cfg.Provisioner.ProbeTimeoutRaw, &cfg.Provisioner.ProbeTimeout},
		{"pairing.interval", cfg.Pairing.IntervalRaw, &cfg.Pairing.Interval},
		{"status.interval", cfg.Status.IntervalRaw, &cfg.Status.Interval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
