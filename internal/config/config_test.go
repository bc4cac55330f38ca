// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
provisioner:
  base_url: "https://prov.example.com"
  qrcode_path: "/qr"
  request_timeout: "20s"
  probe_timeout: "5s"
  requests_per_second: 2.5

pairing:
  interval: "3s"
  max_attempts: 8

status:
  interval: "45s"

server:
  http_addr: "0.0.0.0:9000"

database:
  path: "./test.db"

plans:
  Basico: 500
  premium: 5000

logging:
  level: "debug"
  format: "json"

defaults:
  locale: "en-US"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://prov.example.com", cfg.Provisioner.BaseURL)
	assert.Equal(t, "/qr", cfg.Provisioner.QRCodePath)
	assert.Equal(t, "/criar-agente", cfg.Provisioner.CreatePath)
	assert.Equal(t, 20*time.Second, cfg.Provisioner.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Provisioner.ProbeTimeout)
	assert.InDelta(t, 2.5, cfg.Provisioner.RequestsPerSecond, 0.001)
	assert.Equal(t, 3*time.Second, cfg.Pairing.Interval)
	assert.Equal(t, 8, cfg.Pairing.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Status.Interval)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, 500, cfg.MessageLimit("basico"))
	assert.Equal(t, 500, cfg.MessageLimit("BASICO"))
	assert.Equal(t, 0, cfg.MessageLimit("unknown"))
	assert.True(t, cfg.HasPlan("Basico"))
	assert.False(t, cfg.HasPlan("unknown"))
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "en-US", cfg.Defaults.Locale)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
provisioner:
  base_url: "http://localhost:3000"
database:
  path: "./x.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultRequestTimeout, cfg.Provisioner.RequestTimeout)
	assert.Equal(t, DefaultProbeTimeout, cfg.Provisioner.ProbeTimeout)
	assert.Equal(t, DefaultPairingInterval, cfg.Pairing.Interval)
	assert.Equal(t, DefaultPairingAttempts, cfg.Pairing.MaxAttempts)
	assert.Equal(t, DefaultStatusInterval, cfg.Status.Interval)
	assert.Equal(t, "/status", cfg.Provisioner.StatusPath)
	assert.Equal(t, "/enviar-mensagem", cfg.Provisioner.SendPath)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, DefaultLocale, cfg.Defaults.Locale)
	assert.Equal(t, 1000, cfg.MessageLimit("basico"))
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[provisioner]
base_url = "https://prov.example.com"
request_timeout = "15s"

[pairing]
interval = "1s"
max_attempts = 3

[database]
path = "./toml.db"

[plans]
pro = 42
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Provisioner.RequestTimeout)
	assert.Equal(t, time.Second, cfg.Pairing.Interval)
	assert.Equal(t, 3, cfg.Pairing.MaxAttempts)
	assert.Equal(t, "./toml.db", cfg.Database.Path)
	assert.Equal(t, 42, cfg.MessageLimit("pro"))
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_PROVISIONER_URL", "https://from-env.example.com")
	t.Setenv("TEST_AGENTLINK_TOKEN", "tok-from-env")

	path := writeConfig(t, "config.yaml", `
provisioner:
  base_url: "${TEST_PROVISIONER_URL}"
auth:
  token: "${TEST_AGENTLINK_TOKEN}"
database:
  path: "./db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://from-env.example.com", cfg.Provisioner.BaseURL)
	assert.Equal(t, "tok-from-env", cfg.Auth.Token)
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
provisioner:
  base_url: "${DEFINITELY_NOT_SET_AGENTLINK}"
database:
  path: "./db"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provisioner.base_url is required")
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
provisioner:
  base_url: "http://localhost"
pairing:
  interval: "soon"
database:
  path: "./db"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pairing.interval")
}

func TestLoad_NonPositiveDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
provisioner:
  base_url: "http://localhost"
status:
  interval: "-5s"
database:
  path: "./db"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "provisioner: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Provisioner: ProvisionerConfig{BaseURL: "https://prov.example.com"},
			Database:    DatabaseConfig{Path: "./db"},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing base url", func(c *Config) { c.Provisioner.BaseURL = "" }, "provisioner.base_url is required"},
		{"bad scheme", func(c *Config) { c.Provisioner.BaseURL = "ftp://x" }, "http or https"},
		{"relative path", func(c *Config) { c.Provisioner.StatusPath = "status" }, "status_path must start with /"},
		{"negative rps", func(c *Config) { c.Provisioner.RequestsPerSecond = -1 }, "requests_per_second"},
		{"zero attempts", func(c *Config) { c.Pairing.MaxAttempts = 0 }, "max_attempts"},
		{"missing db", func(c *Config) { c.Database.Path = "" }, "database.path is required"},
		{"negative plan", func(c *Config) { c.Plans["x"] = -1 }, "plans.x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "got %q", err.Error())
		})
	}
}

func TestSettings_LastWriteWins(t *testing.T) {
	s := NewSettings(&Config{Defaults: DefaultsConfig{Locale: "es-ES"}})
	assert.Equal(t, "es-ES", s.Locale())

	s.Set(SettingLocale, "en-US")
	s.Set(SettingLocale, "pt-BR")
	assert.Equal(t, "pt-BR", s.Locale())

	_, ok := s.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, DefaultLocale, NewSettings(nil).Locale())
}
