package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentlink/internal/config"
	"github.com/2389/agentlink/internal/provision/provisiontest"
	"github.com/2389/agentlink/internal/qrcode"
	"github.com/2389/agentlink/internal/transport"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("flag wins", func(t *testing.T) {
		configFlag = "/tmp/flag.yaml"
		defer func() { configFlag = "" }()
		t.Setenv("AGENTLINK_CONFIG", "/tmp/env.yaml")
		assert.Equal(t, "/tmp/flag.yaml", getConfigPath())
	})

	t.Run("env var", func(t *testing.T) {
		t.Setenv("AGENTLINK_CONFIG", "/tmp/env.yaml")
		assert.Equal(t, "/tmp/env.yaml", getConfigPath())
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("AGENTLINK_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		assert.Equal(t, filepath.Join("/tmp/xdg", "agentlink", "config.yaml"), getConfigPath())
	})
}

func TestPrintPairingCode(t *testing.T) {
	dir := t.TempDir()

	t.Run("inline image is saved", func(t *testing.T) {
		out := filepath.Join(dir, "qr.png")
		err := printPairingCode(qrcode.CodeAvailable("data:image/png;base64,"+provisiontest.PNG), out)
		require.NoError(t, err)

		info, err := os.Stat(out)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	})

	t.Run("remote image is not saved", func(t *testing.T) {
		out := filepath.Join(dir, "remote.png")
		err := printPairingCode(qrcode.CodeAvailable("https://example.com/qr.png"), out)
		require.NoError(t, err)
		_, err = os.Stat(out)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("not ready and connected are not errors", func(t *testing.T) {
		assert.NoError(t, printPairingCode(qrcode.NotReadyYet("gerando"), ""))
		assert.NoError(t, printPairingCode(qrcode.AlreadyConnected(), ""))
	})

	t.Run("error result", func(t *testing.T) {
		err := printPairingCode(qrcode.Failed(transport.KindUnexpectedFormat, "no image in markup"), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no image in markup")
	})
}

func TestEffectiveConfigMasksToken(t *testing.T) {
	cfg := &config.Config{
		Provisioner: config.ProvisionerConfig{BaseURL: "https://api.example.com", RequestTimeout: 30 * time.Second},
		Auth:        config.AuthConfig{Token: "secret"},
	}

	e := newEffectiveConfig(cfg)
	assert.Equal(t, "********", e.Auth.Token)
	assert.Equal(t, "30s", e.Provisioner.RequestTimeout)
	assert.Equal(t, "secret", cfg.Auth.Token)
}

func TestSetupLogger(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "warn"})
	assert.False(t, logger.Enabled(t.Context(), -4))
	assert.True(t, logger.Enabled(t.Context(), 4))

	_, ok := logger.Handler().(*colorHandler)
	assert.True(t, ok)

	// Derived handlers must share the write lock.
	derived := logger.With("component", "test").Handler().(*colorHandler)
	assert.Same(t, logger.Handler().(*colorHandler).mu, derived.mu)
}
