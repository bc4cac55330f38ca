// ABOUTME: Entry point for the agentlink CLI
// ABOUTME: Serves the local API and drives agent provisioning from the terminal

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/agentlink/internal/config"
	"github.com/2389/agentlink/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                         _   _ _       _
  __ _  __ _  ___ _ __ | |_| (_)_ __ | | __
 / _' |/ _' |/ _ \ '_ \| __| | | '_ \| |/ /
| (_| | (_| |  __/ | | | |_| | | | | |   <
 \__,_|\__, |\___|_| |_|\__|_|_|_| |_|_|\_\
       |___/
`

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "agentlink",
	Short: "Provision WhatsApp agents and pair them by QR code",
	Long: `agentlink talks to the hosted agent provisioning backend.

It creates agents, fetches their pairing codes, watches their connection
state, and sends test messages. "agentlink serve" exposes the same flows as
a local HTTP API with server-sent event streams.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (default $AGENTLINK_CONFIG or XDG config dir)")
}

// getConfigPath returns the path to the config file.
// Priority: --config flag > AGENTLINK_CONFIG env var > XDG_CONFIG_HOME/agentlink/config.yaml > ~/.config/agentlink/config.yaml
func getConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if envPath := os.Getenv("AGENTLINK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agentlink", "config.yaml")
}

func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if transport.IsAuthExpired(err) {
			color.New(color.FgYellow).Fprintln(os.Stderr, "Your session expired. Log in again and update auth.token or auth.token_file.")
		}
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
