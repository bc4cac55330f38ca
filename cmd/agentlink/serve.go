// ABOUTME: Server-side subcommands: serve, health, config, token
// ABOUTME: Runs the local API server and inspects or uses the loaded configuration

package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/2389/agentlink/internal/auth"
	"github.com/2389/agentlink/internal/config"
	"github.com/2389/agentlink/internal/gateway"
)

var (
	healthLocal  bool
	tokenSubject string
	tokenTTL     time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local API server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the provisioning backend answers",
	Long: `Probe the provisioning backend with a short timeout.

With --local the running "agentlink serve" instance is asked instead, which
probes the backend on its behalf.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for the local API",
	Long: `Issue a bearer token for the local API, signed with server.api_secret.

Examples:
  agentlink token --subject ops@example.com
  curl -H "Authorization: Bearer $(agentlink token)" localhost:8090/api/agents`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	healthCmd.Flags().BoolVar(&healthLocal, "local", false, "check the local API server instead of the backend")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "who the token is issued to")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, healthCmd, configCmd, tokenCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:        %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Provisioner: %s\n", cfg.Provisioner.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Database:    %s\n", cfg.Database.Path)
	fmt.Println()

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(cmd.Context())
}

func runHealth(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if healthLocal {
		url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		fmt.Println(string(body))
		return nil
	}

	svc := newService(cfg)
	start := time.Now()
	if err := svc.Probe(ctx); err != nil {
		return err
	}
	color.New(color.FgGreen).Print("healthy ")
	fmt.Printf("(%s in %s)\n", cfg.Provisioner.BaseURL, time.Since(start).Round(time.Millisecond))
	return nil
}

// effectiveConfig is the printable form of config.Config: durations as
// strings and secrets masked.
type effectiveConfig struct {
	Provisioner struct {
		BaseURL           string  `yaml:"base_url"`
		CreatePath        string  `yaml:"create_path"`
		StatusPath        string  `yaml:"status_path"`
		QRCodePath        string  `yaml:"qrcode_path"`
		SendPath          string  `yaml:"send_path"`
		RequestTimeout    string  `yaml:"request_timeout"`
		ProbeTimeout      string  `yaml:"probe_timeout"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
	} `yaml:"provisioner"`
	Pairing struct {
		Interval    string `yaml:"interval"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"pairing"`
	Status struct {
		Interval string `yaml:"interval"`
	} `yaml:"status"`
	Server   config.ServerConfig   `yaml:"server"`
	Database config.DatabaseConfig `yaml:"database"`
	Auth     config.AuthConfig     `yaml:"auth"`
	Plans    map[string]int        `yaml:"plans"`
	Logging  config.LoggingConfig  `yaml:"logging"`
	Defaults config.DefaultsConfig `yaml:"defaults"`
}

func newEffectiveConfig(cfg *config.Config) effectiveConfig {
	var e effectiveConfig
	p := cfg.Provisioner
	e.Provisioner.BaseURL = p.BaseURL
	e.Provisioner.CreatePath = p.CreatePath
	e.Provisioner.StatusPath = p.StatusPath
	e.Provisioner.QRCodePath = p.QRCodePath
	e.Provisioner.SendPath = p.SendPath
	e.Provisioner.RequestTimeout = p.RequestTimeout.String()
	e.Provisioner.ProbeTimeout = p.ProbeTimeout.String()
	e.Provisioner.RequestsPerSecond = p.RequestsPerSecond
	e.Pairing.Interval = cfg.Pairing.Interval.String()
	e.Pairing.MaxAttempts = cfg.Pairing.MaxAttempts
	e.Status.Interval = cfg.Status.Interval.String()
	e.Server = cfg.Server
	e.Database = cfg.Database
	e.Auth = cfg.Auth
	if e.Auth.Token != "" {
		e.Auth.Token = "********"
	}
	if e.Server.APISecret != "" {
		e.Server.APISecret = "********"
	}
	e.Plans = cfg.Plans
	e.Logging = cfg.Logging
	e.Defaults = cfg.Defaults
	return e
}

func runConfig(_ *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	color.New(color.FgHiBlack).Printf("# %s\n", path)
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(newEffectiveConfig(cfg)); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

func runToken(_ *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.APISecret == "" {
		return fmt.Errorf("server.api_secret is not set in %s; the local API is open", path)
	}
	if tokenTTL <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Server.APISecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(tokenSubject, tokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "expires %s\n", time.Now().Add(tokenTTL).Format("Jan 02, 2006"))
	return nil
}
