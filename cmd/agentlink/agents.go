// ABOUTME: Agent subcommands: create, qrcode, status, send, and watch
// ABOUTME: Talks to the provisioning backend directly without the local API

package main

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/agentlink/internal/acquire"
	"github.com/2389/agentlink/internal/config"
	"github.com/2389/agentlink/internal/gateway"
	"github.com/2389/agentlink/internal/poller"
	"github.com/2389/agentlink/internal/provision"
	"github.com/2389/agentlink/internal/qrcode"
)

// Agent command flags
var (
	createName        string
	createType        string
	createDescription string
	createPrompt      string
	createPlan        string
	createWait        bool
	qrOut             string
	sendPrompt        string
	watchWidgets      int
	watchInterval     time.Duration
)

var createCmd = &cobra.Command{
	Use:   "create <phone>",
	Short: "Create an agent and acquire its pairing code",
	Long: `Create an agent on the provisioning backend.

By default the pairing code is then polled until it is available or the
configured number of attempts runs out. Use --wait=false to return right
after creation.

Examples:
  agentlink create "+55 11 99999-0001" --name Atendimento --plan basico
  agentlink create 5511999990001 --name Vendas --out qr.png`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var qrcodeCmd = &cobra.Command{
	Use:   "qrcode <phone>",
	Short: "Fetch the current pairing code once",
	Args:  cobra.ExactArgs(1),
	RunE:  runQRCode,
}

var statusCmd = &cobra.Command{
	Use:   "status <phone>",
	Short: "Verify the agent's WhatsApp connection once",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var sendCmd = &cobra.Command{
	Use:   "send <phone> <text...>",
	Short: "Send a test message through the agent",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

var watchCmd = &cobra.Command{
	Use:   "watch <phone>",
	Short: "Watch the connection state until interrupted",
	Long: `Poll the connection state of one agent and print every change.

Each of the -n widgets runs its own independent poller against the same
phone, the way several open views of one agent would.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	createCmd.Flags().StringVar(&createName, "name", "", "agent display name (required)")
	createCmd.Flags().StringVar(&createType, "type", "", "agent type")
	createCmd.Flags().StringVar(&createDescription, "description", "", "agent description")
	createCmd.Flags().StringVar(&createPrompt, "prompt", "", "system prompt")
	createCmd.Flags().StringVar(&createPlan, "plan", "gratuito", "subscription plan")
	createCmd.Flags().BoolVar(&createWait, "wait", true, "poll for the pairing code after creating")
	createCmd.Flags().StringVarP(&qrOut, "out", "o", "", "write an inline pairing code image to this file")
	_ = createCmd.MarkFlagRequired("name")

	qrcodeCmd.Flags().StringVarP(&qrOut, "out", "o", "", "write an inline pairing code image to this file")

	sendCmd.Flags().StringVar(&sendPrompt, "prompt", "", "prompt override for this message")

	watchCmd.Flags().IntVarP(&watchWidgets, "widgets", "n", 1, "number of independent pollers")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "poll interval (default status.interval)")

	rootCmd.AddCommand(createCmd, qrcodeCmd, statusCmd, sendCmd, watchCmd)
}

func newService(cfg *config.Config) *provision.Service {
	return gateway.NewService(cfg, gateway.NewSessionSource(cfg), setupLogger(cfg.Logging))
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.HasPlan(createPlan) {
		return fmt.Errorf("unknown plan %q (configured: %s)", createPlan, strings.Join(slices.Sorted(maps.Keys(cfg.Plans)), ", "))
	}
	ctx := cmd.Context()
	svc := newService(cfg)

	res, err := svc.CreateAgent(ctx, provision.Profile{
		Phone:       args[0],
		Name:        createName,
		Type:        createType,
		Description: createDescription,
		Prompt:      createPrompt,
		Plan:        strings.ToLower(createPlan),
	})
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created agent %s", res.Phone.E164())
	if res.Status != "" {
		fmt.Printf(" (%s)", res.Status)
	}
	fmt.Println()

	if !createWait {
		return nil
	}

	gray := color.New(color.FgHiBlack)
	gray.Printf("  Waiting for pairing code (up to %d attempts, every %s)\n", cfg.Pairing.MaxAttempts, cfg.Pairing.Interval)

	loop := acquire.New(svc, res.Phone.E164(), acquire.Options{
		Interval:    cfg.Pairing.Interval,
		MaxAttempts: cfg.Pairing.MaxAttempts,
		OnAttempt: func(attempt int, r qrcode.Result) {
			gray.Printf("  attempt %d: %s\n", attempt, r)
		},
		Logger: setupLogger(cfg.Logging),
	})
	if err := loop.Start(ctx); err != nil {
		return err
	}

	out, err := loop.Wait(ctx)
	if err != nil {
		loop.Cancel()
		return err
	}

	switch out.State {
	case acquire.StateSucceeded:
		return printPairingCode(out.Result, qrOut)
	case acquire.StateExhausted:
		if out.Err != nil {
			return out.Err
		}
		color.New(color.FgYellow).Printf("  No pairing code after %d attempts. Try \"agentlink qrcode %s\" later.\n",
			out.Attempts, res.Phone.E164())
		return nil
	default:
		return fmt.Errorf("acquisition ended in state %s", out.State)
	}
}

func runQRCode(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	result, err := newService(cfg).GetPairingCode(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printPairingCode(result, qrOut)
}

// printPairingCode renders a classified pairing-code response. Inline
// images are written to out when it is set.
func printPairingCode(r qrcode.Result, out string) error {
	switch {
	case r.IsAlreadyConnected():
		color.New(color.FgGreen).Println("  ✓ Already connected, no pairing needed")
		return nil

	case r.IsNotReadyYet():
		color.New(color.FgYellow).Printf("  Not ready yet: %s\n", r.Reason())
		return nil

	case r.IsError():
		return fmt.Errorf("pairing code unavailable (%s): %s", r.ErrorKind(), r.ErrorMessage())
	}

	if out == "" {
		if r.IsInlineImage() {
			data, mediaType, err := r.DecodeImage()
			if err != nil {
				return fmt.Errorf("decoding pairing code: %w", err)
			}
			fmt.Printf("  Pairing code ready: %s, %d bytes (use --out to save it)\n", mediaType, len(data))
			return nil
		}
		fmt.Printf("  Pairing code ready: %s\n", r.Image())
		return nil
	}

	data, _, err := r.DecodeImage()
	if errors.Is(err, qrcode.ErrNotInlineImage) {
		fmt.Printf("  Pairing code is hosted remotely, open it at: %s\n", r.Image())
		return nil
	}
	if err != nil {
		return fmt.Errorf("decoding pairing code: %w", err)
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return fmt.Errorf("writing pairing code: %w", err)
	}
	color.New(color.FgGreen).Printf("  ✓ Saved pairing code to %s\n", out)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	state, err := newService(cfg).VerifyConnection(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printState("", state)
	return nil
}

func printState(prefix string, state provision.ConnectionState) {
	c := color.New(color.FgYellow)
	if state == provision.StateConnected {
		c = color.New(color.FgGreen)
	}
	fmt.Print(prefix)
	c.Println(string(state))
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	res, err := newService(cfg).SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " "), provision.SendOptions{
		Prompt: sendPrompt,
	})
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Printf("  ✓ Sent to %s", res.Phone.E164())
	fmt.Printf(" id=%s status=%s\n", res.ID, res.Status)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if watchWidgets < 1 {
		return fmt.Errorf("--widgets must be at least 1")
	}
	interval := watchInterval
	if interval <= 0 {
		interval = cfg.Status.Interval
	}

	ctx := cmd.Context()
	svc := newService(cfg)
	logger := setupLogger(cfg.Logging)

	var printMu sync.Mutex
	authErr := make(chan error, 1)

	pollers := make([]*poller.Poller, 0, watchWidgets)
	defer func() {
		for _, p := range pollers {
			p.Cancel()
		}
	}()

	for i := 1; i <= watchWidgets; i++ {
		prefix := ""
		if watchWidgets > 1 {
			prefix = fmt.Sprintf("  [%d] ", i)
		}
		p := poller.New(svc, args[0], poller.Options{
			Interval: interval,
			OnChange: func(s provision.ConnectionState) {
				printMu.Lock()
				defer printMu.Unlock()
				fmt.Print(color.HiBlackString(time.Now().Format("15:04:05 ")))
				printState(prefix, s)
			},
			OnAuthRequired: func(err error) {
				select {
				case authErr <- err:
				default:
				}
			},
			Logger: logger,
		})
		if err := p.Start(ctx); err != nil {
			return err
		}
		pollers = append(pollers, p)
	}

	// Pollers also stop on errors that are not worth retrying, such as an
	// unknown phone. Once all of them stopped there is nothing left to watch.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for _, p := range pollers {
			<-p.Done()
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-authErr:
		return err
	case <-stopped:
		select {
		case err := <-authErr:
			return err
		default:
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("all pollers stopped; run with logging.level=debug for details")
	}
}
