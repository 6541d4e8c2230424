package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/courier/internal/api"
	"github.com/mattjoyce/courier/internal/auth"
	"github.com/mattjoyce/courier/internal/config"
	"github.com/mattjoyce/courier/internal/journal"
	"github.com/mattjoyce/courier/internal/lock"
	"github.com/mattjoyce/courier/internal/log"
	"github.com/mattjoyce/courier/internal/storage"
	"github.com/mattjoyce/courier/internal/supervisor"
	"github.com/mattjoyce/courier/internal/transport"
	"github.com/mattjoyce/courier/internal/transport/loopback"
	"github.com/mattjoyce/courier/internal/transport/websocket"
	"github.com/mattjoyce/courier/internal/tui/watch"
)

func newSystemCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Run and observe the dispatcher",
	}
	cmd.AddCommand(newStartCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newWatchCommand())
	return cmd
}

func newStartCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the dispatcher in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runStart(ctx, opts)
		},
	}
}

// runStart runs until ctx is cancelled or the supervisor loops end.
func runStart(ctx context.Context, opts *rootOptions) error {
	cfg, path, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	level := cfg.Service.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	log.Setup(level, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("courier starting", "version", version, "config", path)

	pidLock, err := lock.Acquire(lock.PathFor(cfg.State.Path))
	if err != nil {
		return fmt.Errorf("acquire lock (another instance may be running): %w", err)
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	tr, err := openTransport(ctx, cfg.Transport)
	if err != nil {
		return err
	}

	sup := supervisor.New(tr, supervisor.OptionsFromConfig(cfg, journal.New(db)))
	// The loops outlive ctx so shutdown goes through Stop.
	if err := sup.Start(context.WithoutCancel(ctx)); err != nil {
		_ = sup.Stop()
		return fmt.Errorf("start supervisor: %w", err)
	}
	defer func() {
		if err := sup.Stop(); err != nil {
			logger.Error("supervisor stop failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		server := api.New(apiConfig(cfg), sup, sup.Hub(), sup.Metrics().Registry, log.WithComponent("api"))
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("courier running (press Ctrl+C to stop)", "peer", cfg.Peer, "transport", cfg.Transport.Kind)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-sup.Done():
		if err := sup.Err(); err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
	case err := <-errCh:
		return err
	}

	logger.Info("courier stopped")
	return nil
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: tokens,
		Tiers:  cfg.Tiers(),
	}
}

func openTransport(ctx context.Context, tc config.TransportConfig) (transport.Transport, error) {
	switch tc.Kind {
	case "websocket":
		c, err := websocket.Dial(ctx, websocket.Options{
			URL:          tc.URL,
			Token:        tc.Token,
			DialTimeout:  tc.DialTimeout,
			WriteTimeout: tc.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connect bridge: %w", err)
		}
		return c, nil
	case "loopback", "":
		respond := loopback.Echo
		if tc.Loopback.Responder == "silent" {
			respond = loopback.Silent
		}
		return loopback.New(loopback.Options{Respond: respond, Delay: tc.Loopback.ReplyDelay}), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
}

type statusReport struct {
	Config   string `json:"config"`
	State    string `json:"state_path"`
	Running  bool   `json:"running"`
	PID      int    `json:"pid,omitempty"`
	Peer     string `json:"peer"`
	Kind     string `json:"transport"`
	APIState string `json:"api,omitempty"`
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether a dispatcher holds the state lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			report := statusReport{Config: path, State: cfg.State.Path, Peer: cfg.Peer, Kind: cfg.Transport.Kind}
			lockPath := lock.PathFor(cfg.State.Path)
			probe, err := lock.Acquire(lockPath)
			switch {
			case errors.Is(err, lock.ErrLocked):
				report.Running = true
				report.PID, _ = lock.HolderPID(lockPath)
			case err != nil:
				return err
			default:
				_ = probe.Release()
			}
			if report.Running && cfg.API.Enabled {
				report.APIState = probeAPI(cmd.Context(), cfg)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			if report.Running {
				fmt.Fprintf(out, "courier running (pid %d)\n", report.PID)
			} else {
				fmt.Fprintln(out, "courier not running")
			}
			fmt.Fprintf(out, "config: %s\nstate: %s\npeer: %s via %s\n", report.Config, report.State, report.Peer, report.Kind)
			if report.APIState != "" {
				fmt.Fprintf(out, "api: %s\n", report.APIState)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func probeAPI(ctx context.Context, cfg *config.Config) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	h, err := api.NewClient("http://"+cfg.API.Listen, "").Health(ctx)
	if err != nil {
		return "unreachable"
	}
	return h.Status
}

func newWatchCommand() *cobra.Command {
	var apiURL, apiKey string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Real-time monitoring TUI",
		Long: `Real-time monitoring TUI.
Shows dispatcher health, open requests, and the event stream.

Keybindings:
  q, Ctrl+C        Quit
  ↑/↓, k/j         Navigate requests`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				return errors.New("API key required: use --api-key or COURIER_API_KEY")
			}
			if _, err := tea.NewProgram(watch.New(apiURL, apiKey)).Run(); err != nil {
				return fmt.Errorf("TUI error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "http://localhost:8080", "courier API URL")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("COURIER_API_KEY"), "API bearer token")
	return cmd
}
