package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/tabwire/internal/bridge"
	"github.com/standardbeagle/tabwire/internal/browser"
	"github.com/standardbeagle/tabwire/internal/config"
	"github.com/standardbeagle/tabwire/internal/dispatch"
	"github.com/standardbeagle/tabwire/internal/status"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the browser agent",
	Long: `Run the browser agent: attach to (or launch) a browser and keep a
connection to the relay, executing the commands it sends.

The agent reconnects with exponential backoff, probes the connection
periodically and re-checks it on tab activity. Send SIGUSR1 to make it
check the connection immediately (e.g. after the host wakes from sleep).`,
	Run: runAgent,
}

var (
	agentEndpoint   string
	agentControlURL string
	agentHeadless   bool
)

func init() {
	agentCmd.Flags().StringVar(&agentEndpoint, "endpoint", "", "Relay websocket URL (overrides config)")
	agentCmd.Flags().StringVar(&agentControlURL, "control-url", "", "DevTools URL of a running browser (overrides config)")
	agentCmd.Flags().BoolVar(&agentHeadless, "headless", false, "Launch the browser headless")
}

// managerConfig maps the file configuration onto the connection manager.
func managerConfig(cfg *config.Config) bridge.Config {
	c := cfg.Connection
	return bridge.Config{
		URL: cfg.Endpoint,
		Backoff: bridge.Backoff{
			Base:   c.BaseInterval,
			Factor: c.BackoffFactor,
			Cap:    c.BackoffCap,
			Max:    c.MaxInterval,
		},
		HeartbeatInterval: c.HeartbeatInterval,
		ProbeInterval:     c.ProbeInterval,
		KeepAliveInterval: c.KeepAliveInterval,
		TriggerDebounce:   c.TriggerDebounce,
	}
}

func runAgent(cmd *cobra.Command, args []string) {
	cfg := mustLoadConfig()
	if agentEndpoint != "" {
		cfg.Endpoint = agentEndpoint
	}
	if agentControlURL != "" {
		cfg.Browser.ControlURL = agentControlURL
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = agentHeadless
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, "agent")
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	provider, err := browser.Connect(ctx, browser.Options{
		ControlURL:    cfg.Browser.ControlURL,
		Bin:           cfg.Browser.Bin,
		Headless:      cfg.Browser.Headless,
		CookieDomains: cfg.Browser.CookieDomains,
	}, logger.Named("browser"))
	if err != nil {
		logger.Error("browser unavailable", zap.Error(err))
		os.Exit(1)
	}
	defer provider.Close()

	store := status.NewStore(cfg.StatusPath)
	defer store.Flush()

	dispatcher := dispatch.New(provider,
		dispatch.WithTimeout(cfg.Commands.Timeout),
		dispatch.WithLogger(logger.Named("dispatch")),
	)

	manager := bridge.NewManager(managerConfig(cfg), bridge.WebsocketDialer{}, dispatcher,
		bridge.WithLogger(logger.Named("bridge")),
		bridge.WithStatusRecorder(store),
	)
	provider.OnTabEvent(func(source string) { manager.Trigger(source) })
	provider.OnForward(func(msg json.RawMessage) {
		if err := manager.Forward(msg); err != nil {
			logger.Debug("page message dropped", zap.Error(err))
		}
	})
	go bridge.WatchWakeSignal(ctx, manager)

	logger.Info("agent started",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("status_file", store.Path()))

	if err := manager.Run(ctx); err != nil {
		logger.Error("agent stopped", zap.Error(err))
	}

	stats := dispatcher.Stats()
	logger.Info("agent shutdown complete",
		zap.Int64("commands", stats.Dispatched),
		zap.Int64("failed", stats.Failed),
		zap.Int64("timed_out", stats.TimedOut))
}
