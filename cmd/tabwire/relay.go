package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/tabwire/internal/config"
	"github.com/standardbeagle/tabwire/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the local control process",
	Long: `Run the relay that browser agents and controllers connect to.

Agents identify with a "connection" message, controllers with "controller".
Controller commands are forwarded to every agent and agent responses to every
controller. GET /health reports the connected peers.`,
	Run: runRelay,
}

var relayListen string

func init() {
	relayCmd.Flags().StringVar(&relayListen, "listen", "", "Listen address (overrides config)")
}

func runRelay(cmd *cobra.Command, args []string) {
	cfg := mustLoadConfig()
	if relayListen != "" {
		cfg.Relay.Listen = relayListen
	}

	logger := newLogger(cfg, "relay")
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	hub := relay.NewHub(logger)
	if err := hub.ListenAndServe(ctx, cfg.Relay.Listen); err != nil {
		logger.Error("relay failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("relay shutdown complete")
}

// autoStartConfig spawns "tabwire relay" with the same config file so the
// child listens where this process will dial.
func autoStartConfig(cfg *config.Config) relay.AutoStartConfig {
	ac := relay.DefaultAutoStartConfig(cfg.Endpoint, cfg.Relay.Listen)
	ac.ConfigPath = configPath
	return ac
}
