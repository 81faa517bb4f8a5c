package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/tabwire/internal/relay"
	"github.com/standardbeagle/tabwire/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run as MCP server",
	Long: `Run as an MCP (Model Context Protocol) server over stdio.

The server connects to the relay as a controller and exposes the browser
commands as the "browser" tool. Start the relay and an agent first.`,
	Run: runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := mustLoadConfig()
	// stdout carries the MCP stream; logs go to stderr.
	logger := newLogger(cfg, "serve")
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	if cfg.Relay.AutoStart {
		if err := relay.EnsureRelayRunning(ctx, autoStartConfig(cfg), logger); err != nil {
			logger.Warn("relay autostart failed", zap.Error(err))
		}
	}

	bt := tools.NewBrowserTools(cfg.Endpoint, cfg.Commands.Timeout, logger.Named("tools"))
	defer bt.Close()

	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    appName,
			Version: appVersion,
		},
		&mcp.ServerOptions{
			HasTools: true,
			Instructions: `Browser automation through a local bridge.

A browser agent connected to the local relay executes the commands.

Available tools:
- browser: open/close tabs, run scripts, click, fill inputs, read page content, screenshots, cookies
- bridge_status: check that the relay is reachable and an agent is connected`,
		},
	)
	tools.RegisterBrowserTools(server, bt)

	logger.Info("starting MCP server", zap.String("version", appVersion), zap.String("relay", cfg.Endpoint))
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		if ctx.Err() == nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}
	logger.Info("MCP server shutdown complete")
}
