package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/standardbeagle/tabwire/internal/config"
	"github.com/standardbeagle/tabwire/internal/logging"
)

const (
	appName    = "tabwire"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Local browser automation bridge",
	Long: `Tabwire connects a browser to local automation tools:
  - agent: drives a browser and keeps a resilient link to the relay
  - relay: local control process routing commands to agents
  - send/status: command-line controller and status display
  - serve: MCP server for AI coding assistants`,
	Version: appVersion,
	// Default behavior: if stdin is not a terminal, run as MCP server
	Run: func(cmd *cobra.Command, args []string) {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			runServe(cmd, args)
			return
		}
		_ = cmd.Help()
	},
}

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/tabwire/config.kdl)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// mustLoadConfig loads the configuration or exits.
func mustLoadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg
}

func newLogger(cfg *config.Config, component string) *zap.Logger {
	return logging.New(cfg.LogLevel).Named(component)
}
