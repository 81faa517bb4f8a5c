package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/tabwire/internal/relay"
)

var sendCmd = &cobra.Command{
	Use:   "send <command> [params-json]",
	Short: "Send a command to the connected browser",
	Long: `Send one command through the relay and print the agent's result as JSON.

Examples:
  tabwire send getAllTabs
  tabwire send openTab '{"url":"https://example.com"}'
  tabwire send executeScript '{"code":"return document.title"}'`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runSend,
}

var (
	sendTimeout time.Duration
	sendWait    bool
)

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 0, "How long to wait for the result (default: command timeout from config plus 5s)")
	sendCmd.Flags().BoolVar(&sendWait, "wait", false, "Wait for an agent to connect before sending")
}

func runSend(cmd *cobra.Command, args []string) {
	cfg := mustLoadConfig()
	logger := newLogger(cfg, "send")
	defer logger.Sync()

	var params json.RawMessage
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			fmt.Fprintf(os.Stderr, "Error: params must be valid JSON\n")
			os.Exit(1)
		}
		params = json.RawMessage(args[1])
	}

	timeout := sendTimeout
	if timeout <= 0 {
		timeout = relay.SendTimeout(cfg.Commands.Timeout)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if cfg.Relay.AutoStart {
		if err := relay.EnsureRelayRunning(ctx, autoStartConfig(cfg), logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	client, err := relay.DialController(ctx, cfg.Endpoint, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if !client.AgentConnected() {
		if !sendWait {
			fmt.Fprintf(os.Stderr, "Error: no browser agent is connected to %s\n", cfg.Endpoint)
			os.Exit(1)
		}
		if err := waitForAgent(ctx, client); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	var p any
	if params != nil {
		p = params
	}
	res, err := client.Send(ctx, args[0], p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if !res.Success {
		color.New(color.FgRed).Fprintf(os.Stderr, "%s failed: %s\n", args[0], res.Message)
		os.Exit(1)
	}
}

func waitForAgent(ctx context.Context, client *relay.Controller) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !client.AgentConnected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no agent connected: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
