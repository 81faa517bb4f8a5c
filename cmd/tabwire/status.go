package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/standardbeagle/tabwire/internal/status"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the agent's connection status",
	Long: `Show the connection status last persisted by the agent.

The agent rewrites the status file on every transition, so this works
whether or not the agent is still running.`,
	Run: runStatus,
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status document")
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := mustLoadConfig()

	snap, err := status.Load(cfg.StatusPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if statusJSON {
		out, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(out))
		return
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
	printStatus(os.Stdout, snap, time.Now())
}

// statusLabel renders the colored status line.
func statusLabel(s status.ConnectionStatus) string {
	switch s {
	case status.Connected:
		return color.GreenString("● connected")
	case status.Error:
		return color.RedString("● error")
	default:
		return color.YellowString("● disconnected")
	}
}

func printStatus(w io.Writer, snap status.Snapshot, now time.Time) {
	fmt.Fprintf(w, "Connection: %s\n", statusLabel(snap.ConnectionStatus))
	if snap.ConnectionStatus != status.Connected && snap.Attempts > 0 {
		fmt.Fprintf(w, "Attempts:   %d\n", snap.Attempts)
	}
	if t, err := time.Parse(time.RFC3339Nano, snap.LastActivity); err == nil {
		fmt.Fprintf(w, "Activity:   %s ago\n", now.Sub(t).Round(time.Second))
	}
	if snap.UpdatedAt != "" {
		fmt.Fprintf(w, "Updated:    %s\n", snap.UpdatedAt)
	}
}
