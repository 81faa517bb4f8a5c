package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/tabwire/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a documented default config file",
	Run:   runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(resolvedConfigPath())
	},
}

var configInitForce bool

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.GlobalConfigPath()
}

func runConfigInit(cmd *cobra.Command, args []string) {
	path := resolvedConfigPath()
	if path == "" {
		fmt.Fprintln(os.Stderr, "Error: cannot determine config path; pass --config")
		os.Exit(1)
	}
	if _, err := os.Stat(path); err == nil && !configInitForce {
		fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", path)
		os.Exit(1)
	}
	if err := config.WriteDefaultConfig(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	color.Green("Wrote %s", path)
}
