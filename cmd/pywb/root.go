package main

import (
	"os"

	"github.com/caffeineduck/pywb/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pywb",
	Short: "Python workbench backed by a WebAssembly interpreter",
	Long: `pywb - Run Python projects from a local directory in a WebAssembly
sandbox, with output streamed to the terminal and optional background
type checking with mypy.

Each run mirrors the project directory into the sandbox, installs any
changed requirements.txt, runs the code and writes file changes back.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default .pywb/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable compilation cache")
}

// loadConfig reads the config file and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
		cfg.Interpreter.CompileCache = false
	}
	return cfg, nil
}
