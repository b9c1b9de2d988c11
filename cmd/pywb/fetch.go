package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/caffeineduck/pywb/language/python"
	"github.com/spf13/cobra"
)

// DefaultInterpreterURL is a WASI build of CPython.
const DefaultInterpreterURL = "https://github.com/vmware-labs/webassembly-language-runtimes/releases/download/python%2F3.12.0%2B20231211-040d5a6/python-3.12.0.wasm"

var fetchCmd = &cobra.Command{
	Use:   "fetch [url]",
	Short: "Download the Python interpreter module",
	Long: `Download a WASI build of the Python interpreter to the path configured
as interpreter.module. An existing module is kept unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().Bool("force", false, "Replace an existing module")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	url := DefaultInterpreterURL
	if len(args) == 1 {
		url = args[0]
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	output := cfg.Interpreter.Module

	if _, err := os.Stat(output); err == nil && !force {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already exists.\n", output)
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Downloading %s...\n", url)
	if err := download(cmd, url, output); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved to %s.\n", output)
	return nil
}

// download writes url to output. output is only replaced once a complete
// module has been received.
func download(cmd *cobra.Command, url, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(output), ".python-*.wasm")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return err
	}
	if err := python.Validate(data); err != nil {
		return fmt.Errorf("%s: %w", url, err)
	}
	return os.Rename(tmp.Name(), output)
}
