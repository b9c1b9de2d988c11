package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caffeineduck/pywb/settings"
	"github.com/caffeineduck/pywb/typecheck"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Type check the project once with mypy",
	Long: `Run mypy over the project directory once and print its report.

mypy is installed into the sandbox on first use. The command exits with a
non-zero status when mypy reports problems.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().String("dir", "", "Project directory (default: last selected)")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")

	s, err := newStack(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	return checkOnce(cmd, s, dir)
}

// checkOnce runs one type-check cycle and prints its final report. A
// directory given on the command line does not replace the saved selection.
func checkOnce(cmd *cobra.Command, s *stack, dir string) error {
	if dir != "" {
		abs, err := absDir(dir)
		if err != nil {
			return err
		}
		s.store = settings.NewOverlay(s.store)
		if err := s.store.Set(settings.KeyProjectDirectory, abs); err != nil {
			return err
		}
	}

	var last typecheck.Diagnostic
	loop := s.newTypeCheck()
	loop.OnChecked(func(d typecheck.Diagnostic) {
		if d.Summary != typecheck.MsgChecking {
			last = d
		}
	})
	loop.Cycle(cmd.Context())

	out := cmd.OutOrStdout()
	if last.Text != "" {
		fmt.Fprint(out, last.Text)
	}
	fmt.Fprintln(out, last.Summary)
	if last.Status != 0 {
		return errors.New("type check reported problems")
	}
	return nil
}

// absDir resolves dir to an absolute path of an existing directory.
func absDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("could not open project directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("could not open project directory: %s is not a directory", dir)
	}
	return abs, nil
}
