package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/caffeineduck/pywb/app"
	"github.com/caffeineduck/pywb/settings"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] [-- file.py args...]",
	Short: "Run a project file or inline code once",
	Long: `Run Python code the way the python command would.

Code can be provided via:
  - Project file: pywb run --dir ./project -- main.py arg1 arg2
  - Inline flag:  pywb run -c 'print(1+1)'
  - Saved args:   pywb run (repeats the last arguments used)

The project directory is mirrored into the sandbox for the run; files the
code writes are copied back afterwards. Ctrl+C stops the run.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("code", "c", "", "Code to execute")
	runCmd.Flags().String("dir", "", "Project directory (default: last selected)")
	rootCmd.AddCommand(runCmd)
}

// errRunFailed makes the command exit non-zero after the code raised. The
// traceback has already been written to stderr.
var errRunFailed = errors.New("run failed")

func runRun(cmd *cobra.Command, args []string) error {
	code, _ := cmd.Flags().GetString("code")
	dir, _ := cmd.Flags().GetString("dir")

	s, err := newStack(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	err = runOnce(cmd, s, dir, code, args)
	if errors.Is(err, errRunFailed) {
		cmd.SilenceErrors = true
	}
	return err
}

// runOnce runs the code once. A directory given on the command line is
// used for this run only and does not replace the saved selection.
func runOnce(cmd *cobra.Command, s *stack, dir, code string, args []string) error {
	if dir != "" {
		s.store = settings.NewOverlay(s.store)
	}

	a := app.New(s.newRunner("runner"), s.store, newTerminal(cmd), app.WithLogger(s.logger.Named("app")))
	a.Load()

	if dir != "" {
		if err := a.SetProjectDirectory(dir); err != nil {
			return err
		}
	}
	switch {
	case code != "":
		a.SetArgs(app.JoinArgs([]string{"-c", code}))
	case len(args) > 0:
		a.SetArgs(app.JoinArgs(args))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		a.Stop(context.Background())
		err = <-done
	}
	if err != nil {
		return err
	}
	if a.State().Failed {
		return errRunFailed
	}
	return nil
}
