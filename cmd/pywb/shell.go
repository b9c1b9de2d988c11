package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/pywb/app"
	"github.com/chzyer/readline"
	"github.com/google/shlex"
	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive workbench",
	Long: `Start the interactive workbench.

Commands:
  dir [PATH]        Select the project directory (prompts when PATH is omitted)
  args ARGS...      Set the Python arguments, e.g. args main.py --verbose
  entry FILE        Use FILE in the project directory as the entry point
  run               Run the current arguments (Ctrl+C stops the run)
  check on|off      Toggle background type checking
  clear on|off      Toggle clearing the terminal before every run
  status            Show the current selection
  exit              Leave the workbench (or press Ctrl+D)

Choices are remembered between sessions.`,
}

func init() {
	// Assigned here rather than in the literal to avoid an initialization
	// cycle: runShell reaches shellCmd.Long through (*shell).exec.
	shellCmd.RunE = runShell
	shellCmd.Flags().String("history", "", "History file path (default: ~/.pywb_history)")
	rootCmd.AddCommand(shellCmd)
}

func runShell(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".pywb_history")
	}

	s, err := newStack(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "pywb> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	term := &terminal{stdout: rl.Stdout(), stderr: rl.Stderr(), canClear: readline.IsTerminal(int(os.Stdout.Fd()))}
	checker := s.newTypeCheck()

	var (
		reportMu   sync.Mutex
		lastReport time.Time
	)
	a := app.New(s.newRunner("runner"), s.store, term,
		app.WithPicker(&promptPicker{rl: rl}),
		app.WithTypeCheck(checker),
		app.WithLogger(s.logger.Named("app")),
		app.WithPublish(func(st app.State) {
			reportMu.Lock()
			defer reportMu.Unlock()
			if st.TypeChecking && st.DiagnosticAt.After(lastReport) {
				lastReport = st.DiagnosticAt
				io.WriteString(rl.Stderr(), formatDiagnostic(st.Diagnostic, st.DiagnosticAt))
			}
		}),
	)
	a.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Run(ctx)

	sh := &shell{app: a, rl: rl, out: rl.Stdout()}
	fmt.Fprintln(rl.Stderr(), "pywb workbench (type 'help' for commands, Ctrl+D to exit)")
	io.WriteString(sh.out, formatStatus(a.State()))

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := sh.exec(ctx, line); err != nil {
			fmt.Fprintf(rl.Stderr(), "Error: %v\n", err)
		}
	}
}

// shell dispatches workbench commands to the app.
type shell struct {
	app *app.App
	rl  *readline.Instance
	out io.Writer
}

func (sh *shell) exec(ctx context.Context, line string) error {
	words, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return nil
	}
	name, rest := words[0], words[1:]

	switch name {
	case "help":
		fmt.Fprint(sh.out, shellCmd.Long+"\n")
	case "status":
		fmt.Fprint(sh.out, formatStatus(sh.app.State()))
	case "dir":
		if len(rest) == 0 {
			return sh.app.SelectProjectDirectory(ctx)
		}
		return sh.app.SetProjectDirectory(rest[0])
	case "args":
		// The rest of the line is kept as typed.
		sh.app.SetArgs(strings.TrimSpace(strings.TrimPrefix(line, "args")))
	case "entry":
		if len(rest) != 1 {
			return errors.New("usage: entry FILE")
		}
		return sh.app.SetEntryPoint(rest[0])
	case "run":
		return sh.run(ctx)
	case "check":
		on, err := parseOnOff(rest)
		if err != nil {
			return err
		}
		return sh.app.SetTypeChecking(on)
	case "clear":
		on, err := parseOnOff(rest)
		if err != nil {
			return err
		}
		return sh.app.SetClearOnRun(on)
	default:
		return fmt.Errorf("unknown command %q (type 'help' for commands)", name)
	}
	return nil
}

// run runs the app until the code finishes or the user presses Ctrl+C.
func (sh *shell) run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- sh.app.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-sigCtx.Done():
		if err := sh.app.Stop(ctx); err != nil {
			return err
		}
		return <-done
	}
}

func parseOnOff(args []string) (bool, error) {
	if len(args) == 1 {
		switch args[0] {
		case "on":
			return true, nil
		case "off":
			return false, nil
		}
	}
	return false, errors.New("expected on or off")
}

// promptPicker asks for a directory on the shell's own prompt.
type promptPicker struct {
	rl *readline.Instance
}

func (p *promptPicker) PickDirectory(ctx context.Context) (string, error) {
	prev := p.rl.Config.Prompt
	p.rl.SetPrompt("directory> ")
	defer p.rl.SetPrompt(prev)

	line, err := p.rl.Readline()
	if err != nil {
		if err == readline.ErrInterrupt || err == io.EOF {
			return "", app.ErrPickerCancelled
		}
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", app.ErrPickerCancelled
	}
	return line, nil
}
