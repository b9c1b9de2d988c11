package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/pywb/app"
	"github.com/caffeineduck/pywb/typecheck"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

// terminal writes run output to a pair of writers.
type terminal struct {
	mu       sync.Mutex
	stdout   io.Writer
	stderr   io.Writer
	canClear bool
}

func (t *terminal) Stdout(text string) {
	t.mu.Lock()
	io.WriteString(t.stdout, text)
	t.mu.Unlock()
}

func (t *terminal) Stderr(text string) {
	t.mu.Lock()
	io.WriteString(t.stderr, text)
	t.mu.Unlock()
}

func newTerminal(cmd *cobra.Command) *terminal {
	t := &terminal{stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr()}
	if f, ok := t.stdout.(*os.File); ok {
		t.canClear = readline.IsTerminal(int(f.Fd()))
	}
	return t
}

// Clear clears the screen when stdout is a terminal.
func (t *terminal) Clear() {
	if !t.canClear {
		return
	}
	t.mu.Lock()
	io.WriteString(t.stdout, "\033[H\033[2J")
	t.mu.Unlock()
}

// formatDiagnostic renders a type-check report the way the shell shows it.
func formatDiagnostic(d typecheck.Diagnostic, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[mypy report @ %s]\n\n", at.Format(time.TimeOnly))
	if d.Text != "" {
		b.WriteString(d.Text)
		if !strings.HasSuffix(d.Text, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(d.Summary)
	if !strings.HasSuffix(d.Summary, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// formatStatus renders the app state for the shell's status command.
func formatStatus(s app.State) string {
	dir := s.ProjectDirectory
	if dir == "" {
		dir = "No directory selected"
	}
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "directory:     %s\n", dir)
	if s.EntryPoint != "" {
		fmt.Fprintf(&b, "entry point:   %s\n", s.EntryPoint)
	}
	fmt.Fprintf(&b, "arguments:     %s\n", s.Args)
	fmt.Fprintf(&b, "type checking: %s\n", onOff(s.TypeChecking))
	fmt.Fprintf(&b, "clear on run:  %s\n", onOff(s.ClearOnRun))
	if s.AppError != "" {
		fmt.Fprintf(&b, "%s\n", s.AppError)
	}
	return b.String()
}
