// Package cli implements the huncwot command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kreteshq/huncwot/internal/errors"
	"github.com/kreteshq/huncwot/internal/rpc"
	"github.com/kreteshq/huncwot/internal/server"
)

// Build information, set with -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var errorLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))

// App is what an application contributes to the command line: its service
// factories and extra routes.
type App struct {
	Modules   *rpc.Modules
	Providers []server.RouteProvider

	// Stdout and Stderr default to the process streams.
	Stdout io.Writer
	Stderr io.Writer
}

func (a *App) stdout() io.Writer {
	if a.Stdout == nil {
		return os.Stdout
	}
	return a.Stdout
}

func (a *App) stderr() io.Writer {
	if a.Stderr == nil {
		return os.Stderr
	}
	return a.Stderr
}

// NewRootCommand builds the command tree for app.
func NewRootCommand(app *App) *cobra.Command {
	if app == nil {
		app = &App{}
	}
	root := &cobra.Command{
		Use:   "huncwot",
		Short: "Development loop for huncwot applications",
		Long: `Huncwot watches your project, rebuilds it on change and keeps a
development server running with live reload.

  • RPC routes generated from Service interfaces
  • Browser reload over WebSocket
  • Stylesheet compilation (plain or Tailwind)
  • SQLite development database with migrations`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(app.stdout())
	root.SetErr(app.stderr())

	root.AddCommand(
		startCmd(app),
		serveCmd(app),
		versionCmd(),
	)
	return root
}

// Execute runs the command line with args and returns the exit code.
func Execute(ctx context.Context, app *App, args []string) int {
	root := NewRootCommand(app)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		if _, ok := err.(*errors.Error); ok {
			errors.PrintError(root.ErrOrStderr(), err)
		} else {
			fmt.Fprintf(root.ErrOrStderr(), "%s %s\n", errorLabel.Render("Error:"), err)
		}
		return 1
	}
	return 0
}

// newLogger returns the text logger used by every command.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
