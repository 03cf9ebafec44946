package dev

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kreteshq/huncwot/internal/errors"
)

var (
	frameStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))
	addressStyle  = lipgloss.NewStyle().Underline(true).Foreground(lipgloss.Color("6"))
	fileStyle     = lipgloss.NewStyle().Bold(true)
	reloadedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	locStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	arrowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

const clearScreen = "\033[H\033[2J"

// BannerInfo is shown once the first server instance is running.
type BannerInfo struct {
	Version  string
	Address  string
	Database string // path, or "" when disabled
	Started  time.Time
}

// Display renders operator-facing output of the development loop.
type Display struct {
	w     io.Writer
	clear bool
	mu    sync.Mutex
}

// NewDisplay creates a display writing to w. When clear is set the console
// is cleared before every reload line.
func NewDisplay(w io.Writer, clear bool) *Display {
	if w == nil {
		w = io.Discard
	}
	return &Display{w: w, clear: clear}
}

// Banner prints the startup banner.
func (d *Display) Banner(info BannerInfo) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	database := "skipped"
	if info.Database != "" {
		database = info.Database
	}
	fmt.Fprintf(d.w, "%s %s %s on %s\n",
		frameStyle.Render("┌"), titleStyle.Render("Huncwot"), info.Version, addressStyle.Render(info.Address))
	fmt.Fprintf(d.w, "%s %s %s\n", frameStyle.Render("│"), mutedStyle.Render("database:"), database)
	fmt.Fprintf(d.w, "%s Started: %s\n", frameStyle.Render("└"), info.Started.Format(time.Kitchen))
}

// Reloaded prints "<file> reloaded".
func (d *Display) Reloaded(file string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clear {
		fmt.Fprint(d.w, clearScreen)
	}
	fmt.Fprintf(d.w, "%s %s\n", fileStyle.Render(file), reloadedStyle.Render("reloaded"))
}

// Diagnostics prints each diagnostic as "in <location>" followed by the
// message.
func (d *Display) Diagnostics(diags []Diagnostic) {
	if d == nil || len(diags) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, diag := range diags {
		if diag.SourceFile != "" {
			fmt.Fprintf(d.w, "in %s\n", locStyle.Render(diag.Location()))
		}
		fmt.Fprintf(d.w, " %s %s\n", arrowStyle.Render("→"), diag.Message)
	}
}

// Error prints a formatted error report.
func (d *Display) Error(err error) {
	if d == nil || err == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	errors.PrintError(d.w, err)
}

// Info prints a muted informational line.
func (d *Display) Info(format string, args ...any) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintln(d.w, mutedStyle.Render(fmt.Sprintf(format, args...)))
}
