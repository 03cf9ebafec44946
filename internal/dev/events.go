package dev

import (
	"fmt"
	"strings"
)

// EventKind identifies what the compiler watcher is reporting.
type EventKind int

const (
	// EventReady is emitted once, after the initial build.
	EventReady EventKind = iota

	// EventChanged reports a non-Go file change. No build ran.
	EventChanged

	// EventSubsequentBuild reports a successful rebuild triggered by a Go
	// file change.
	EventSubsequentBuild

	// EventBuildFailed reports a rebuild that exited with errors.
	EventBuildFailed
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventChanged:
		return "changed"
	case EventSubsequentBuild:
		return "subsequent-build"
	case EventBuildFailed:
		return "build-failed"
	default:
		return "unknown"
	}
}

// Diagnostic is one compiler message.
type Diagnostic struct {
	SourceFile string
	Line       int
	Column     int
	Message    string
}

// Location returns file:line:column, omitting zero parts.
func (d Diagnostic) Location() string {
	switch {
	case d.Line > 0 && d.Column > 0:
		return fmt.Sprintf("%s:%d:%d", d.SourceFile, d.Line, d.Column)
	case d.Line > 0:
		return fmt.Sprintf("%s:%d", d.SourceFile, d.Line)
	default:
		return d.SourceFile
	}
}

// String formats the diagnostic the way the Go compiler does.
func (d Diagnostic) String() string {
	if d.SourceFile == "" {
		return d.Message
	}
	return d.Location() + ": " + d.Message
}

// WatchEvent is a single notification from the compiler watcher. Events are
// immutable and consumed once.
type WatchEvent struct {
	// RelativePath is the changed file, slash-separated and relative to the
	// project directory. Empty for EventReady.
	RelativePath string
	Kind         EventKind
	Diagnostics  []Diagnostic

	// Failed is set on EventReady when the initial build did not succeed.
	Failed bool
}

// FormatDiagnostics joins diagnostics one per line.
func FormatDiagnostics(diags []Diagnostic) string {
	lines := make([]string, 0, len(diags))
	for _, d := range diags {
		lines = append(lines, d.String())
	}
	return strings.Join(lines, "\n")
}
