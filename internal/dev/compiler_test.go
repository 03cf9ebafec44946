package dev

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/kreteshq/huncwot/internal/errors"
)

func TestParseDiagnostics(t *testing.T) {
	project := filepath.FromSlash("/work/app")
	tests := []struct {
		name   string
		output string
		want   []Diagnostic
	}{
		{
			name:   "empty",
			output: "",
			want:   nil,
		},
		{
			name:   "line and column",
			output: "# example.com/app\n./main.go:3:5: undefined: x\n",
			want: []Diagnostic{
				{SourceFile: "main.go", Line: 3, Column: 5, Message: "undefined: x"},
			},
		},
		{
			name:   "line only",
			output: "features/FooService/service.go:12: syntax error",
			want: []Diagnostic{
				{SourceFile: "features/FooService/service.go", Line: 12, Message: "syntax error"},
			},
		},
		{
			name:   "continuation folded",
			output: "./a.go:1:1: cannot use x\n\thave int\n\twant string\n",
			want: []Diagnostic{
				{SourceFile: "a.go", Line: 1, Column: 1, Message: "cannot use x\nhave int\nwant string"},
			},
		},
		{
			name:   "unmatched line kept as message",
			output: "go: cannot find main module",
			want: []Diagnostic{
				{Message: "go: cannot find main module"},
			},
		},
		{
			name:   "several",
			output: "./a.go:1:2: first\n./b.go:3:4: second\n",
			want: []Diagnostic{
				{SourceFile: "a.go", Line: 1, Column: 2, Message: "first"},
				{SourceFile: "b.go", Line: 3, Column: 4, Message: "second"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDiagnostics(tt.output, project)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseDiagnostics() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseDiagnosticsAbsolutePath(t *testing.T) {
	project := t.TempDir()
	output := filepath.Join(project, "internal", "x.go") + ":7:2: boom"
	got := ParseDiagnostics(output, project)
	if len(got) != 1 || got[0].SourceFile != "internal/x.go" {
		t.Fatalf("ParseDiagnostics() = %#v", got)
	}
}

func TestTriggersBuild(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"main.go", true},
		{"internal/x/y.go", true},
		{"go.mod", true},
		{"go.sum", true},
		{"stylesheets/main.css", false},
		{"db/seed.sql", false},
	}
	for _, tt := range tests {
		if got := triggersBuild(tt.path); got != tt.want {
			t.Errorf("triggersBuild(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestLookupToolchainMissing(t *testing.T) {
	t.Setenv("PATH", "")
	_, err := LookupToolchain()
	if !errors.HasCode(err, errors.CodeToolchainMissing) {
		t.Fatalf("expected %s, got %v", errors.CodeToolchainMissing, err)
	}
}

func TestNewCompilerDefaults(t *testing.T) {
	c := NewCompiler(CompilerConfig{ProjectPath: "/p"}, nil)
	if c.config.GoBinary != "go" {
		t.Errorf("GoBinary = %q, want go", c.config.GoBinary)
	}
	if c.config.CachePath != filepath.Join("/p", ".huncwot", "cache") {
		t.Errorf("CachePath = %q", c.config.CachePath)
	}
	if c.config.Watch.Root != "/p" || len(c.config.Watch.Paths) != 1 {
		t.Errorf("Watch = %+v", c.config.Watch)
	}
}

// fakeGo writes a toolchain stand-in that fails with a compiler message
// while a file named "broken" exists in the project. Otherwise it creates
// the -o output and records its arguments in $FAKE_GO_ARGS when set.
func fakeGo(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script toolchain is not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "go")
	script := `#!/bin/sh
if [ -f broken ]; then
  echo "# example.com/app" >&2
  echo "./main.go:3:5: undefined: x" >&2
  exit 1
fi
if [ -n "$FAKE_GO_ARGS" ]; then
  echo "$@" > "$FAKE_GO_ARGS"
fi
: > "$3"
exit 0
`
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCompilerBuild(t *testing.T) {
	project := t.TempDir()
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("FAKE_GO_ARGS", argsFile)
	c := NewCompiler(CompilerConfig{ProjectPath: project, GoBinary: fakeGo(t)}, nil)

	result := c.Build(context.Background())
	if !result.Success {
		t.Fatalf("Build() failed: %v", result.Error)
	}
	binary := filepath.Join(project, ".huncwot", "cache", "bin", "app")
	if c.BinaryPath() != binary {
		t.Errorf("BinaryPath() = %q, want %q", c.BinaryPath(), binary)
	}
	if _, err := os.Stat(binary); err != nil {
		t.Errorf("binary not written: %v", err)
	}
	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := strings.TrimSpace(string(args)), "build -o "+binary+" ."; got != want {
		t.Errorf("go args = %q, want %q", got, want)
	}

	if err := os.WriteFile(filepath.Join(project, "broken"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	result = c.Build(context.Background())
	if result.Success {
		t.Fatal("expected build failure")
	}
	if !errors.HasCode(result.Error, errors.CodeBuildFailed) {
		t.Errorf("expected %s, got %v", errors.CodeBuildFailed, result.Error)
	}
	want := []Diagnostic{{SourceFile: "main.go", Line: 3, Column: 5, Message: "undefined: x"}}
	if !reflect.DeepEqual(result.Diagnostics, want) {
		t.Errorf("Diagnostics = %#v, want %#v", result.Diagnostics, want)
	}
}

func waitEvent(t *testing.T, events <-chan WatchEvent, kind EventKind, rel string) WatchEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind && ev.RelativePath == rel {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s %q", kind, rel)
			return WatchEvent{}
		}
	}
}

func TestCompilerRun(t *testing.T) {
	project := t.TempDir()
	c := NewCompiler(CompilerConfig{
		ProjectPath: project,
		GoBinary:    fakeGo(t),
		Watch:       WatcherConfig{Debounce: 50 * time.Millisecond},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan WatchEvent, 16)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, events) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if ev := waitEvent(t, events, EventReady, ""); ev.Failed {
		t.Error("initial build reported as failed")
	}

	if err := os.WriteFile(filepath.Join(project, "main.css"), []byte("a{}"), 0644); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventChanged, "main.css")

	if err := os.WriteFile(filepath.Join(project, "main.go"), []byte("package main"), 0644); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventSubsequentBuild, "main.go")

	if err := os.WriteFile(filepath.Join(project, "broken"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventChanged, "broken")
	if err := os.WriteFile(filepath.Join(project, "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, EventBuildFailed, "main.go")
	if len(ev.Diagnostics) != 1 || ev.Diagnostics[0].Message != "undefined: x" {
		t.Errorf("Diagnostics = %#v", ev.Diagnostics)
	}
}

func TestCompilerRunStopsOnCancel(t *testing.T) {
	project := t.TempDir()
	c := NewCompiler(CompilerConfig{ProjectPath: project, GoBinary: fakeGo(t)}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan WatchEvent) // unbuffered and never read
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, events) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
