package tailwind

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/kreteshq/huncwot/internal/errors"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestBinaryPath(t *testing.T) {
	b := NewBinary("/project", "v1.2.3")
	want := filepath.Join("/project", DefaultBinDir, "v1.2.3", binaryName())
	if got := b.binaryPath(); got != want {
		t.Errorf("binaryPath() = %q, want %q", got, want)
	}
}

func TestNewBinaryDefaultVersion(t *testing.T) {
	b := NewBinary(t.TempDir(), "")
	if b.Version != Version {
		t.Errorf("Version = %q, want %q", b.Version, Version)
	}
}

func TestBinaryDownloadURL(t *testing.T) {
	b := &Binary{Version: "v4.0.0", DownloadBaseURL: "https://mirror.example/"}
	want := "https://mirror.example/v4.0.0/" + binaryName()
	if got := b.downloadURL(); got != want {
		t.Errorf("downloadURL() = %q, want %q", got, want)
	}

	b.DownloadBaseURL = ""
	if got := b.downloadURL(); !strings.HasPrefix(got, GitHubReleaseURL) {
		t.Errorf("downloadURL() = %q, want GitHub release prefix", got)
	}
}

func TestBinaryPathAndIsInstalled(t *testing.T) {
	b := NewBinary(t.TempDir(), "v1.0.0")
	if b.IsInstalled() {
		t.Fatal("expected binary to be missing")
	}
	if _, err := b.Path(); err == nil {
		t.Fatal("expected Path() error for missing binary")
	}

	if err := os.MkdirAll(filepath.Dir(b.binaryPath()), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b.binaryPath(), []byte("bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if !b.IsInstalled() {
		t.Fatal("expected binary to be installed")
	}
	path, err := b.Path()
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if path != b.binaryPath() {
		t.Errorf("Path() = %q, want %q", path, b.binaryPath())
	}
}

func TestEnsureInstalledDownloads(t *testing.T) {
	var requested string
	b := NewBinary(t.TempDir(), "v9.9.9")
	b.DownloadBaseURL = "https://downloads.test"
	b.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		requested = r.URL.String()
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader([]byte("binary-bytes"))),
			Header:     make(http.Header),
		}, nil
	})}

	var messages []string
	path, err := b.EnsureInstalled(context.Background(), func(msg string) {
		messages = append(messages, msg)
	})
	if err != nil {
		t.Fatalf("EnsureInstalled() error = %v", err)
	}
	if requested != "https://downloads.test/v9.9.9/"+binaryName() {
		t.Errorf("requested %q", requested)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "binary-bytes" {
		t.Errorf("binary content = %q", data)
	}
	if len(messages) != 3 {
		t.Errorf("expected 3 progress messages, got %d: %v", len(messages), messages)
	}

	// Second call must not download again.
	b.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatal("unexpected download")
		return nil, nil
	})}
	if _, err := b.EnsureInstalled(context.Background(), nil); err != nil {
		t.Fatalf("EnsureInstalled() second call error = %v", err)
	}
}

func TestEnsureInstalledProjectLayout(t *testing.T) {
	project := t.TempDir()
	b := NewBinary(project, "v4.0.1")
	b.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if !strings.HasPrefix(r.URL.String(), GitHubReleaseURL+"/v4.0.1/") {
			t.Errorf("download URL = %s", r.URL)
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("#!/bin/sh\n")),
			Header:     make(http.Header),
		}, nil
	})}

	path, err := b.EnsureInstalled(context.Background(), nil)
	if err != nil {
		t.Fatalf("EnsureInstalled() error = %v", err)
	}
	want := filepath.Join(project, ".huncwot", "bin", "v4.0.1", binaryName())
	if path != want {
		t.Errorf("installed at %q, want %q", path, want)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary download left behind: %v", err)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm()&0o100 == 0 {
			t.Errorf("installed binary mode = %v, want executable", info.Mode())
		}
	}

	// A fresh Binary for the same project finds the install without downloading.
	again := NewBinary(project, "v4.0.1")
	if got, err := again.Path(); err != nil || got != want {
		t.Errorf("Path() = %q, %v; want %q", got, err, want)
	}
	if other := NewBinary(project, "v4.0.2"); other.IsInstalled() {
		t.Error("another version must not reuse the install")
	}
}

func TestEnsureInstalledBadStatus(t *testing.T) {
	b := NewBinary(t.TempDir(), "v0.0.1")
	b.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(strings.NewReader("")),
			Header:     make(http.Header),
		}, nil
	})}
	_, err := b.EnsureInstalled(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("expected status error, got %v", err)
	}
	if b.IsInstalled() {
		t.Error("binary should not be installed after failed download")
	}
}

// installFakeBinary places a shell script where the binary is expected.
func installFakeBinary(t *testing.T, b *Binary, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script binaries are not supported on windows")
	}
	if err := os.MkdirAll(filepath.Dir(b.binaryPath()), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b.binaryPath(), []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatal(err)
	}
}

func TestTransformerCompile(t *testing.T) {
	dir := t.TempDir()
	b := NewBinary(dir, "v0.0.0-test")
	// Records the arguments and writes the output named after -o.
	installFakeBinary(t, b, `echo "$@" > args.txt
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then shift; echo "compiled" > "$1"; fi
  shift
done
`)

	tr := NewTransformer(b, Options{
		ProjectDir: dir,
		InputPath:  "stylesheets/main.css",
		OutputPath: "public/main.css",
		Minify:     true,
	}, nil)
	if err := tr.Compile(context.Background()); err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	out, err := os.ReadFile(filepath.Join(dir, "public", "main.css"))
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	if strings.TrimSpace(string(out)) != "compiled" {
		t.Errorf("output = %q", out)
	}
	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(args)); got != "-i stylesheets/main.css -o public/main.css --minify" {
		t.Errorf("args = %q", got)
	}
}

func TestTransformerCompileFailure(t *testing.T) {
	dir := t.TempDir()
	b := NewBinary(dir, "v0.0.0-test")
	installFakeBinary(t, b, "echo 'unknown utility' >&2\nexit 1\n")

	tr := NewTransformer(b, Options{
		ProjectDir: dir,
		InputPath:  "main.css",
		OutputPath: "out.css",
	}, nil)
	err := tr.Compile(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.HasCode(err, errors.CodeStyleTransform) {
		t.Errorf("expected style transform error, got %v", err)
	}
	if herr, ok := err.(*errors.Error); ok && !strings.Contains(herr.Detail, "unknown utility") {
		t.Errorf("detail = %q, want tool output", herr.Detail)
	}
}

func TestPassThroughCompile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "stylesheets"), 0755); err != nil {
		t.Fatal(err)
	}
	css := "body { color: red; }\n"
	if err := os.WriteFile(filepath.Join(dir, "stylesheets", "main.css"), []byte(css), 0644); err != nil {
		t.Fatal(err)
	}

	p := NewPassThrough(Options{
		ProjectDir: dir,
		InputPath:  "stylesheets/main.css",
		OutputPath: "public/main.css",
	})
	if err := p.Compile(context.Background()); err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	out, err := os.ReadFile(filepath.Join(dir, "public", "main.css"))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != css {
		t.Errorf("output = %q, want %q", out, css)
	}
}

func TestPassThroughMissingInput(t *testing.T) {
	p := NewPassThrough(Options{ProjectDir: t.TempDir(), InputPath: "missing.css", OutputPath: "out.css"})
	err := p.Compile(context.Background())
	if !errors.HasCode(err, errors.CodeStyleTransform) {
		t.Fatalf("expected style transform error, got %v", err)
	}
}
