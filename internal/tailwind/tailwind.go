// Package tailwind compiles stylesheets for the development loop, either with
// the Tailwind CSS standalone binary (downloaded and cached per project, no
// Node.js needed) or by copying the input stylesheet unchanged.
package tailwind

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kreteshq/huncwot/internal/errors"
)

const (
	// Version is the Tailwind CSS version to use.
	Version = "v4.1.18"

	// GitHubReleaseURL is the base URL for downloading Tailwind binaries.
	GitHubReleaseURL = "https://github.com/tailwindlabs/tailwindcss/releases/download"

	// DefaultBinDir is the project-relative directory storing the binary.
	DefaultBinDir = ".huncwot/bin"
)

// Binary represents the Tailwind CSS standalone binary.
type Binary struct {
	// Version is the Tailwind version.
	Version string

	// BinDir is the directory where the binary is stored.
	BinDir string

	// DownloadBaseURL is the base URL for downloading Tailwind binaries.
	// If empty, GitHubReleaseURL is used.
	DownloadBaseURL string

	// HTTPClient is used for downloads. If nil, a default client is used.
	HTTPClient *http.Client

	// path is the cached path to the binary.
	path string
	mu   sync.Mutex
}

// NewBinary creates a Binary for version stored under projectDir. An empty
// version selects Version.
func NewBinary(projectDir, version string) *Binary {
	if version == "" {
		version = Version
	}
	return &Binary{
		Version:         version,
		BinDir:          filepath.Join(projectDir, DefaultBinDir),
		DownloadBaseURL: GitHubReleaseURL,
	}
}

// Path returns the path to the installed binary.
func (b *Binary) Path() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.path != "" {
		return b.path, nil
	}

	path := b.binaryPath()
	if _, err := os.Stat(path); err == nil {
		b.path = path
		return path, nil
	}

	return "", fmt.Errorf("tailwind binary not found at %s", path)
}

// EnsureInstalled downloads the binary if it doesn't exist.
// Returns the path to the binary.
func (b *Binary) EnsureInstalled(ctx context.Context, progress func(msg string)) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.binaryPath()

	if _, err := os.Stat(path); err == nil {
		b.path = path
		return path, nil
	}

	if err := b.download(ctx, progress); err != nil {
		return "", err
	}

	b.path = path
	return path, nil
}

// IsInstalled checks if the binary is installed.
func (b *Binary) IsInstalled() bool {
	_, err := os.Stat(b.binaryPath())
	return err == nil
}

// binaryPath returns the path where the binary should be stored.
func (b *Binary) binaryPath() string {
	// Store per-version so upgrades don't silently keep using an older binary.
	return filepath.Join(b.BinDir, b.Version, binaryName())
}

// downloadURL returns the URL to download the binary.
func (b *Binary) downloadURL() string {
	base := b.DownloadBaseURL
	if base == "" {
		base = GitHubReleaseURL
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(base, "/"), b.Version, binaryName())
}

// download downloads the binary from GitHub releases.
func (b *Binary) download(ctx context.Context, progress func(msg string)) error {
	url := b.downloadURL()

	if progress != nil {
		progress(fmt.Sprintf("Downloading Tailwind CSS %s for %s...", b.Version, PlatformName()))
	}

	if err := os.MkdirAll(filepath.Dir(b.binaryPath()), 0755); err != nil {
		return fmt.Errorf("failed to create bin directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := b.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d (URL: %s)", resp.StatusCode, url)
	}

	// Create temp file first, then rename (atomic)
	tmpPath := b.binaryPath() + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	written, err := io.Copy(f, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write file: %w", err)
	}

	if progress != nil {
		progress(fmt.Sprintf("Downloaded %.1f MB", float64(written)/1024/1024))
	}

	if err := os.Chmod(tmpPath, 0755); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to make executable: %w", err)
	}

	if err := os.Rename(tmpPath, b.binaryPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install binary: %w", err)
	}

	if progress != nil {
		progress(fmt.Sprintf("Installed to %s", b.binaryPath()))
	}

	return nil
}

// Options configures a stylesheet compile.
type Options struct {
	// ProjectDir is the working directory of the compile.
	ProjectDir string

	// InputPath is the input CSS file path (relative to ProjectDir).
	InputPath string

	// OutputPath is the output CSS file path (relative to ProjectDir).
	OutputPath string

	// ConfigPath is an optional tailwind.config.js path.
	ConfigPath string

	// Minify enables CSS minification.
	Minify bool
}

func (o Options) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(o.ProjectDir, p)
}

// Transformer compiles the stylesheet with the Tailwind binary.
type Transformer struct {
	binary *Binary
	opts   Options
	logger *slog.Logger
	mu     sync.Mutex
}

// NewTransformer creates a transformer running binary with opts.
func NewTransformer(binary *Binary, opts Options, logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{
		binary: binary,
		opts:   opts,
		logger: logger.With("component", "style"),
	}
}

// Compile runs one build of the stylesheet. Compiles are serialized.
func (t *Transformer) Compile(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.binary.EnsureInstalled(ctx, func(msg string) {
		t.logger.Info(msg)
	})
	if err != nil {
		return errors.New(errors.CodeStyleTransform).
			WithDetail("The Tailwind CSS binary is not available").
			Wrap(err)
	}

	if err := os.MkdirAll(filepath.Dir(t.opts.resolve(t.opts.OutputPath)), 0755); err != nil {
		return errors.New(errors.CodeStyleTransform).Wrap(err)
	}

	args := []string{
		"-i", t.opts.InputPath,
		"-o", t.opts.OutputPath,
	}
	if t.opts.ConfigPath != "" {
		args = append(args, "-c", t.opts.ConfigPath)
	}
	if t.opts.Minify {
		args = append(args, "--minify")
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = t.opts.ProjectDir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return errors.New(errors.CodeStyleTransform).
			WithLocation(t.opts.resolve(t.opts.InputPath), 0, 0).
			WithDetail(strings.TrimSpace(output.String())).
			Wrap(err)
	}
	t.logger.Debug("stylesheet compiled", "output", t.opts.OutputPath, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// PassThrough copies the input stylesheet to the output unchanged.
type PassThrough struct {
	opts Options
}

// NewPassThrough creates a copying style compiler.
func NewPassThrough(opts Options) *PassThrough {
	return &PassThrough{opts: opts}
}

// Compile copies the input to the output.
func (p *PassThrough) Compile(ctx context.Context) error {
	in := p.opts.resolve(p.opts.InputPath)
	out := p.opts.resolve(p.opts.OutputPath)

	src, err := os.ReadFile(in)
	if err != nil {
		return errors.New(errors.CodeStyleTransform).WithLocation(in, 0, 0).Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return errors.New(errors.CodeStyleTransform).Wrap(err)
	}
	if err := os.WriteFile(out, src, 0644); err != nil {
		return errors.New(errors.CodeStyleTransform).WithLocation(out, 0, 0).Wrap(err)
	}
	return nil
}
