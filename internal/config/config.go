package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kreteshq/huncwot/internal/errors"
)

const (
	// ConfigFileName is the name of the optional project configuration file.
	ConfigFileName = "huncwot.json"

	// EnvPrefix prefixes environment overrides (HUNCWOT_DEV_PORT, ...).
	EnvPrefix = "HUNCWOT"

	// DefaultPort is the default development server port.
	DefaultPort = 5544

	// DefaultHost is the default development server host.
	DefaultHost = "localhost"

	// DefaultShutdownTimeout bounds a graceful server close.
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultReloadPath is the websocket endpoint for live reload.
	DefaultReloadPath = "/__reload"
)

// Config represents the complete huncwot.json configuration.
type Config struct {
	// Dev contains development server configuration.
	Dev DevConfig `mapstructure:"dev" json:"dev"`

	// Database contains the development database configuration.
	Database DatabaseConfig `mapstructure:"database" json:"database"`

	// Paths contains the project layout.
	Paths PathsConfig `mapstructure:"paths" json:"paths"`

	// Style contains stylesheet compilation configuration.
	Style StyleConfig `mapstructure:"style" json:"style"`

	// Reload contains live-reload configuration.
	Reload ReloadConfig `mapstructure:"reload" json:"reload"`

	// Server contains server lifecycle configuration.
	Server ServerConfig `mapstructure:"server" json:"server"`

	dir  string
	file string
}

// DevConfig contains development server configuration.
type DevConfig struct {
	Port       int    `mapstructure:"port" json:"port"`
	Host       string `mapstructure:"host" json:"host"`
	Production bool   `mapstructure:"production" json:"production"`
	Verbose    bool   `mapstructure:"verbose" json:"verbose"`

	// Watch lists extra directories to watch, relative to the project.
	Watch []string `mapstructure:"watch" json:"watch"`

	// Ignore lists extra ignore patterns for the watcher.
	Ignore []string `mapstructure:"ignore" json:"ignore"`

	// Debounce coalesces bursts of file system events.
	Debounce time.Duration `mapstructure:"debounce" json:"debounce"`

	// App runs the built binary as a child process and proxies service
	// and application routes to it.
	App bool `mapstructure:"app" json:"app"`

	// Main is the package built into the application binary.
	Main string `mapstructure:"main" json:"main"`

	// ReadyTimeout bounds the wait for the application to serve.
	ReadyTimeout time.Duration `mapstructure:"readyTimeout" json:"readyTimeout"`
}

// DatabaseConfig contains the development database configuration.
type DatabaseConfig struct {
	Enabled    bool   `mapstructure:"enabled" json:"enabled"`
	Path       string `mapstructure:"path" json:"path"`
	Migrations string `mapstructure:"migrations" json:"migrations"`
}

// PathsConfig contains the project layout, relative to the project directory.
type PathsConfig struct {
	Features    string `mapstructure:"features" json:"features"`
	Stylesheets string `mapstructure:"stylesheets" json:"stylesheets"`
	Public      string `mapstructure:"public" json:"public"`
	Config      string `mapstructure:"config" json:"config"`
	Components  string `mapstructure:"components" json:"components"`
	Dist        string `mapstructure:"dist" json:"dist"`
	Cache       string `mapstructure:"cache" json:"cache"`
}

// StyleConfig contains stylesheet compilation configuration.
type StyleConfig struct {
	// Tailwind runs the Tailwind standalone binary. When false, the input
	// stylesheet is copied to the output unchanged.
	Tailwind bool   `mapstructure:"tailwind" json:"tailwind"`
	Version  string `mapstructure:"version" json:"version"`
	Input    string `mapstructure:"input" json:"input"`
	Output   string `mapstructure:"output" json:"output"`
	Minify   bool   `mapstructure:"minify" json:"minify"`
}

// ReloadConfig contains live-reload configuration.
type ReloadConfig struct {
	Path     string        `mapstructure:"path" json:"path"`
	Debounce time.Duration `mapstructure:"debounce" json:"debounce"`

	// KeepClientsOnRestart keeps live-reload clients connected across
	// server restarts so they can receive the reload notification.
	KeepClientsOnRestart bool `mapstructure:"keepClientsOnRestart" json:"keepClientsOnRestart"`
}

// ServerConfig contains server lifecycle configuration.
type ServerConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout" json:"shutdownTimeout"`
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"port":       "dev.port",
	"host":       "dev.host",
	"production": "dev.production",
	"verbose":    "dev.verbose",
	"database":   "database.enabled",
	"app":        "dev.app",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dev.port", DefaultPort)
	v.SetDefault("dev.host", DefaultHost)
	v.SetDefault("dev.app", true)
	v.SetDefault("dev.main", ".")
	v.SetDefault("dev.readyTimeout", 10*time.Second)
	v.SetDefault("dev.production", false)
	v.SetDefault("dev.verbose", false)
	v.SetDefault("dev.watch", []string{})
	v.SetDefault("dev.ignore", []string{})
	v.SetDefault("dev.debounce", 100*time.Millisecond)

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.path", ".huncwot/dev.db")
	v.SetDefault("database.migrations", "db/migrations")

	v.SetDefault("paths.features", "features")
	v.SetDefault("paths.stylesheets", "stylesheets")
	v.SetDefault("paths.public", "public")
	v.SetDefault("paths.config", "config")
	v.SetDefault("paths.components", "components")
	v.SetDefault("paths.dist", "dist")
	v.SetDefault("paths.cache", ".huncwot")

	v.SetDefault("style.tailwind", false)
	v.SetDefault("style.version", "")
	v.SetDefault("style.input", "stylesheets/main.css")
	v.SetDefault("style.output", "public/main.css")
	v.SetDefault("style.minify", false)

	v.SetDefault("reload.path", DefaultReloadPath)
	v.SetDefault("reload.debounce", time.Duration(0))
	v.SetDefault("reload.keepClientsOnRestart", true)

	v.SetDefault("server.shutdownTimeout", DefaultShutdownTimeout)
}

// New returns a configuration holding only defaults, rooted at dir.
func New(dir string) *Config {
	v := viper.New()
	setDefaults(v)
	c := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(c)
	c.dir = dir
	return c
}

// Load reads configuration for the project in dir. Values resolve in order:
// explicitly set flags, HUNCWOT_* environment variables, huncwot.json, defaults.
// The file is optional. flags may be nil.
func Load(dir string, flags *pflag.FlagSet) (*Config, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.New(errors.CodeConfig).Wrap(err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := filepath.Join(abs, ConfigFileName)
	if _, statErr := os.Stat(file); statErr == nil {
		v.SetConfigFile(file)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.New(errors.CodeConfig).
				WithLocation(file, 0, 0).
				WithDetail("Failed to parse " + ConfigFileName).
				Wrap(err)
		}
	} else {
		file = ""
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.New(errors.CodeConfig).Wrap(err)
				}
			}
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.New(errors.CodeConfig).
			WithDetail("Configuration values have the wrong type").
			Wrap(err)
	}
	c.dir = abs
	c.file = file
	return c, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Dev.Port < 0 || c.Dev.Port > 65535 {
		return errors.New(errors.CodeConfig).
			WithDetailf("dev.port must be between 0 and 65535, got %d", c.Dev.Port).
			WithSuggestion("Pass --port with a free port, e.g. --port 5544")
	}
	if c.Dev.Host == "" {
		return errors.New(errors.CodeConfig).WithDetail("dev.host must not be empty")
	}
	if c.Reload.Debounce < 0 || c.Dev.Debounce < 0 || c.Dev.ReadyTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return errors.New(errors.CodeConfig).WithDetail("durations must not be negative")
	}
	if !strings.HasPrefix(c.Reload.Path, "/") {
		return errors.New(errors.CodeConfig).
			WithDetailf("reload.path must start with '/', got %q", c.Reload.Path)
	}
	if c.Database.Enabled && c.Database.Path == "" {
		return errors.New(errors.CodeConfig).
			WithDetail("database.path must be set when the database is enabled").
			WithSuggestion("Set database.path or start with --database=false")
	}
	if c.Style.Input == "" || c.Style.Output == "" {
		return errors.New(errors.CodeConfig).WithDetail("style.input and style.output must be set")
	}
	return nil
}

// Dir returns the absolute project directory.
func (c *Config) Dir() string {
	if c.dir == "" {
		return "."
	}
	return c.dir
}

// File returns the path of the loaded configuration file, or "" when the
// project has none.
func (c *Config) File() string {
	return c.file
}

// Address returns the listen address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Dev.Host, strconv.Itoa(c.Dev.Port))
}

// URL returns the development server URL.
func (c *Config) URL() string {
	return fmt.Sprintf("http://%s", c.Address())
}

// Resolve returns p joined to the project directory unless it is absolute.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir(), p)
}

// FeaturesPath returns the absolute features directory.
func (c *Config) FeaturesPath() string { return c.Resolve(c.Paths.Features) }

// PublicPath returns the absolute public directory.
func (c *Config) PublicPath() string { return c.Resolve(c.Paths.Public) }

// DistPath returns the absolute build output directory.
func (c *Config) DistPath() string { return c.Resolve(c.Paths.Dist) }

// CachePath returns the absolute directory for build caches and binaries.
func (c *Config) CachePath() string { return c.Resolve(c.Paths.Cache) }

// StyleInputPath returns the absolute input stylesheet.
func (c *Config) StyleInputPath() string { return c.Resolve(c.Style.Input) }

// StyleOutputPath returns the absolute compiled stylesheet.
func (c *Config) StyleOutputPath() string { return c.Resolve(c.Style.Output) }

// DatabasePath returns the absolute database file.
func (c *Config) DatabasePath() string { return c.Resolve(c.Database.Path) }

// MigrationsPath returns the absolute migrations directory.
func (c *Config) MigrationsPath() string { return c.Resolve(c.Database.Migrations) }

// WatchDirs returns the directories the development loop watches, relative
// to the project: config, features, stylesheets, components, the parent of
// the migrations directory, plus dev.watch.
func (c *Config) WatchDirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(d string) {
		d = filepath.Clean(d)
		if d == "" || d == "." || seen[d] {
			return
		}
		seen[d] = true
		dirs = append(dirs, d)
	}
	add(c.Paths.Config)
	add(c.Paths.Features)
	add(c.Paths.Stylesheets)
	add(c.Paths.Components)
	if c.Database.Migrations != "" {
		add(filepath.Dir(c.Database.Migrations))
	}
	for _, w := range c.Dev.Watch {
		add(w)
	}
	return dirs
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindProjectRoot walks up from startDir to the nearest directory holding a
// huncwot.json or go.mod.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New(errors.CodeConfig).
				WithDetail("No " + ConfigFileName + " or go.mod found in " + startDir + " or any parent directory").
				WithSuggestion("Run huncwot start from inside a Go module")
		}
		dir = parent
	}
}
