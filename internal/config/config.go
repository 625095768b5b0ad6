// Package config loads the bridge's TOML configuration file.
//
// The file lives at ~/.procbridge/config.toml unless --config names another one.
// Command-line flags take precedence over anything set here.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	DefaultListenAddr   = "127.0.0.1:7373"
	DefaultLogLevel     = "info"
	DefaultTerminalRows = 24
	DefaultTerminalCols = 80
	DefaultInputRate    = 1000
	DefaultInputBurst   = 64
)

type Config struct {
	// ListenAddr is the host:port of the control API.
	ListenAddr string `toml:"listen_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// Shell and ShellArgs replace the platform shell for terminals.
	Shell     string   `toml:"shell"`
	ShellArgs []string `toml:"shell_args"`

	TerminalRows int `toml:"terminal_rows"`
	TerminalCols int `toml:"terminal_cols"`

	// InputRate limits terminal input requests per second across all terminals.
	// Zero disables the limit.
	InputRate  float64 `toml:"input_rate"`
	InputBurst int     `toml:"input_burst"`

	// Languages adds language servers or overrides the built-in ones, keyed by tag.
	Languages map[string]Language `toml:"languages"`
}

type Language struct {
	Command     string   `toml:"command"`
	Args        []string `toml:"args"`
	VersionArgs []string `toml:"version_args"`
	Manifests   []string `toml:"manifests"`
	Env         []string `toml:"env"`
}

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		ListenAddr:   DefaultListenAddr,
		LogLevel:     DefaultLogLevel,
		TerminalRows: DefaultTerminalRows,
		TerminalCols: DefaultTerminalCols,
		InputRate:    DefaultInputRate,
		InputBurst:   DefaultInputBurst,
	}
}

// DefaultConfigPath returns ~/.procbridge/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".procbridge", "config.toml"), nil
}

// Load reads the config at path over the defaults.
//
// An empty path means the default location, which may be absent. An explicit path
// must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.TerminalRows <= 0 || c.TerminalRows > 0xffff || c.TerminalCols <= 0 || c.TerminalCols > 0xffff {
		return fmt.Errorf("terminal size %dx%d out of range", c.TerminalCols, c.TerminalRows)
	}
	if c.InputRate < 0 {
		return fmt.Errorf("input_rate must not be negative")
	}
	if c.InputRate > 0 && c.InputBurst <= 0 {
		return fmt.Errorf("input_burst must be positive when input_rate is set")
	}
	for tag, l := range c.Languages {
		if l.Command == "" {
			return fmt.Errorf("language %q has no command", tag)
		}
	}
	return nil
}
