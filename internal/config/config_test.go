package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAllFields(t *testing.T) {
	path := writeConfig(t, `
listen_addr = "127.0.0.1:9000"
log_level = "debug"
shell = "/bin/zsh"
shell_args = ["-l", "-i"]
terminal_rows = 40
terminal_cols = 120
input_rate = 50.5
input_burst = 5

[languages.python]
command = "pylsp"
version_args = ["--version"]
manifests = ["pyproject.toml", "setup.py"]
env = ["PYTHONUNBUFFERED=1"]

[languages.go]
command = "/opt/go/bin/gopls"
args = ["serve", "-rpc.trace"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/bin/zsh", cfg.Shell)
	assert.Equal(t, []string{"-l", "-i"}, cfg.ShellArgs)
	assert.Equal(t, 40, cfg.TerminalRows)
	assert.Equal(t, 120, cfg.TerminalCols)
	assert.Equal(t, 50.5, cfg.InputRate)
	assert.Equal(t, 5, cfg.InputBurst)
	assert.Equal(t, Language{
		Command:     "pylsp",
		VersionArgs: []string{"--version"},
		Manifests:   []string{"pyproject.toml", "setup.py"},
		Env:         []string{"PYTHONUNBUFFERED=1"},
	}, cfg.Languages["python"])
	assert.Equal(t, []string{"serve", "-rpc.trace"}, cfg.Languages["go"].Args)
}

func TestLoadKeepsDefaultsForUnsetFields(t *testing.T) {
	cfg, err := Load(writeConfig(t, `log_level = "warn"`))
	require.NoError(t, err)
	expected := Default()
	expected.LogLevel = "warn"
	assert.Equal(t, expected, cfg)
}

func TestLoadZeroRateDisablesLimit(t *testing.T) {
	cfg, err := Load(writeConfig(t, `input_rate = 0.0`))
	require.NoError(t, err)
	assert.Zero(t, cfg.InputRate)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "config file not found")

	cases := map[string]string{
		"syntax":        `listen_addr = `,
		"log level":     `log_level = "loud"`,
		"terminal size": `terminal_rows = 0`,
		"negative rate": `input_rate = -1.0`,
		"zero burst":    "input_rate = 10.0\ninput_burst = 0",
		"no command":    "[languages.zig]\nargs = [\"x\"]",
	}
	for name, content := range cases {
		content := content
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadDefaultPathMissing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadDefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".procbridge"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".procbridge", "config.toml"), []byte(`listen_addr = "127.0.0.1:1"`), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1", cfg.ListenAddr)
}
