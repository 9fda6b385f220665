package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func readYAML(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, yaml.Unmarshal(data, &out))
	return out
}

func TestSetValue_UpdatesExistingKeyAndKeepsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	require.NoError(t, SetValue(path, "watchdog.fetch_timeout", "5s"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "# Job watchdogs (0 disables)")

	parsed := readYAML(t, path)
	watchdog := parsed["watchdog"].(map[string]any)
	require.Equal(t, "5s", watchdog["fetch_timeout"])
	require.Equal(t, "0s", watchdog["install_timeout"])
}

func TestSetValue_CreatesMissingSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, SetValue(path, "log.level", "debug"))
	require.NoError(t, SetValue(path, "tracing.enabled", "true"))

	parsed := readYAML(t, path)
	require.Equal(t, "debug", parsed["log"].(map[string]any)["level"])
	require.Equal(t, true, parsed["tracing"].(map[string]any)["enabled"])
}

func TestSetValue_EmptySection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daemon:\n"), 0o600))

	require.NoError(t, SetValue(path, "daemon.addr", "localhost:4000"))
	require.Equal(t, "localhost:4000", readYAML(t, path)["daemon"].(map[string]any)["addr"])
}

func TestSetValue_Errors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	require.EqualError(t, SetValue(path, "watchdog", "1s"), "watchdog is a section, not a value")
	require.EqualError(t, SetValue(path, "log.level.deep", "x"), "log.level is not a section")
	require.EqualError(t, SetValue(path, "log..level", "x"), `invalid key "log..level"`)
}
