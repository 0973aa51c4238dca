package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetermineConfigPathDefaultsToConfigToml(t *testing.T) {
	os.Unsetenv("TWITCHARCHIVE_CONFIG")
	assert.Equal(t, "config.toml", determineConfigPath("config.toml"))
}

func TestDetermineConfigPathHonorsEnvOverride(t *testing.T) {
	t.Setenv("TWITCHARCHIVE_CONFIG", "/etc/twitcharchive/config.toml")
	assert.Equal(t, "/etc/twitcharchive/config.toml", determineConfigPath("config.toml"))
}

func TestDetermineConfigPathExplicitFlagWins(t *testing.T) {
	t.Setenv("TWITCHARCHIVE_CONFIG", "/etc/twitcharchive/config.toml")
	assert.Equal(t, "custom.toml", determineConfigPath("custom.toml"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("warn").String())
	assert.Equal(t, "ERROR", parseLevel("error").String())
	assert.Equal(t, "INFO", parseLevel("info").String())
	assert.Equal(t, "INFO", parseLevel("").String())
}

func TestGenerateExampleConfigWritesValidTOMLShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.example.toml")
	require.NoError(t, generateExampleConfig(path))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	for _, section := range []string{"[server]", "[platform]", "[[channels]]", "[output]", "[retry]", "[telemetry]", "[logging]"} {
		assert.Contains(t, string(contents), section)
	}
}
