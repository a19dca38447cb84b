package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesFileWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phinbridge.env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Addr())
	assert.Equal(t, DefaultTokenExpiration, cfg.TokenExpiration())
	assert.Equal(t, DefaultPhinBaseURL, cfg.PhinBaseURL())
	assert.Equal(t, DefaultShortPoll, cfg.ShortPoll())
	assert.Len(t, cfg.APISecret(), 64, "generated secret is 32 random bytes")

	ph, orp, battery, rssi := cfg.AverageWindow()
	assert.Equal(t, []int{5, 5, 5, 1}, []int{ph, orp, battery, rssi})

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Second load keeps the generated secret
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.APISecret(), again.APISecret())
}

func TestLoadReadsValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phinbridge.env")
	content := strings.Join([]string{
		"# local overrides",
		"PHINBRIDGE_ADDR=127.0.0.1:9090",
		"PHINBRIDGE_API_SECRET=secret-from-file",
		"PHINBRIDGE_TOKEN_EXPIRATION=3600",
		"PHINBRIDGE_NO_AUTH=yes",
		`PHINBRIDGE_SHORT_POLL="@every 5m"`,
		"PHINBRIDGE_PH_AVG_LEN=10",
		"PHINBRIDGE_HTTP_TIMEOUT=5",
		"PHINBRIDGE_MQTT_BROKER=tcp://broker:1883",
		"PHINBRIDGE_MQTT_USE_TLS=1",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Addr())
	assert.Equal(t, "secret-from-file", cfg.APISecret())
	assert.Equal(t, time.Hour, cfg.TokenExpiration())
	assert.True(t, cfg.NoAuth())
	assert.Equal(t, "@every 5m", cfg.ShortPoll())
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout())
	assert.Equal(t, "tcp://broker:1883", cfg.MQTTBroker())
	assert.True(t, cfg.MQTTUseTLS())
	assert.Equal(t, DefaultMQTTPrefix, cfg.MQTTPrefix())

	ph, _, _, _ := cfg.AverageWindow()
	assert.Equal(t, 10, ph)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phinbridge.env")
	require.NoError(t, os.WriteFile(path, []byte("PHINBRIDGE_LOG_LEVEL=warn\n"), 0o600))
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"bad port", "PHINBRIDGE_ADDR=:99999"},
		{"bad address", "PHINBRIDGE_ADDR=localhost"},
		{"short token", "PHINBRIDGE_TOKEN_EXPIRATION=10"},
		{"bad log level", "PHINBRIDGE_LOG_LEVEL=chatty"},
		{"bad log format", "PHINBRIDGE_LOG_FORMAT=xml"},
		{"bad base url", "PHINBRIDGE_PHIN_BASE_URL=api.phin.co"},
		{"zero window", "PHINBRIDGE_RSSI_AVG_LEN=0"},
		{"bad schedule", `PHINBRIDGE_LONG_POLL="every ten minutes"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "phinbridge.env")
			require.NoError(t, os.WriteFile(path, []byte(tt.line+"\n"), 0o600))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSetLogLevelPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phinbridge.env")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, cfg.SetLogLevel("debug"))
	assert.Error(t, cfg.SetLogLevel("noisy"))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", reloaded.LogLevel())
}

func TestEnvFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.env")
	values := map[string]string{
		"PHINBRIDGE_SHORT_POLL": "@every 60s",
		"PHINBRIDGE_ADDR":       ":8080",
		"PHINBRIDGE_MQTT_USER":  "",
	}
	require.NoError(t, WriteEnvFile(path, values))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	got, err := ParseEnvFile(f)
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestParseEnvFileRejectsGarbage(t *testing.T) {
	_, err := ParseEnvFile(strings.NewReader("this is not an env file\n"))
	assert.Error(t, err)
}

func TestStringHidesSecret(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "phinbridge.env"))
	require.NoError(t, err)
	assert.NotContains(t, cfg.String(), cfg.APISecret())
	assert.Contains(t, cfg.String(), "[set]")
}
