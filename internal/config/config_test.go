package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.IsFirstRun())
	assert.Equal(t, DefaultLanPort, cfg.GetNetwork().LanPort)
	assert.FileExists(t, filepath.Join(dir, DefaultConfigFile))

	again, err := Load(dir)
	require.NoError(t, err)
	assert.False(t, again.IsFirstRun())
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"network":{"lan_port":"4000"}}`), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	n := cfg.GetNetwork()
	assert.Equal(t, "4000", n.LanPort)
	assert.Equal(t, 1000, n.KeepAliveMs, "missing fields keep their defaults")
	assert.Equal(t, 2000, cfg.GetDiscovery().IntervalMs)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "keep_alive_ms", "file is re-saved with new defaults")
}

func TestValidate_Defaults(t *testing.T) {
	result := Validate(DefaultConfig())
	assert.True(t, result.IsValid(), "%v", result.Errors)
}

func TestValidate_LanPortFallbackIsWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network.LanPort = "not-a-port"

	result := Validate(cfg)
	assert.True(t, result.IsValid())
	require.NotEmpty(t, result.Warnings)
	assert.Equal(t, "network.lan_port", result.Warnings[0].Field)
}

func TestValidate_Errors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network.ExpectedFingerprint = "abc"
	cfg.Discovery.WindowMs = 3000
	cfg.Session.TickIntervalMs = 0

	result := Validate(cfg)
	assert.False(t, result.IsValid())

	fields := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		fields = append(fields, e.Field)
	}
	assert.Contains(t, fields, "network.expected_fingerprint")
	assert.Contains(t, fields, "discovery.interval_ms")
	assert.Contains(t, fields, "session.tick_interval_ms")
}

func TestUpdateField(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.UpdateField("network", "lan_port", "26000"))
	assert.Equal(t, "26000", cfg.GetNetwork().LanPort)

	require.NoError(t, cfg.UpdateField("session", "local_bots", 3))
	assert.Equal(t, 3, cfg.GetSession().LocalBots)

	assert.Error(t, cfg.UpdateField("network", "no_such_field", 1))
	assert.Error(t, cfg.UpdateField("nope", "lan_port", "1"))
}

func TestApplyField_RollsBackInvalidUpdate(t *testing.T) {
	cfg := DefaultConfig()

	result, err := cfg.ApplyField("session", "tick_interval_ms", 0)
	require.NoError(t, err)
	assert.False(t, result.IsValid())
	assert.Equal(t, 16, cfg.GetSession().TickIntervalMs)

	result, err = cfg.ApplyField("network", "lan_port", "not-a-port")
	require.NoError(t, err)
	assert.True(t, result.IsValid())
	assert.NotEmpty(t, result.Warnings)
	assert.Equal(t, "not-a-port", cfg.GetNetwork().LanPort)

	_, err = cfg.ApplyField("network", "missing", 1)
	assert.Error(t, err)
}

func TestRunSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	answers := strings.Join([]string{
		"26000", // lan port
		"2",     // bots
		"",      // default target
		"",      // fingerprint
		"no",    // discovery
		"",      // api enabled
		"",      // api port
		"",      // mqtt
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, RunSetupWizard(cfg, strings.NewReader(answers), &out))

	assert.Equal(t, "26000", cfg.GetNetwork().LanPort)
	assert.Equal(t, 2, cfg.GetSession().LocalBots)
	assert.False(t, cfg.GetDiscovery().Enabled)
	assert.Contains(t, out.String(), "Configuration saved")
}
