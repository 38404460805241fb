package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Freshness.FreshWindow.Duration())
	assert.Equal(t, 30*time.Second, cfg.Freshness.AcceptableWindow.Duration())
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "workflowd_sessions", cfg.NATS.Bucket)
	assert.Equal(t, "workflowd", cfg.Observability.ServiceName)
}

func TestLoadBytesOverrides(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
server:
  port: 9999
freshness:
  fresh_window: 2s
  acceptable_window: 1m
workflow:
  default_timeout: 5m
nats:
  enabled: true
  url: nats://broker:4222
`))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Freshness.FreshWindow.Duration())
	assert.Equal(t, time.Minute, cfg.Freshness.AcceptableWindow.Duration())
	assert.Equal(t, 5*time.Minute, cfg.Workflow.DefaultTimeout.Duration())
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)

	// Untouched sections keep their defaults.
	assert.Equal(t, "workflowd_snapshots", cfg.Snapshots.Collection)
}

func TestLoadBytesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad port", "server:\n  port: -1\n", "server.port"},
		{"acceptable below fresh", "freshness:\n  fresh_window: 1m\n  acceptable_window: 5s\n", "acceptable_window"},
		{"nats without url", "nats:\n  enabled: true\n  url: \"\"\n", "nats.url"},
		{"bad otlp protocol", "observability:\n  otlp_protocol: carrier-pigeon\n", "otlp_protocol"},
		{"zero reap interval", "workflow:\n  reap_interval: 0s\n", "reap_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadBytesBadYAML(t *testing.T) {
	_, err := LoadBytes([]byte("server: [not a map"))
	assert.Error(t, err)
}

func TestValidateConfigPath(t *testing.T) {
	err := validateConfigPath("/tmp/evil.yaml")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "workflowd"))
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
