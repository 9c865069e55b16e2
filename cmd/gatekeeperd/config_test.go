package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeperd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsUnderOverrides(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9443"
db:
  path: " /var/lib/gk.db "
session:
  idle_ttl: 45m
geo:
  enabled: false
  timeout: 1s
engine:
  session:
    inactivity_timeout: 20m
    timezone: UTC
  automation:
    token: secret
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "/var/lib/gk.db", cfg.DB.Path)
	assert.Equal(t, 45*time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, "gk_session", cfg.Session.Cookie)
	assert.False(t, cfg.Geo.Enabled)
	assert.Equal(t, time.Second, cfg.Geo.Timeout)
	assert.NotEmpty(t, cfg.Geo.Endpoint, "inline geo defaults survive")
	assert.Equal(t, 20*time.Minute, cfg.Engine.Session.InactivityTimeout)
	assert.Equal(t, "UTC", cfg.Engine.Session.Timezone)
	assert.Equal(t, "secret", cfg.Engine.Automation.Token)
	assert.Equal(t, "X-Automation-Token", cfg.Engine.Automation.Header)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "http:\n  adress: \":80\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adress")
}

func TestLoadValidates(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"half tls", "http:\n  tls:\n    cert_path: /etc/cert.pem\n"},
		{"relative metrics path", "metrics:\n  path: metrics\n"},
		{"relative otel path", "metrics:\n  otel:\n    enabled: true\n    path: otel\n"},
		{"otel path clash", "metrics:\n  otel:\n    enabled: true\n    path: /metrics\n"},
		{"empty redis", "redis:\n  addr: \"\"\n"},
		{"bad timezone", "engine:\n  session:\n    timezone: Mars/Olympus\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}

func TestEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig().HTTP, cfg.HTTP)
}
