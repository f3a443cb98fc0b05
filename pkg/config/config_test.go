package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
source: cloud
cloud:
  email: me@example.com
  password: hunter2
  site_id: 2168380
  user_id: 1265443
push:
  enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cloud", cfg.Source)
	assert.Equal(t, "me@example.com", cfg.Cloud.Email)
	assert.Equal(t, 2168380, cfg.Cloud.SiteID)
	assert.Equal(t, 1265443, cfg.Cloud.UserID)
	assert.True(t, cfg.Push.Enabled)
	require.NoError(t, cfg.Validate())

	creds := cfg.Credentials()
	assert.Equal(t, "me@example.com", creds.Cloud.Email)
	assert.Equal(t, 2168380, creds.Cloud.SiteID)
}

func TestLoadLocal(t *testing.T) {
	path := writeConfig(t, `
source: local
local:
  host: 192.168.1.40
  cloud_email: me@example.com
  cloud_password: hunter2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	creds := cfg.Credentials()
	assert.Equal(t, "192.168.1.40", creds.Local.Host)
	assert.Equal(t, "me@example.com", creds.Local.CloudEmail)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "source: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"no source", Config{}, "source is required"},
		{"unknown source", Config{Source: "modbus"}, "unknown source"},
		{"cloud missing credentials", Config{Source: "cloud"}, "cloud.email"},
		{"local missing host", Config{Source: "local"}, "local.host"},
		{
			"push on local",
			Config{Source: "local", Local: LocalConfig{Host: "h"}, Push: PushConfig{Enabled: true}},
			"push is only available",
		},
		{
			"valid local",
			Config{Source: "local", Local: LocalConfig{Host: "h"}},
			"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
