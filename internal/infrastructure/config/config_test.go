package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "http://localhost:3001", cfg.Bridge.TargetOrigin)
	assert.Equal(t, 5*time.Second, cfg.Bridge.Timeout)
	assert.Equal(t, 3, cfg.Bridge.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 1000, cfg.Sync.MaxQueueSize)
	assert.Equal(t, 30*time.Second, cfg.Sync.MaxBackoff)
	assert.Equal(t, 1, cfg.Sync.MaxConflictRetries)
	assert.Equal(t, 30*time.Second, cfg.Frame.LoadTimeout)
	assert.Equal(t, 3, cfg.Frame.RetryAttempts)
	assert.Equal(t, time.Hour, cfg.Context.TTL)

	require.NoError(t, cfg.Validate())
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                   "9000",
		"TARGET_ORIGIN":          "https://Annotator.Example.com",
		"ALLOWED_ORIGINS":        "https://annotator.example.com,https://backup.example.com",
		"BRIDGE_TIMEOUT":         "2s",
		"BRIDGE_MAX_RETRIES":     "5",
		"ENABLE_SIGNING":         "true",
		"SIGNING_KEY":            "shared-secret",
		"SYNC_INTERVAL":          "1s",
		"SYNC_BATCH_SIZE":        "10",
		"SYNC_CONFLICT_POLICIES": "label.update:manual,metadata.update:last-writer-wins",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "https://annotator.example.com", cfg.Bridge.TargetOrigin)
	assert.Equal(t, []string{"https://annotator.example.com", "https://backup.example.com"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.Bridge.Timeout)
	assert.Equal(t, 5, cfg.Bridge.MaxRetries)
	assert.True(t, cfg.Bridge.EnableSigning)
	assert.Equal(t, time.Second, cfg.Sync.Interval)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, "manual", cfg.Sync.ConflictPolicies["label.update"])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"wildcard target", func(c *Config) { c.Bridge.TargetOrigin = "*" }, true},
		{"target with path", func(c *Config) { c.Bridge.TargetOrigin = "http://localhost:3001/app" }, true},
		{"target not allowed", func(c *Config) { c.Security.AllowedOrigins = []string{"https://other.example"} }, true},
		{"wildcard allowed entry", func(c *Config) { c.Security.AllowedOrigins = append(c.Security.AllowedOrigins, "*") }, true},
		{"signature without signing", func(c *Config) { c.Security.RequireSignature = true }, true},
		{"signing without key", func(c *Config) { c.Bridge.EnableSigning = true }, true},
		{"unknown algorithm", func(c *Config) { c.Bridge.SigningAlgorithm = "md5" }, true},
		{"unknown policy", func(c *Config) { c.Sync.ConflictPolicies = map[string]string{"x": "coin-flip"} }, true},
		{"unknown transport", func(c *Config) { c.Sync.Transport = "carrier-pigeon" }, true},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeOrigin(t *testing.T) {
	got, err := NormalizeOrigin("HTTPS://Bücher.Example:8443/")
	require.NoError(t, err)
	assert.Equal(t, "https://xn--bcher-kva.example:8443", got)

	_, err = NormalizeOrigin("ftp://files.example")
	assert.Error(t, err)
}

func TestApplyYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	content := `
bridge:
  target_origin: https://tool.example
  max_retries: 1
security:
  allowed_origins:
    - https://tool.example
sync:
  batch_size: 25
  conflict_policies:
    label.update: manual
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := Default()
	require.NoError(t, cfg.ApplyFile(path))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://tool.example", cfg.Bridge.TargetOrigin)
	assert.Equal(t, 1, cfg.Bridge.MaxRetries)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, "manual", cfg.Sync.ConflictPolicies["label.update"])
	assert.Equal(t, 5*time.Second, cfg.Bridge.Timeout)
}

func TestApplyTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.toml")
	content := `
[server]
port = "9100"

[sync]
batch_size = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := Default()
	require.NoError(t, cfg.ApplyFile(path))

	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Sync.BatchSize)
}

func TestApplyFileRejectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o600))

	assert.Error(t, Default().ApplyFile(path))
}

func TestContextWriteToken(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.ContextWriteToken())

	cfg.Backend.Token = "backend"
	assert.Equal(t, "backend", cfg.ContextWriteToken())

	cfg.Server.AdminToken = "admin"
	assert.Equal(t, "admin", cfg.ContextWriteToken())
}
