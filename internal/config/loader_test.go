package config

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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvTestbed, EnvServer, EnvAPIKey, EnvLog, EnvConfig} {
		t.Setenv(k, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "service:\n  name: lab\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "lab", cfg.Service.Name)
	assert.Equal(t, "info", cfg.Service.LogLevel)
	assert.Equal(t, "json", cfg.Service.LogFormat)
	assert.Equal(t, "127.0.0.1:5000", cfg.API.Listen)
	assert.Equal(t, "docker", cfg.Engine.Binary)
	assert.Equal(t, 30*time.Minute, cfg.Engine.BuildTimeout)
	assert.Equal(t, 15*time.Second, cfg.Engine.StopTimeout)
	assert.Equal(t, "deepstate:latest", cfg.Image.BaseImage)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "testbed"), cfg.Testbed.Root)
	assert.Equal(t, filepath.Join(cfg.Testbed.Root, ".fuzzbed", "journal.db"), cfg.JournalPath())
	assert.Equal(t, filepath.Join(cfg.Testbed.Root, ".fuzzbed", "fuzzbed.pid"), cfg.PIDPath())
}

func TestLoadDurationsAndInterpolation(t *testing.T) {
	clearEnv(t)
	t.Setenv("FB_TEST_KEY", "s3cret")
	path := writeConfig(t, `
testbed:
  root: /srv/testbed
api:
  auth:
    api_key: ${FB_TEST_KEY}
engine:
  stop_timeout: 3s
jobs:
  retention: 72h
  reap_schedule: "0 * * * *"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/testbed", cfg.Testbed.Root)
	assert.Equal(t, "s3cret", cfg.API.Auth.APIKey)
	assert.Equal(t, 3*time.Second, cfg.Engine.StopTimeout)
	assert.Equal(t, 72*time.Hour, cfg.Jobs.Retention)
}

func TestLoadRejectsUnresolvedSecret(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "api:\n  auth:\n    api_key: ${FB_TEST_DEFINITELY_UNSET}\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvTestbed: "/data/tb",
		EnvServer:  "0.0.0.0:8080",
		EnvAPIKey:  "k",
		EnvLog:     "debug",
	}
	cfg := Defaults()
	require.NoError(t, ApplyEnv(cfg, func(k string) string { return env[k] }))
	assert.Equal(t, "/data/tb", cfg.Testbed.Root)
	assert.Equal(t, "0.0.0.0:8080", cfg.API.Listen)
	assert.Equal(t, "k", cfg.API.Auth.APIKey)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
}

func TestApplyEnvRejectsPathList(t *testing.T) {
	cfg := Defaults()
	err := ApplyEnv(cfg, func(k string) string {
		if k == EnvTestbed {
			return "/a:/b"
		}
		return ""
	})
	require.Error(t, err)
	assert.Equal(t, "testbed", cfg.Testbed.Root)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad format", func(c *Config) { c.Service.LogFormat = "xml" }, "log_format"},
		{"empty root", func(c *Config) { c.Testbed.Root = " " }, "testbed.root"},
		{"negative retention", func(c *Config) { c.Jobs.Retention = -time.Second }, "retention"},
		{"bad schedule", func(c *Config) {
			c.Jobs.Retention = time.Hour
			c.Jobs.ReapSchedule = "whenever"
		}, "reap_schedule"},
		{"token without scopes", func(c *Config) {
			c.API.Auth.Tokens = []APIToken{{Token: "t"}}
		}, "scopes"},
		{"missing template", func(c *Config) { c.Image.TemplatePath = "/does/not/exist" }, "template_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDiscoverHonoursEnv(t *testing.T) {
	path := writeConfig(t, "{}\n")
	t.Setenv(EnvConfig, path)
	found, err := Discover()
	require.NoError(t, err)
	assert.Equal(t, path, found)
}

func TestGetPath(t *testing.T) {
	cfg := Defaults()

	v, err := cfg.GetPath("api.listen")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5000", v)

	v, err = cfg.GetPath("engine.binary")
	require.NoError(t, err)
	assert.Equal(t, "docker", v)

	_, err = cfg.GetPath("engine.nope")
	assert.Error(t, err)

	_, err = cfg.GetPath("api.listen.deeper")
	assert.Error(t, err)
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.API.Auth.APIKey = "secret"
	cfg.API.Auth.Tokens = []APIToken{{Token: "tok", Scopes: []string{"jobs:ro"}}}

	r := cfg.Redacted()
	assert.Equal(t, "***", r.API.Auth.APIKey)
	assert.Equal(t, "***", r.API.Auth.Tokens[0].Token)
	assert.Equal(t, "secret", cfg.API.Auth.APIKey)
	assert.Equal(t, "tok", cfg.API.Auth.Tokens[0].Token)
}
