package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 120*time.Second, cfg.Session.Timeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Session.PairingDelay)
	assert.Equal(t, 5*time.Second, cfg.Session.OpenSettle)
	assert.Equal(t, time.Second, cfg.Session.Flush)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, ":3000", cfg.Addr())
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefinedKeys(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8080

[session]
timeout = "90s"
pairing_delay = "0s"
credential_wait = "2.5s"

[gateway]
url = "wss://gateway.example/socket"

[branding]
brand = " MYBOT "
owner = "ops"

[branding.links]
CHANNEL = "https://example.com/channel"

[log]
level = "debug"
pretty = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "public", cfg.Server.StaticDir, "undefined keys keep defaults")
	assert.Equal(t, 90*time.Second, cfg.Session.Timeout)
	assert.Equal(t, time.Duration(0), cfg.Session.PairingDelay)
	assert.Equal(t, 2500*time.Millisecond, cfg.Session.CredentialWait)
	assert.Equal(t, 5*time.Second, cfg.Session.OpenSettle)
	assert.Equal(t, "wss://gateway.example/socket", cfg.Gateway.URL)
	assert.Equal(t, "MYBOT", cfg.Branding.Brand)
	assert.Equal(t, "ops", cfg.Branding.Owner)
	assert.Equal(t, map[string]string{"CHANNEL": "https://example.com/channel"}, cfg.Branding.Links)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := Load(writeConfig(t, "[session]\ntimeout = \"soon\"\n"))
		assert.Error(t, err)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Load(writeConfig(t, "[session]\ntimeuot = \"1s\"\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session.timeuot")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.Session.Timeout = 0 }},
		{"negative delay", func(c *Config) { c.Session.PairingDelay = -time.Second }},
		{"negative flush", func(c *Config) { c.Session.Flush = -1 }},
		{"empty dir", func(c *Config) { c.Session.Dir = "" }},
		{"nested credential file", func(c *Config) { c.Session.CredentialFile = "a/creds.json" }},
		{"http gateway", func(c *Config) { c.Gateway.URL = "http://gateway" }},
		{"empty brand", func(c *Config) { c.Branding.Brand = "" }},
		{"bad zone", func(c *Config) { c.Branding.TimeZone = "Mars/Olympus" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestValidateReportsProblemsInOrder(t *testing.T) {
	cfg := Default()
	cfg.Session.PairingDelay = -1
	cfg.Session.OpenSettle = -1
	cfg.Session.CredentialWait = -1
	cfg.Session.Flush = -1

	want := "invalid config: session.pairing_delay must not be negative; " +
		"session.open_settle must not be negative; " +
		"session.credential_wait must not be negative; " +
		"session.flush must not be negative"
	for i := 0; i < 10; i++ {
		err := cfg.Validate()
		require.ErrorIs(t, err, ErrInvalid)
		assert.Equal(t, want, err.Error())
	}
}

func TestBeginBudget(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 15*time.Second+60*time.Second+1500*time.Millisecond, cfg.BeginBudget())

	cfg.Gateway.RequestTimeout = 5 * time.Second
	assert.Equal(t, 15*time.Second+10*time.Second+1500*time.Millisecond, cfg.BeginBudget())
}
