package config

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseYAML(t *testing.T) {
	raw := `
homeserver:
  baseURL: https://matrix.example.org
  accessToken: syt_secret
  userID: "@ping:localhost"
storage:
  type: sqlite3
  file: /var/lib/e2ee/crypto.db
pickleKeySecret:
  type: vault
  vault:
    address: https://vault.internal:8200
    token: s.readonly
    path: secret/data/e2ee/pickle-key
backup:
  autoEnable: true
logger:
  level: debug
  format: json
`
	c, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "@ping:localhost", c.Homeserver.UserID)
	assert.Equal(t, "sqlite3", c.Storage.Type)
	assert.Equal(t, "vault", c.PickleKeySecret.Type)
	assert.Equal(t, "secret/data/e2ee/pickle-key", c.PickleKeySecret.Vault.Path)
	assert.True(t, c.Backup.AutoEnable)
}

func TestNewLogger(t *testing.T) {
	for _, tc := range []struct {
		level, format string
		wantErr       bool
	}{
		{"", "", false},
		{"debug", "json", false},
		{"warn", "text", false},
		{"verbose", "", true},
		{"", "xml", true},
	} {
		c := Config{Logger: Logger{Level: tc.level, Format: tc.format}}
		logger, err := c.NewLogger()
		if tc.wantErr {
			assert.Error(t, err, "%s/%s", tc.level, tc.format)
			continue
		}
		require.NoError(t, err, "%s/%s", tc.level, tc.format)
		assert.NotNil(t, logger)
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	c := Config{Logger: Logger{Level: "warn"}}
	logger, err := c.NewLogger()
	require.NoError(t, err)

	ctx := context.Background()
	assert.False(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.True(t, logger.Enabled(ctx, slog.LevelWarn))
}

func TestValidate(t *testing.T) {
	valid := Config{
		Homeserver: Homeserver{BaseURL: "https://hs", UserID: "@u:hs"},
		Storage:    Storage{Type: "memory"},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"missing baseURL", func(c *Config) { c.Homeserver.BaseURL = "" }, "baseURL"},
		{"missing userID", func(c *Config) { c.Homeserver.UserID = "" }, "user id"},
		{"missing storage type", func(c *Config) { c.Storage.Type = "" }, "storage type"},
		{"unknown storage type", func(c *Config) { c.Storage.Type = "couchdb" }, "one of"},
		{"sqlite3 without file", func(c *Config) { c.Storage = Storage{Type: "sqlite3"} }, "database file"},
		{"postgres without dsn", func(c *Config) { c.Storage = Storage{Type: "postgres"} }, "DSN"},
		{"vault without address", func(c *Config) {
			c.PickleKeySecret = PickleKeySecret{Type: "vault", Vault: Vault{Path: "p"}}
		}, "vault address"},
		{"bad log level", func(c *Config) { c.Logger.Level = "verbose" }, "log level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := valid
			tc.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.wantMsg), err.Error())
		})
	}
}
