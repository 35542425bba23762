// Package config holds the process configuration for the crypto
// subsystem: which store backend to open, where the pickle key lives,
// backup policy, and logging.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coralmesh/e2ee/observability"
)

// Config is the config format for an embedding client or appservice.
type Config struct {
	// Homeserver this process talks to.
	Homeserver Homeserver `json:"homeserver" yaml:"homeserver"`

	Storage Storage `json:"storage" yaml:"storage"`

	// PickleKeySecret selects where the Olm pickle key is stored.
	PickleKeySecret PickleKeySecret `json:"pickleKeySecret" yaml:"pickleKeySecret"`

	Backup Backup `json:"backup" yaml:"backup"`

	Logger Logger `json:"logger" yaml:"logger"`
}

// Homeserver identifies the server and the acting user.
type Homeserver struct {
	BaseURL     string `json:"baseURL" yaml:"baseURL"`
	AccessToken string `json:"accessToken" yaml:"accessToken"`
	UserID      string `json:"userID" yaml:"userID"`
}

// Storage selects a store backend. Exactly one of the backend kinds is
// valid per Type.
type Storage struct {
	// Type is one of "sqlite3", "postgres", "memory".
	Type string `json:"type" yaml:"type"`

	// File is the database path for sqlite3.
	File string `json:"file" yaml:"file"`

	// DSN carries the postgres connection parameters as a key=value
	// string, mirroring the driver's own format.
	DSN string `json:"dsn" yaml:"dsn"`

	// EncryptionKey, if set, encrypts kv values at rest (base64, 32 bytes).
	EncryptionKey string `json:"encryptionKey" yaml:"encryptionKey"`
}

// PickleKeySecret selects a pickle-key provider.
type PickleKeySecret struct {
	// Type is "database" (default) or "vault".
	Type string `json:"type" yaml:"type"`

	// Vault connection, for type "vault".
	Vault Vault `json:"vault" yaml:"vault"`
}

// Vault carries connection parameters for an external vault.
type Vault struct {
	Address string `json:"address" yaml:"address"`
	Token   string `json:"token" yaml:"token"`
	Path    string `json:"path" yaml:"path"`
}

// Backup is the room-key backup policy.
type Backup struct {
	// AutoEnable is parsed from the config file but not acted on by this
	// module: Prepare does not enable a backup version by itself.
	AutoEnable bool `json:"autoEnable" yaml:"autoEnable"`
}

// Logger controls log output.
type Logger struct {
	// Level is one of "debug", "info", "warn", "error". Empty means info.
	Level string `json:"level" yaml:"level"`

	// Format is "text" or "json". Empty means text.
	Format string `json:"format" yaml:"format"`
}

// NewLogger builds the logger the config describes: a text or JSON
// handler on stderr at the configured level, wrapped so records pick up
// room/user/session scope from their context. The same logger is meant
// to be passed everywhere a component takes one, the store backends
// included.
func (c Config) NewLogger() (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(c.Logger.Level) {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("log level is not one of the supported values (%s): %s", strings.Join(validLogLevels[1:], ", "), c.Logger.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(c.Logger.Format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("log format is not one of the supported values (%s): %s", strings.Join(validLogFormats[1:], ", "), c.Logger.Format)
	}

	return observability.NewLogger(handler), nil
}

// Parse reads a YAML (or JSON; YAML is a superset) config document.
func Parse(raw []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %v", err)
	}
	return c, nil
}

var validStorageTypes = []string{"sqlite3", "postgres", "memory"}
var validLogLevels = []string{"", "debug", "info", "warn", "error"}
var validLogFormats = []string{"", "text", "json"}

// Validate the configuration.
func (c Config) Validate() error {
	// Fast checks. Perform these first for a more responsive CLI.
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.Homeserver.BaseURL == "", "no homeserver baseURL specified in config file"},
		{c.Homeserver.UserID == "", "no user id specified in config file"},
		{c.Storage.Type == "", "no storage type supplied in config file"},
		{c.Storage.Type != "" && !contains(validStorageTypes, c.Storage.Type), fmt.Sprintf("storage type must be one of: %s", strings.Join(validStorageTypes, ", "))},
		{c.Storage.Type == "sqlite3" && c.Storage.File == "", "no database file specified for sqlite3 storage"},
		{c.Storage.Type == "postgres" && c.Storage.DSN == "", "no DSN specified for postgres storage"},
		{c.PickleKeySecret.Type == "vault" && c.PickleKeySecret.Vault.Address == "", "no vault address specified for vault pickle key secret"},
		{c.PickleKeySecret.Type == "vault" && c.PickleKeySecret.Vault.Path == "", "no vault path specified for vault pickle key secret"},
		{c.PickleKeySecret.Type != "" && c.PickleKeySecret.Type != "database" && c.PickleKeySecret.Type != "vault", "pickle key secret type must be one of: database, vault"},
		{!contains(validLogLevels, c.Logger.Level), "log level must be one of: debug, info, warn, error"},
		{!contains(validLogFormats, c.Logger.Format), "log format must be one of: text, json"},
	}

	var checkErrors []string
	for _, check := range checks {
		if check.bad {
			checkErrors = append(checkErrors, check.errMsg)
		}
	}
	if len(checkErrors) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(checkErrors, "\n\t-\t"))
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
