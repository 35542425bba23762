//go:build cgo
// +build cgo

package sql

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/coralmesh/e2ee/store"
)

// SQLite3 options for creating an SQL-backed store.
type SQLite3 struct {
	File string `json:"file"`

	// EncryptionKey, if set, encrypts kv values at rest with NaCl secretbox.
	EncryptionKey string `json:"encryptionKey" yaml:"encryptionKey"`
}

// Open creates a new store.Store implementation backed by SQLite3.
func (s *SQLite3) Open(logger *slog.Logger) (store.Store, error) {
	c, err := s.open(logger)
	if err != nil {
		return nil, err
	}
	return withGC(c, time.Now), nil
}

func (s *SQLite3) open(logger *slog.Logger) (*conn, error) {
	db, err := sql.Open("sqlite3", s.File)
	if err != nil {
		return nil, err
	}

	// Only one connection at a time; anything else serializes behind it.
	db.SetMaxOpenConns(1)

	cipher, err := newKVCipher(s.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to set up kv encryption: %v", err)
	}

	c := &conn{db: db, dialect: dialectSQLite3, logger: logger, cipher: cipher}
	if _, err := c.migrate(); err != nil {
		return nil, fmt.Errorf("failed to perform migrations: %v", err)
	}
	return c, nil
}
