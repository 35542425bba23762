package sql

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/coralmesh/e2ee/store"
)

// Postgres options for creating an SQL-backed store. The connection
// string is handed to the driver as-is; host, credentials, database,
// and TLS mode are all expressed there in the driver's own
// "key=value ..." (or URL) format rather than re-modeled here.
type Postgres struct {
	// DSN is the lib/pq connection string, e.g.
	// "host=db user=e2ee dbname=e2ee sslmode=verify-full".
	DSN string `json:"dsn" yaml:"dsn"`

	// EncryptionKey, if set, encrypts kv values (pickled accounts, pickle
	// keys, device ids) at rest with NaCl secretbox. The zero value leaves
	// kv values in plaintext.
	EncryptionKey string `json:"encryptionKey" yaml:"encryptionKey"`

	MaxOpenConns    int `json:"maxOpenConns" yaml:"maxOpenConns"`       // default: 5
	MaxIdleConns    int `json:"maxIdleConns" yaml:"maxIdleConns"`       // default: 5
	ConnMaxLifetime int `json:"connMaxLifetime" yaml:"connMaxLifetime"` // seconds, default: not set
}

// Open creates a new store.Store implementation backed by Postgres.
func (p *Postgres) Open(logger *slog.Logger) (store.Store, error) {
	c, err := p.open(logger)
	if err != nil {
		return nil, err
	}
	return withGC(c, time.Now), nil
}

func (p *Postgres) open(logger *slog.Logger) (*conn, error) {
	if p.DSN == "" {
		return nil, fmt.Errorf("postgres: no DSN supplied")
	}
	db, err := sql.Open("postgres", p.DSN)
	if err != nil {
		return nil, err
	}

	if p.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(time.Duration(p.ConnMaxLifetime) * time.Second)
	}
	if p.MaxIdleConns == 0 {
		db.SetMaxIdleConns(5)
	} else {
		db.SetMaxIdleConns(p.MaxIdleConns)
	}
	if p.MaxOpenConns == 0 {
		db.SetMaxOpenConns(5)
	} else {
		db.SetMaxOpenConns(p.MaxOpenConns)
	}

	cipher, err := newKVCipher(p.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to set up kv encryption: %v", err)
	}

	c := &conn{db: db, dialect: dialectPostgres, logger: logger, cipher: cipher}
	if _, err := c.migrate(); err != nil {
		return nil, fmt.Errorf("failed to perform migrations: %v", err)
	}
	return c, nil
}
