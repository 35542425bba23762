//go:build !cgo
// +build !cgo

// This is a stub for CGO_ENABLED=0 builds; go-sqlite3 needs cgo.

package sql

import (
	"fmt"
	"log/slog"

	"github.com/coralmesh/e2ee/store"
)

type SQLite3 struct {
	File string `json:"file"`
}

func (s *SQLite3) Open(logger *slog.Logger) (store.Store, error) {
	return nil, fmt.Errorf("binary was compiled with CGO_ENABLED=0, go-sqlite3 requires cgo")
}
