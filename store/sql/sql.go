// Package sql provides the file-backed (sqlite3) and server-backed
// (postgres) implementations of store.Store.
//
// Every query in this package is written in postgres syntax; the sqlite3
// dialect rewrites bind placeholders, type names, and literals before
// they reach the driver. The rewriter only understands the handful of
// statement shapes this package actually uses.
package sql

import (
	"context"
	"database/sql"
	"log/slog"
	"regexp"
	"time"

	"github.com/lib/pq"

	// import third party drivers
	_ "github.com/mattn/go-sqlite3"
)

// dialect captures what differs between the two supported drivers: how
// queries are rewritten, how multi-row transactions run, and whether
// timestamps need normalizing before storage.
type dialect struct {
	rewrite func(query string) string

	// executeTx, when set, overrides how ExecTx opens and retries a
	// transaction. Nil means database/sql defaults.
	executeTx func(db *sql.DB, fn func(sqlTx *sql.Tx) error) error

	// utcTimes is set for drivers without timezone-aware column types;
	// time.Time arguments are converted to UTC before binding.
	utcTimes bool
}

// The default Postgres transaction level gives consistent reads, not
// consistent writes. The crypto store's multi-row writes (device-list
// swaps, current-session rotation) need the latter, so every postgres
// transaction runs serializable and retries on serialization failure.
//
// Be careful not to wrap sql errors in the callback 'fn', otherwise
// serialization failures will not be detected and retried.
var dialectPostgres = dialect{
	rewrite: func(query string) string { return query },

	executeTx: func(db *sql.DB, fn func(sqlTx *sql.Tx) error) error {
		ctx, cancel := context.WithCancel(context.TODO())
		defer cancel()

		opts := &sql.TxOptions{
			Isolation: sql.LevelSerializable,
		}

		for {
			tx, err := db.BeginTx(ctx, opts)
			if err != nil {
				return err
			}

			if err := fn(tx); err != nil {
				if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "serialization_failure" {
					continue
				}
				return err
			}

			if err := tx.Commit(); err != nil {
				if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "serialization_failure" {
					continue
				}
				return err
			}
			return nil
		}
	},
}

// Match postgres query binds: "$1", "$12", etc.
var bindRegexp = regexp.MustCompile(`\$\d+`)

func matchLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

// Ordered rewrites applied to every query on the sqlite3 path: binds
// become "?", booleans become integers, postgres type names map to
// sqlite storage classes, and now() (used by the migration ledger) gets
// sqlite's spelling.
var sqliteRewrites = []struct {
	re   *regexp.Regexp
	with string
}{
	{bindRegexp, "?"},
	{matchLiteral("true"), "1"},
	{matchLiteral("false"), "0"},
	{matchLiteral("boolean"), "integer"},
	{matchLiteral("bytea"), "blob"},
	{matchLiteral("timestamptz"), "timestamp"},
	{regexp.MustCompile(`\bnow\(\)`), "date('now')"},
}

var dialectSQLite3 = dialect{
	rewrite: func(query string) string {
		for _, r := range sqliteRewrites {
			query = r.re.ReplaceAllString(query, r.with)
		}
		return query
	},
	utcTimes: true,
}

// conn is the main database connection.
type conn struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	cipher  *kvCipher
}

func (c *conn) Close() error {
	return c.db.Close()
}

// args normalizes bind arguments for the dialect.
func (c *conn) args(args []interface{}) []interface{} {
	if !c.dialect.utcTimes {
		return args
	}
	for i, arg := range args {
		if t, ok := arg.(time.Time); ok {
			args[i] = t.UTC()
		}
	}
	return args
}

// conn implements the same method signatures as database/sql.DB.

func (c *conn) Exec(query string, args ...interface{}) (sql.Result, error) {
	return c.db.Exec(c.dialect.rewrite(query), c.args(args)...)
}

func (c *conn) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.Query(c.dialect.rewrite(query), c.args(args)...)
}

func (c *conn) QueryRow(query string, args ...interface{}) *sql.Row {
	return c.db.QueryRow(c.dialect.rewrite(query), c.args(args)...)
}

// ExecTx runs a method which operates on a transaction.
func (c *conn) ExecTx(fn func(tx *trans) error) error {
	if c.dialect.executeTx != nil {
		return c.dialect.executeTx(c.db, func(sqlTx *sql.Tx) error {
			return fn(&trans{sqlTx, c})
		})
	}

	sqlTx, err := c.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(&trans{sqlTx, c}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

type trans struct {
	tx *sql.Tx
	c  *conn
}

// trans implements the same method signatures as database/sql.Tx.

func (t *trans) Exec(query string, args ...interface{}) (sql.Result, error) {
	return t.tx.Exec(t.c.dialect.rewrite(query), t.c.args(args)...)
}

func (t *trans) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.Query(t.c.dialect.rewrite(query), t.c.args(args)...)
}

func (t *trans) QueryRow(query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRow(t.c.dialect.rewrite(query), t.c.args(args)...)
}
