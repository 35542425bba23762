package sql

import (
	"log/slog"
	"os"
	"testing"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

func TestSQLiteRewrite(t *testing.T) {
	tests := []struct {
		testCase string
		query    string
		exp      string
	}{
		{
			"bind replacement",
			`select value from kv where ns = $1 and name = $2;`,
			`select value from kv where ns = ? and name = ?;`,
		},
		{
			"bind replacement at end of query",
			`select outdated from users where user_id = $1`,
			`select outdated from users where user_id = ?`,
		},
		{
			"boolean literal true",
			`select device_id from user_devices where active = true`,
			`select device_id from user_devices where active = 1`,
		},
		{
			"boolean literal false",
			`update outbound_group_sessions set is_current = false`,
			`update outbound_group_sessions set is_current = 0`,
		},
		{
			"column types",
			`pickled bytea not null, is_current boolean not null, expires_at timestamptz not null,`,
			`pickled blob not null, is_current integer not null, expires_at timestamp not null,`,
		},
		{
			"now",
			`insert into migrations (num, at) values ($1, now());`,
			`insert into migrations (num, at) values (?, date('now'));`,
		},
		{
			"word boundaries leave identifiers alone",
			`select truefoo from bytearray`,
			`select truefoo from bytearray`,
		},
	}

	for _, tc := range tests {
		if got := dialectSQLite3.rewrite(tc.query); got != tc.exp {
			t.Errorf("%s: want=%q, got=%q", tc.testCase, tc.exp, got)
		}
	}
}

func TestPostgresRewriteIsIdentity(t *testing.T) {
	q := `select value from kv where ns = $1 and name = $2;`
	if got := dialectPostgres.rewrite(q); got != q {
		t.Errorf("postgres rewrite changed the query: %q", got)
	}
}
