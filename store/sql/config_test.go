//go:build cgo
// +build cgo

package sql

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/coralmesh/e2ee/store"
	"github.com/coralmesh/e2ee/store/conformance"
)

func withTimeout(t time.Duration, f func()) {
	c := make(chan struct{})
	defer close(c)

	go func() {
		select {
		case <-c:
		case <-time.After(t):
			buf := make([]byte, 2<<20)
			fmt.Fprintf(os.Stderr, "%s\n", buf[:runtime.Stack(buf, true)])
			panic("test took too long")
		}
	}()

	f()
}

func cleanDB(c *conn) error {
	tables := []string{
		"kv", "rooms", "users", "user_devices",
		"outbound_group_sessions", "sent_sessions",
		"olm_sessions", "inbound_group_sessions", "decrypted_event_index",
	}
	for _, tbl := range tables {
		if _, err := c.Exec("delete from " + tbl); err != nil {
			return err
		}
	}
	return nil
}

type opener interface {
	open(logger *slog.Logger) (*conn, error)
}

func testDB(t *testing.T, o opener) {
	fatal := func(i interface{}) {
		fmt.Fprintln(os.Stdout, i)
		t.Fatal(i)
	}

	newStore := func() store.Store {
		c, err := o.open(logger)
		if err != nil {
			fatal(err)
		}
		if err := cleanDB(c); err != nil {
			fatal(err)
		}
		return c
	}
	withTimeout(time.Minute*1, func() {
		conformance.RunTests(t, newStore)
	})
}

func getenv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

const testPostgresEnv = "E2EE_POSTGRES_HOST"

func TestPostgres(t *testing.T) {
	host := os.Getenv(testPostgresEnv)
	if host == "" {
		t.Skipf("test environment variable %q not set, skipping", testPostgresEnv)
	}

	p := &Postgres{
		DSN: fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable connect_timeout=5",
			host,
			getenv("E2EE_POSTGRES_PORT", "5432"),
			getenv("E2EE_POSTGRES_USER", "postgres"),
			getenv("E2EE_POSTGRES_PASSWORD", "postgres"),
			getenv("E2EE_POSTGRES_DATABASE", "postgres"),
		),
	}
	testDB(t, p)
}

func TestPostgresRequiresDSN(t *testing.T) {
	if _, err := (&Postgres{}).open(logger); err == nil {
		t.Fatal("expected an error opening postgres without a DSN")
	}
}
