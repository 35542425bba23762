package sql

import (
	"context"
	"fmt"
	"time"
)

// gc periodically removes expired, non-current outbound group sessions.
// A session past its expiry that's still current is left alone; rotating
// it is up to the crypto machine, not the store.
type gc struct {
	now  func() time.Time
	conn *conn
}

func (g gc) run() error {
	_, err := g.conn.Exec(`
		delete from outbound_group_sessions
		where is_current = false and expires_at < $1;
	`, g.now())
	if err != nil {
		return fmt.Errorf("gc outbound_group_sessions: %v", err)
	}
	return nil
}

type withCancel struct {
	*conn
	cancel context.CancelFunc
}

func (w withCancel) Close() error {
	w.cancel()
	return w.conn.Close()
}

// withGC wraps c in a background sweeper that runs every 30 seconds until
// the returned store is closed.
func withGC(c *conn, now func() time.Time) *withCancel {
	ctx, cancel := context.WithCancel(context.Background())
	run := (gc{now, c}).run
	go func() {
		for {
			select {
			case <-time.After(time.Second * 30):
				if err := run(); err != nil {
					c.logger.Error("gc failed", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return &withCancel{c, cancel}
}
