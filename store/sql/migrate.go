package sql

import (
	"database/sql"
	"fmt"
)

func (c *conn) migrate() (int, error) {
	_, err := c.Exec(`
		create table if not exists migrations (
			num integer not null,
			at timestamptz not null
		);
	`)
	if err != nil {
		return 0, fmt.Errorf("creating migration table: %v", err)
	}

	i := 0
	done := false
	for {
		err := c.ExecTx(func(tx *trans) error {
			// Within a transaction, perform a single migration.
			var (
				num sql.NullInt64
				n   int
			)
			if err := tx.QueryRow(`select max(num) from migrations;`).Scan(&num); err != nil {
				return fmt.Errorf("select max migration: %v", err)
			}
			if num.Valid {
				n = int(num.Int64)
			}
			if n >= len(migrations) {
				done = true
				return nil
			}

			migrationNum := n + 1
			m := migrations[n]
			if _, err := tx.Exec(m.stmt); err != nil {
				return fmt.Errorf("migration %d failed: %v", migrationNum, err)
			}

			q := `insert into migrations (num, at) values ($1, now());`
			if _, err := tx.Exec(q, migrationNum); err != nil {
				return fmt.Errorf("update migration table: %v", err)
			}
			return nil
		})
		if err != nil {
			return i, err
		}
		if done {
			break
		}
		i++
	}

	return i, nil
}

type migration struct {
	stmt string
}

// Both dialects share one migration list; the sqlite3 rewriter maps the
// postgres type names when the statements run.
var migrations = []migration{
	{
		stmt: `
			-- kv holds opaque device id / pickle key / pickled account state,
			-- one row per (ns, name).
			create table kv (
				ns text not null,
				name text not null,
				value bytea not null,
				PRIMARY KEY (ns, name)
			);

			-- rooms are not namespaced: encryption config is a property of the
			-- room itself, observed once from the m.room.encryption state event.
			create table rooms (
				room_id text not null primary key,
				algorithm text not null,
				rotation_period_ms bigint not null,
				rotation_period_msgs integer not null,
				history_visibility text not null
			);

			-- users/user_devices are not namespaced: device identities are
			-- server-side, shared across every local account tracking them.
			create table users (
				user_id text not null primary key,
				outdated boolean not null
			);

			create table user_devices (
				user_id text not null,
				device_id text not null,
				algorithms bytea not null,  -- JSON array of strings
				keys bytea not null,        -- JSON object: "ed25519:<id>" -> key
				signatures bytea not null,  -- JSON object of objects
				display_name text not null,
				active boolean not null,
				PRIMARY KEY (user_id, device_id)
			);

			create table outbound_group_sessions (
				ns text not null,
				room_id text not null,
				session_id text not null,
				pickled bytea not null,
				is_current boolean not null,
				uses_left integer not null,
				expires_at timestamptz not null,
				PRIMARY KEY (ns, room_id, session_id)
			);

			create table sent_sessions (
				ns text not null,
				room_id text not null,
				session_id text not null,
				user_id text not null,
				device_id text not null,
				session_index integer not null,
				PRIMARY KEY (ns, room_id, session_id, user_id, device_id)
			);

			create table olm_sessions (
				ns text not null,
				user_id text not null,
				device_id text not null,
				session_id text not null,
				pickled bytea not null,
				last_decryption_at timestamptz not null,
				PRIMARY KEY (ns, user_id, device_id, session_id)
			);

			create table inbound_group_sessions (
				ns text not null,
				sender_user_id text not null,
				room_id text not null,
				session_id text not null,
				sender_device_id text not null,
				pickled bytea not null,
				PRIMARY KEY (ns, sender_user_id, room_id, session_id)
			);

			create table decrypted_event_index (
				ns text not null,
				room_id text not null,
				session_id text not null,
				message_index integer not null,
				event_id text not null,
				PRIMARY KEY (ns, room_id, session_id, message_index)
			);
		`,
	},
}
