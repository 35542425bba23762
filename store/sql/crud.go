package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coralmesh/e2ee/store"
)

// encoder wraps the underlying value in a JSON marshaler which is
// automatically called by the database/sql package.
func encoder(i interface{}) driver.Valuer {
	return jsonEncoder{i}
}

// decoder wraps the underlying value in a JSON unmarshaler which can then be
// passed to a database Scan() method.
func decoder(i interface{}) sql.Scanner {
	return jsonDecoder{i}
}

type jsonEncoder struct {
	i interface{}
}

func (j jsonEncoder) Value() (driver.Value, error) {
	b, err := json.Marshal(j.i)
	if err != nil {
		return nil, fmt.Errorf("marshal: %v", err)
	}
	return b, nil
}

type jsonDecoder struct {
	i interface{}
}

func (j jsonDecoder) Scan(dest interface{}) error {
	if dest == nil {
		return errors.New("nil value")
	}
	b, ok := dest.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte got %T", dest)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &j.i); err != nil {
		return fmt.Errorf("unmarshal: %v", err)
	}
	return nil
}

// Abstract conn vs trans.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

var _ store.Namespaced = (*conn)(nil)

// --- kv -------------------------------------------------------------------

func (c *conn) GetString(ctx context.Context, name string) (string, bool, error) {
	return c.GetStringNS(ctx, store.DefaultNamespace, name)
}

func (c *conn) SetString(ctx context.Context, name, value string) error {
	return c.SetStringNS(ctx, store.DefaultNamespace, name, value)
}

func (c *conn) GetBytes(ctx context.Context, name string) ([]byte, bool, error) {
	return c.GetBytesNS(ctx, store.DefaultNamespace, name)
}

func (c *conn) SetBytes(ctx context.Context, name string, value []byte) error {
	return c.SetBytesNS(ctx, store.DefaultNamespace, name, value)
}

func (c *conn) GetStringNS(ctx context.Context, ns, name string) (string, bool, error) {
	b, ok, err := c.GetBytesNS(ctx, ns, name)
	return string(b), ok, err
}

func (c *conn) SetStringNS(ctx context.Context, ns, name, value string) error {
	return c.SetBytesNS(ctx, ns, name, []byte(value))
}

func (c *conn) GetBytesNS(ctx context.Context, ns, name string) ([]byte, bool, error) {
	sealed, ok, err := getKV(c, ns, name)
	if err != nil || !ok {
		return nil, ok, err
	}
	value, err := c.cipher.open(sealed)
	if err != nil {
		return nil, false, fmt.Errorf("decrypt kv %s/%s: %v", ns, name, err)
	}
	return value, true, nil
}

func getKV(q querier, ns, name string) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRow(`select value from kv where ns = $1 and name = $2;`, ns, name).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("select kv: %v", err)
	}
	return value, true, nil
}

func (c *conn) SetBytesNS(ctx context.Context, ns, name string, value []byte) error {
	sealed, err := c.cipher.seal(value)
	if err != nil {
		return fmt.Errorf("encrypt kv %s/%s: %v", ns, name, err)
	}
	_, err = c.Exec(`
		insert into kv (ns, name, value) values ($1, $2, $3)
		on conflict (ns, name) do update set value = excluded.value;
	`, ns, name, sealed)
	if err != nil {
		return fmt.Errorf("upsert kv: %v", err)
	}
	return nil
}

// --- rooms ------------------------------------------------------------------

func (c *conn) StoreRoom(ctx context.Context, roomID string, cfg store.RoomConfig) error {
	_, err := c.Exec(`
		insert into rooms (room_id, algorithm, rotation_period_ms, rotation_period_msgs, history_visibility)
		values ($1, $2, $3, $4, $5)
		on conflict (room_id) do update set
			algorithm = excluded.algorithm,
			rotation_period_ms = excluded.rotation_period_ms,
			rotation_period_msgs = excluded.rotation_period_msgs,
			history_visibility = excluded.history_visibility;
	`, roomID, cfg.Algorithm, cfg.RotationPeriodMillis, cfg.RotationPeriodMsgs, cfg.HistoryVisibility)
	if err != nil {
		return fmt.Errorf("upsert room: %v", err)
	}
	return nil
}

func (c *conn) GetRoom(ctx context.Context, roomID string) (store.RoomConfig, bool, error) {
	var cfg store.RoomConfig
	err := c.QueryRow(`
		select algorithm, rotation_period_ms, rotation_period_msgs, history_visibility
		from rooms where room_id = $1;
	`, roomID).Scan(&cfg.Algorithm, &cfg.RotationPeriodMillis, &cfg.RotationPeriodMsgs, &cfg.HistoryVisibility)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.RoomConfig{}, false, nil
		}
		return store.RoomConfig{}, false, fmt.Errorf("select room: %v", err)
	}
	return cfg, true, nil
}

// --- users / devices --------------------------------------------------------

func (c *conn) FlagUsersOutdated(ctx context.Context, userIDs []string) error {
	return c.ExecTx(func(tx *trans) error {
		for _, userID := range userIDs {
			_, err := tx.Exec(`
				insert into users (user_id, outdated) values ($1, true)
				on conflict (user_id) do update set outdated = true;
			`, userID)
			if err != nil {
				return fmt.Errorf("flag user outdated: %v", err)
			}
		}
		return nil
	})
}

func (c *conn) IsUserOutdated(ctx context.Context, userID string) (bool, error) {
	var outdated bool
	err := c.QueryRow(`select outdated from users where user_id = $1;`, userID).Scan(&outdated)
	if err != nil {
		if err == sql.ErrNoRows {
			// A user we've never heard of has no cached devices; treat as
			// outdated so the tracker fetches them on first use.
			return true, nil
		}
		return false, fmt.Errorf("select user: %v", err)
	}
	return outdated, nil
}

func (c *conn) SetActiveUserDevices(ctx context.Context, userID string, devices []store.UserDevice) error {
	return c.ExecTx(func(tx *trans) error {
		_, err := tx.Exec(`
			insert into users (user_id, outdated) values ($1, false)
			on conflict (user_id) do update set outdated = false;
		`, userID)
		if err != nil {
			return fmt.Errorf("upsert user: %v", err)
		}

		// Soft-delete: every device currently on record for this user stops
		// being active; the refresh below reactivates whichever are still
		// reported. Rows are never physically removed so ed25519 keys stay
		// around for TOFU comparisons.
		if _, err := tx.Exec(`update user_devices set active = false where user_id = $1;`, userID); err != nil {
			return fmt.Errorf("deactivate devices: %v", err)
		}

		for _, d := range devices {
			_, err := tx.Exec(`
				insert into user_devices (user_id, device_id, algorithms, keys, signatures, display_name, active)
				values ($1, $2, $3, $4, $5, $6, true)
				on conflict (user_id, device_id) do update set
					algorithms = excluded.algorithms,
					keys = excluded.keys,
					signatures = excluded.signatures,
					display_name = excluded.display_name,
					active = true;
			`, d.UserID, d.DeviceID, encoder(d.Algorithms), encoder(d.Keys), encoder(d.Signatures), d.DisplayName)
			if err != nil {
				return fmt.Errorf("upsert device: %v", err)
			}
		}
		return nil
	})
}

func (c *conn) GetActiveUserDevices(ctx context.Context, userID string) ([]store.UserDevice, error) {
	return queryUserDevices(c, userID, true)
}

func (c *conn) GetAllUserDevices(ctx context.Context, userID string) ([]store.UserDevice, error) {
	return queryUserDevices(c, userID, false)
}

func queryUserDevices(q querier, userID string, activeOnly bool) ([]store.UserDevice, error) {
	query := `
		select device_id, algorithms, keys, signatures, display_name, active
		from user_devices where user_id = $1`
	if activeOnly {
		query += ` and active = true`
	}
	query += `;`

	rows, err := q.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("select devices: %v", err)
	}
	defer rows.Close()

	var out []store.UserDevice
	for rows.Next() {
		d := store.UserDevice{UserID: userID}
		if err := rows.Scan(&d.DeviceID, decoder(&d.Algorithms), decoder(&d.Keys), decoder(&d.Signatures), &d.DisplayName, &d.Active); err != nil {
			return nil, fmt.Errorf("scan device: %v", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (c *conn) GetActiveUserDevice(ctx context.Context, userID, deviceID string) (store.UserDevice, bool, error) {
	d := store.UserDevice{UserID: userID, DeviceID: deviceID}
	err := c.QueryRow(`
		select algorithms, keys, signatures, display_name, active
		from user_devices where user_id = $1 and device_id = $2 and active = true;
	`, userID, deviceID).Scan(decoder(&d.Algorithms), decoder(&d.Keys), decoder(&d.Signatures), &d.DisplayName, &d.Active)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.UserDevice{}, false, nil
		}
		return store.UserDevice{}, false, fmt.Errorf("select device: %v", err)
	}
	return d, true, nil
}

// --- outbound megolm sessions ------------------------------------------------

func (c *conn) StoreOutboundGroupSession(ctx context.Context, s store.OutboundGroupSession) error {
	return c.StoreOutboundGroupSessionNS(ctx, store.DefaultNamespace, s)
}

func (c *conn) StoreOutboundGroupSessionNS(ctx context.Context, ns string, s store.OutboundGroupSession) error {
	return c.ExecTx(func(tx *trans) error {
		if s.IsCurrent {
			// At most one row per (ns, room) may be current.
			_, err := tx.Exec(`
				update outbound_group_sessions set is_current = false
				where ns = $1 and room_id = $2 and session_id != $3;
			`, ns, s.RoomID, s.SessionID)
			if err != nil {
				return fmt.Errorf("clear current outbound session: %v", err)
			}
		}
		_, err := tx.Exec(`
			insert into outbound_group_sessions (ns, room_id, session_id, pickled, is_current, uses_left, expires_at)
			values ($1, $2, $3, $4, $5, $6, $7)
			on conflict (ns, room_id, session_id) do update set
				pickled = excluded.pickled,
				is_current = excluded.is_current,
				uses_left = excluded.uses_left,
				expires_at = excluded.expires_at;
		`, ns, s.RoomID, s.SessionID, s.Pickled, s.IsCurrent, s.UsesLeft, s.ExpiresAt)
		if err != nil {
			return fmt.Errorf("upsert outbound session: %v", err)
		}
		return nil
	})
}

func (c *conn) GetCurrentOutboundGroupSession(ctx context.Context, roomID string) (store.OutboundGroupSession, bool, error) {
	return c.GetCurrentOutboundGroupSessionNS(ctx, store.DefaultNamespace, roomID)
}

func (c *conn) GetCurrentOutboundGroupSessionNS(ctx context.Context, ns, roomID string) (store.OutboundGroupSession, bool, error) {
	s := store.OutboundGroupSession{RoomID: roomID}
	err := c.QueryRow(`
		select session_id, pickled, is_current, uses_left, expires_at
		from outbound_group_sessions where ns = $1 and room_id = $2 and is_current = true;
	`, ns, roomID).Scan(&s.SessionID, &s.Pickled, &s.IsCurrent, &s.UsesLeft, &s.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.OutboundGroupSession{}, false, nil
		}
		return store.OutboundGroupSession{}, false, fmt.Errorf("select current outbound session: %v", err)
	}
	return s, true, nil
}

func (c *conn) GetOutboundGroupSession(ctx context.Context, roomID, sessionID string) (store.OutboundGroupSession, bool, error) {
	return c.GetOutboundGroupSessionNS(ctx, store.DefaultNamespace, roomID, sessionID)
}

func (c *conn) GetOutboundGroupSessionNS(ctx context.Context, ns, roomID, sessionID string) (store.OutboundGroupSession, bool, error) {
	s := store.OutboundGroupSession{RoomID: roomID, SessionID: sessionID}
	err := c.QueryRow(`
		select pickled, is_current, uses_left, expires_at
		from outbound_group_sessions where ns = $1 and room_id = $2 and session_id = $3;
	`, ns, roomID, sessionID).Scan(&s.Pickled, &s.IsCurrent, &s.UsesLeft, &s.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.OutboundGroupSession{}, false, nil
		}
		return store.OutboundGroupSession{}, false, fmt.Errorf("select outbound session: %v", err)
	}
	return s, true, nil
}

// --- sent-session ledger ------------------------------------------------------

func (c *conn) StoreSentSession(ctx context.Context, s store.SentSession) error {
	return c.StoreSentSessionNS(ctx, store.DefaultNamespace, s)
}

func (c *conn) StoreSentSessionNS(ctx context.Context, ns string, s store.SentSession) error {
	_, err := c.Exec(`
		insert into sent_sessions (ns, room_id, session_id, user_id, device_id, session_index)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (ns, room_id, session_id, user_id, device_id) do update set
			session_index = excluded.session_index;
	`, ns, s.RoomID, s.SessionID, s.UserID, s.DeviceID, s.SessionIndex)
	if err != nil {
		return fmt.Errorf("upsert sent session: %v", err)
	}
	return nil
}

func (c *conn) GetLastSentSession(ctx context.Context, userID, deviceID, roomID string) (store.SentSession, bool, error) {
	return c.GetLastSentSessionNS(ctx, store.DefaultNamespace, userID, deviceID, roomID)
}

func (c *conn) GetLastSentSessionNS(ctx context.Context, ns, userID, deviceID, roomID string) (store.SentSession, bool, error) {
	s := store.SentSession{RoomID: roomID, UserID: userID, DeviceID: deviceID}
	err := c.QueryRow(`
		select session_id, session_index from sent_sessions
		where ns = $1 and room_id = $2 and user_id = $3 and device_id = $4
		order by session_index desc limit 1;
	`, ns, roomID, userID, deviceID).Scan(&s.SessionID, &s.SessionIndex)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.SentSession{}, false, nil
		}
		return store.SentSession{}, false, fmt.Errorf("select sent session: %v", err)
	}
	return s, true, nil
}

// --- olm sessions --------------------------------------------------------------

func (c *conn) StoreOlmSession(ctx context.Context, s store.OlmSession) error {
	return c.StoreOlmSessionNS(ctx, store.DefaultNamespace, s)
}

func (c *conn) StoreOlmSessionNS(ctx context.Context, ns string, s store.OlmSession) error {
	_, err := c.Exec(`
		insert into olm_sessions (ns, user_id, device_id, session_id, pickled, last_decryption_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (ns, user_id, device_id, session_id) do update set
			pickled = excluded.pickled,
			last_decryption_at = excluded.last_decryption_at;
	`, ns, s.UserID, s.DeviceID, s.SessionID, s.Pickled, s.LastDecryptionAt)
	if err != nil {
		return fmt.Errorf("upsert olm session: %v", err)
	}
	return nil
}

func (c *conn) GetCurrentOlmSession(ctx context.Context, userID, deviceID string) (store.OlmSession, bool, error) {
	return c.GetCurrentOlmSessionNS(ctx, store.DefaultNamespace, userID, deviceID)
}

func (c *conn) GetCurrentOlmSessionNS(ctx context.Context, ns, userID, deviceID string) (store.OlmSession, bool, error) {
	s := store.OlmSession{UserID: userID, DeviceID: deviceID}
	err := c.QueryRow(`
		select session_id, pickled, last_decryption_at from olm_sessions
		where ns = $1 and user_id = $2 and device_id = $3
		order by last_decryption_at desc limit 1;
	`, ns, userID, deviceID).Scan(&s.SessionID, &s.Pickled, &s.LastDecryptionAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.OlmSession{}, false, nil
		}
		return store.OlmSession{}, false, fmt.Errorf("select current olm session: %v", err)
	}
	return s, true, nil
}

func (c *conn) GetOlmSessions(ctx context.Context, userID, deviceID string) ([]store.OlmSession, error) {
	return c.GetOlmSessionsNS(ctx, store.DefaultNamespace, userID, deviceID)
}

func (c *conn) GetOlmSessionsNS(ctx context.Context, ns, userID, deviceID string) ([]store.OlmSession, error) {
	rows, err := c.Query(`
		select session_id, pickled, last_decryption_at from olm_sessions
		where ns = $1 and user_id = $2 and device_id = $3
		order by last_decryption_at desc;
	`, ns, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("select olm sessions: %v", err)
	}
	defer rows.Close()

	var out []store.OlmSession
	for rows.Next() {
		s := store.OlmSession{UserID: userID, DeviceID: deviceID}
		if err := rows.Scan(&s.SessionID, &s.Pickled, &s.LastDecryptionAt); err != nil {
			return nil, fmt.Errorf("scan olm session: %v", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- inbound megolm sessions -----------------------------------------------

func (c *conn) StoreInboundGroupSession(ctx context.Context, s store.InboundGroupSession) error {
	return c.StoreInboundGroupSessionNS(ctx, store.DefaultNamespace, s)
}

func (c *conn) StoreInboundGroupSessionNS(ctx context.Context, ns string, s store.InboundGroupSession) error {
	_, err := c.Exec(`
		insert into inbound_group_sessions (ns, sender_user_id, room_id, session_id, sender_device_id, pickled)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (ns, sender_user_id, room_id, session_id) do update set
			sender_device_id = excluded.sender_device_id,
			pickled = excluded.pickled;
	`, ns, s.SenderUserID, s.RoomID, s.SessionID, s.SenderDeviceID, s.Pickled)
	if err != nil {
		return fmt.Errorf("upsert inbound session: %v", err)
	}
	return nil
}

func (c *conn) GetInboundGroupSession(ctx context.Context, senderUserID, roomID, sessionID string) (store.InboundGroupSession, bool, error) {
	return c.GetInboundGroupSessionNS(ctx, store.DefaultNamespace, senderUserID, roomID, sessionID)
}

func (c *conn) GetInboundGroupSessionNS(ctx context.Context, ns, senderUserID, roomID, sessionID string) (store.InboundGroupSession, bool, error) {
	s := store.InboundGroupSession{SenderUserID: senderUserID, RoomID: roomID, SessionID: sessionID}
	err := c.QueryRow(`
		select sender_device_id, pickled from inbound_group_sessions
		where ns = $1 and sender_user_id = $2 and room_id = $3 and session_id = $4;
	`, ns, senderUserID, roomID, sessionID).Scan(&s.SenderDeviceID, &s.Pickled)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.InboundGroupSession{}, false, nil
		}
		return store.InboundGroupSession{}, false, fmt.Errorf("select inbound session: %v", err)
	}
	return s, true, nil
}

// --- replay metadata ---------------------------------------------------------

func (c *conn) SetMessageIndexForEvent(ctx context.Context, roomID, sessionID string, index uint32, eventID string) error {
	return c.SetMessageIndexForEventNS(ctx, store.DefaultNamespace, roomID, sessionID, index, eventID)
}

func (c *conn) SetMessageIndexForEventNS(ctx context.Context, ns, roomID, sessionID string, index uint32, eventID string) error {
	_, err := c.Exec(`
		insert into decrypted_event_index (ns, room_id, session_id, message_index, event_id)
		values ($1, $2, $3, $4, $5)
		on conflict (ns, room_id, session_id, message_index) do nothing;
	`, ns, roomID, sessionID, index, eventID)
	if err != nil {
		return fmt.Errorf("insert event index: %v", err)
	}
	return nil
}

func (c *conn) GetEventForMessageIndex(ctx context.Context, roomID, sessionID string, index uint32) (string, bool, error) {
	return c.GetEventForMessageIndexNS(ctx, store.DefaultNamespace, roomID, sessionID, index)
}

func (c *conn) GetEventForMessageIndexNS(ctx context.Context, ns, roomID, sessionID string, index uint32) (string, bool, error) {
	var eventID string
	err := c.QueryRow(`
		select event_id from decrypted_event_index
		where ns = $1 and room_id = $2 and session_id = $3 and message_index = $4;
	`, ns, roomID, sessionID, index).Scan(&eventID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select event index: %v", err)
	}
	return eventID, true, nil
}

// --- namespacing --------------------------------------------------------------

func (c *conn) StorageForUser(userID string) store.Store {
	return store.NewNamespacedStore(c, userID)
}
