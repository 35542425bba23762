// Package store defines the persistent storage contract for the crypto
// subsystem: device-id/pickle-key/account key-value state, room configs,
// user device inventories, Olm sessions, Megolm group sessions, the sent-
// session ledger, and decrypted-event replay metadata.
//
// Implementations must support atomic compare-and-swap style updates for
// every multi-row write described on Store, and either support
// timezones or standardize on UTC for stored timestamps.
package store

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"io"
	"strings"
	"time"
)

var (
	// ErrNotFound reports a missing resource. The Store implementations
	// in this module do not return it: lookups report absence with a
	// false ok result instead.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists reports a duplicate create. The Store
	// implementations in this module do not return it: conflicting
	// writes are upserts or ignored inserts.
	ErrAlreadyExists = errors.New("already exists")
)

// DefaultNamespace is the namespace used by the unnamespaced root Store.
const DefaultNamespace = "default"

var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567")

// NewID returns a random opaque identifier suitable for session ids,
// request ids, and similar values that never need to be human-typed.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	return string(buf[0]%26+'a') + strings.TrimRight(idEncoding.EncodeToString(buf[1:]), "=")
}

// RoomConfig is the encryption configuration observed on a room's
// m.room.encryption state event.
type RoomConfig struct {
	Algorithm            string
	RotationPeriodMillis int64
	RotationPeriodMsgs   int
	HistoryVisibility    string
}

// UserDevice is a single device belonging to a user, as last validated
// by the device tracker. Active is false once a refresh stops reporting
// the device, but the row is never physically deleted: the ed25519 key
// must stay around for TOFU comparisons.
type UserDevice struct {
	UserID      string
	DeviceID    string
	Algorithms  []string
	Keys        map[string]string // "ed25519:<device>" / "curve25519:<device>" -> base64 key
	Signatures  map[string]map[string]string
	DisplayName string
	Active      bool
}

// Ed25519 returns the device's identity key, or "" if absent.
func (d UserDevice) Ed25519() string {
	return d.Keys["ed25519:"+d.DeviceID]
}

// Curve25519 returns the device's key-exchange key, or "" if absent.
func (d UserDevice) Curve25519() string {
	return d.Keys["curve25519:"+d.DeviceID]
}

// OutboundGroupSession is a Megolm session this device uses to encrypt
// messages it sends to a room. At most one row per room may have
// IsCurrent set.
type OutboundGroupSession struct {
	SessionID string
	RoomID    string
	Pickled   []byte
	IsCurrent bool
	UsesLeft  int
	ExpiresAt time.Time
}

// SentSession records that a given outbound session's key (at a given
// ratchet index) has already been shared to a recipient device.
// PrepareEncrypt writes this ledger but does not read it; whether a key
// is shared again is decided by the crypto machine.
type SentSession struct {
	RoomID       string
	SessionID    string
	UserID       string
	DeviceID     string
	SessionIndex uint32
}

// OlmSession is a pairwise ratcheted session with a single peer device.
// Multiple rows may exist per peer device; "current" is whichever has
// the largest LastDecryptionAt.
type OlmSession struct {
	UserID           string
	DeviceID         string
	SessionID        string
	Pickled          []byte
	LastDecryptionAt time.Time
}

// InboundGroupSession is a Megolm session received from a peer, used to
// decrypt messages in a room.
type InboundGroupSession struct {
	SessionID      string
	RoomID         string
	SenderUserID   string
	SenderDeviceID string
	Pickled        []byte
}

// Store is the persistence contract required by the crypto subsystem.
// Implementations are required to perform every multi-row write listed
// below inside a single transaction.
type Store interface {
	Close() error

	// Key-value state: device id, pickle key, pickled account.
	GetString(ctx context.Context, name string) (string, bool, error)
	SetString(ctx context.Context, name, value string) error
	GetBytes(ctx context.Context, name string) ([]byte, bool, error)
	SetBytes(ctx context.Context, name string, value []byte) error

	// Room configuration (not namespaced - server identities are global).
	StoreRoom(ctx context.Context, roomID string, cfg RoomConfig) error
	GetRoom(ctx context.Context, roomID string) (RoomConfig, bool, error)

	// User / device tracking (not namespaced; see NewNamespacedStore).
	FlagUsersOutdated(ctx context.Context, userIDs []string) error
	IsUserOutdated(ctx context.Context, userID string) (bool, error)
	SetActiveUserDevices(ctx context.Context, userID string, devices []UserDevice) error
	GetActiveUserDevices(ctx context.Context, userID string) ([]UserDevice, error)
	GetAllUserDevices(ctx context.Context, userID string) ([]UserDevice, error)
	GetActiveUserDevice(ctx context.Context, userID, deviceID string) (UserDevice, bool, error)

	// Outbound Megolm sessions (namespaced).
	StoreOutboundGroupSession(ctx context.Context, s OutboundGroupSession) error
	GetCurrentOutboundGroupSession(ctx context.Context, roomID string) (OutboundGroupSession, bool, error)
	GetOutboundGroupSession(ctx context.Context, roomID, sessionID string) (OutboundGroupSession, bool, error)

	// Sent-session ledger (namespaced).
	StoreSentSession(ctx context.Context, s SentSession) error
	GetLastSentSession(ctx context.Context, userID, deviceID, roomID string) (SentSession, bool, error)

	// Olm sessions (namespaced).
	StoreOlmSession(ctx context.Context, s OlmSession) error
	GetCurrentOlmSession(ctx context.Context, userID, deviceID string) (OlmSession, bool, error)
	GetOlmSessions(ctx context.Context, userID, deviceID string) ([]OlmSession, error)

	// Inbound Megolm sessions (namespaced).
	StoreInboundGroupSession(ctx context.Context, s InboundGroupSession) error
	GetInboundGroupSession(ctx context.Context, senderUserID, roomID, sessionID string) (InboundGroupSession, bool, error)

	// Decrypted-event replay metadata (namespaced).
	SetMessageIndexForEvent(ctx context.Context, roomID, sessionID string, index uint32, eventID string) error
	GetEventForMessageIndex(ctx context.Context, roomID, sessionID string, index uint32) (string, bool, error)

	// StorageForUser returns a namespaced view of this Store that scopes
	// every per-namespace table (kv/outbound/sent/olm/inbound/decrypted-event)
	// to userID. Rooms and user/device tables remain shared.
	StorageForUser(userID string) Store
}
