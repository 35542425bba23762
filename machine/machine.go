// Package machine wraps the opaque crypto machine: the external library
// that owns every cryptographic primitive (Olm, Megolm, the account
// identity). The Machine interface is the contract this subsystem
// requires of it; Adapter is the single owner that drives it.
package machine

import (
	"context"
	"encoding/json"
	"time"
)

// RequestType tags an outgoing request produced by the crypto machine.
type RequestType string

const (
	RequestKeysUpload      RequestType = "KeysUpload"
	RequestKeysQuery       RequestType = "KeysQuery"
	RequestKeysClaim       RequestType = "KeysClaim"
	RequestToDevice        RequestType = "ToDevice"
	RequestKeysBackup      RequestType = "KeysBackup"
	RequestSignatureUpload RequestType = "SignatureUpload"
	RequestRoomMessage     RequestType = "RoomMessage"
)

// OutgoingRequest is one pending request from the machine's queue. Body
// is opaque: produced by the machine, consumed by the server.
type OutgoingRequest struct {
	ID   string
	Type RequestType
	Body json.RawMessage

	// Set for ToDevice requests.
	EventType string
	TxnID     string

	// Set for KeysBackup requests.
	BackupVersion string
}

// Visibility is the cryptographic history-visibility setting passed to
// the machine when sharing a room key.
type Visibility string

const (
	VisibilityWorldReadable Visibility = "world_readable"
	VisibilityInvited       Visibility = "invited"
	VisibilityShared        Visibility = "shared"
	VisibilityJoined        Visibility = "joined"
)

// MegolmV1AESSHA2 is the only room-encryption algorithm this binding
// supports.
const MegolmV1AESSHA2 = "m.megolm.v1.aes-sha2"

// EncryptionSettings configure a room's outbound group session.
type EncryptionSettings struct {
	Algorithm         string
	RotationPeriod    time.Duration
	RotationMessages  int
	HistoryVisibility Visibility
}

// EncryptedEvent is the envelope returned by a per-room encrypt.
type EncryptedEvent struct {
	Algorithm  string `json:"algorithm"`
	SenderKey  string `json:"sender_key"`
	Ciphertext string `json:"ciphertext"`
	SessionID  string `json:"session_id"`
	DeviceID   string `json:"device_id"`
}

// SharedDevice identifies one recipient of a room-key share.
type SharedDevice struct {
	UserID   string
	DeviceID string
}

// ShareResult describes one ShareRoomKey call: the session that was
// shared, at which ratchet index, to whom, and the to-device requests
// that carry it. Pickled is the serialized outbound session for
// persistence.
type ShareResult struct {
	SessionID    string
	SessionIndex uint32
	Pickled      []byte
	SharedWith   []SharedDevice
	Requests     []OutgoingRequest
}

// RoomEvent is the ciphertext-bearing room event handed to decrypt.
type RoomEvent struct {
	EventID string
	RoomID  string
	Sender  string
	Type    string
	Content json.RawMessage
}

// DecryptedEvent is a successfully decrypted room event, annotated with
// the megolm session and ratchet index it came from so replay metadata
// can be recorded.
type DecryptedEvent struct {
	Type         string
	Content      json.RawMessage
	SessionID    string
	MessageIndex uint32
}

// Machine is the opaque crypto machine collaborator. Implementations own
// the cryptographic state; callers must treat it as single-writer and
// route every call through an Adapter.
type Machine interface {
	// Initialize loads or creates the account identity. pickledAccount is
	// nil on first run; afterwards it's the blob a previous PickleAccount
	// returned.
	Initialize(ctx context.Context, userID, deviceID string, pickleKey, pickledAccount []byte) error

	// PickleAccount serializes the account identity for persistence.
	PickleAccount(ctx context.Context) ([]byte, error)

	// OutgoingRequests returns a snapshot of the pending request queue.
	OutgoingRequests(ctx context.Context) ([]OutgoingRequest, error)

	// MarkRequestAsSent feeds a server response back into the machine.
	MarkRequestAsSent(ctx context.Context, id string, typ RequestType, response json.RawMessage) error

	// UpdateTrackedUsers adds users whose device lists the machine tracks.
	UpdateTrackedUsers(ctx context.Context, userIDs []string) error

	// GetMissingSessions returns a KeysClaim request covering devices we
	// have no Olm session with, or nil if none are missing.
	GetMissingSessions(ctx context.Context, userIDs []string) (*OutgoingRequest, error)

	// ShareRoomKey prepares the room's outbound session for the given
	// members and returns the to-device requests that deliver it, along
	// with what was shared so callers can keep their ledgers.
	ShareRoomKey(ctx context.Context, roomID string, userIDs []string, settings EncryptionSettings) (*ShareResult, error)

	// EncryptRoomEvent encrypts content with the room's current session.
	EncryptRoomEvent(ctx context.Context, roomID, eventType string, content json.RawMessage) (*EncryptedEvent, error)

	// DecryptRoomEvent decrypts a megolm event.
	DecryptRoomEvent(ctx context.Context, event RoomEvent) (*DecryptedEvent, error)

	// Sign signs the canonical form of message with the device's ed25519
	// key, returning user -> key id -> signature.
	Sign(ctx context.Context, message json.RawMessage) (map[string]map[string]string, error)

	// EnableBackupV1 starts backing up room keys to the given backup.
	EnableBackupV1(ctx context.Context, publicKey, version string) error

	// DisableBackup stops backing up room keys.
	DisableBackup(ctx context.Context) error

	// BackupRoomKeys returns one KeysBackup request holding the next batch
	// of room keys, or nil when everything is backed up.
	BackupRoomKeys(ctx context.Context) (*OutgoingRequest, error)

	// ExportRoomKeysForSession exports a single megolm session as JSON.
	ExportRoomKeysForSession(ctx context.Context, roomID, sessionID string) (json.RawMessage, error)
}
