// Package transport defines the HTTP collaborator the crypto subsystem
// talks through. The crypto core never opens connections itself: every
// federation endpoint it needs is a method here, and tests substitute
// the in-memory fake from transporttest.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// Client is the chat-protocol REST surface consumed by the crypto
// subsystem. Request and response bodies for the key endpoints are opaque
// JSON: they're produced and consumed by the crypto machine, the
// transport only moves them.
type Client interface {
	// KeysUpload publishes this device's identity and one-time keys.
	// POST /keys/upload
	KeysUpload(ctx context.Context, body json.RawMessage) (json.RawMessage, error)

	// KeysQuery fetches peer device inventories.
	// POST /keys/query
	KeysQuery(ctx context.Context, body json.RawMessage) (json.RawMessage, error)

	// KeysClaim claims peer one-time keys.
	// POST /keys/claim
	KeysClaim(ctx context.Context, body json.RawMessage) (json.RawMessage, error)

	// SendToDevice delivers a targeted to-device payload.
	// PUT /sendToDevice/{eventType}/{txnId}
	SendToDevice(ctx context.Context, eventType, txnID string, body json.RawMessage) (json.RawMessage, error)

	// GetKeyBackupVersion reads the current backup version. A server-side
	// M_NOT_FOUND is not an error: it returns (nil, nil) meaning "no
	// backup exists".
	// GET /room_keys/version
	GetKeyBackupVersion(ctx context.Context) (*KeyBackupVersion, error)

	// CreateKeyBackupVersion creates a new backup version and returns its id.
	// POST /room_keys/version
	CreateKeyBackupVersion(ctx context.Context, algorithm string, authData map[string]interface{}) (string, error)

	// PutRoomKeys uploads a batch of room keys to the given backup version.
	// PUT /room_keys/keys?version=<v>
	PutRoomKeys(ctx context.Context, version string, body json.RawMessage) (json.RawMessage, error)

	// Members returns the user ids of a room's members holding any of the
	// given membership states ("join", "invite", ...).
	// GET /rooms/{roomId}/members
	Members(ctx context.Context, roomID string, memberships []string) ([]string, error)

	// RoomState fetches a single state event's content, or (nil, nil) if
	// the event is not set on the room.
	// GET /rooms/{roomId}/state/{eventType}/{stateKey}
	RoomState(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error)
}

// KeyBackupVersion mirrors the server's room-key backup version record.
type KeyBackupVersion struct {
	Version   string                 `json:"version"`
	Algorithm string                 `json:"algorithm"`
	AuthData  map[string]interface{} `json:"auth_data"`
	Count     int                    `json:"count"`
	ETag      string                 `json:"etag"`
}

// Error is a chat-protocol error response: a non-2xx status paired with
// the standard {errcode, error} JSON body.
type Error struct {
	StatusCode int
	Code       string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a server-side M_NOT_FOUND.
func IsNotFound(err error) bool {
	te, ok := err.(*Error)
	return ok && te.Code == "M_NOT_FOUND"
}
