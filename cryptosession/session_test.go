package cryptosession

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coralmesh/e2ee/cryptoerr"
	"github.com/coralmesh/e2ee/machine"
	"github.com/coralmesh/e2ee/secret"
	"github.com/coralmesh/e2ee/store"
	"github.com/coralmesh/e2ee/store/memory"
	"github.com/coralmesh/e2ee/transport/transporttest"
)

const testUser = "@ping:localhost"

func newSession(t *testing.T, mock *machine.Mock, client *transporttest.Fake, s store.Store) *Session {
	t.Helper()
	if s == nil {
		s = memory.New(slog.Default())
	}
	sess, err := New(Config{
		UserID:   testUser,
		DeviceID: "HCDJLDXQHQ",
		Store:    s,
		Client:   client,
		Machine:  mock,
	})
	require.NoError(t, err)
	return sess
}

func TestPrepareIsIdempotent(t *testing.T) {
	ctx := context.Background()
	inits := 0
	var gotDeviceID string
	mock := &machine.Mock{
		InitializeFunc: func(ctx context.Context, userID, deviceID string, pickleKey, pickledAccount []byte) error {
			inits++
			gotDeviceID = deviceID
			return nil
		},
	}
	s := memory.New(slog.Default())
	sess := newSession(t, mock, &transporttest.Fake{}, s)

	require.NoError(t, sess.Prepare(ctx, nil))
	require.NoError(t, sess.Prepare(ctx, nil))

	assert.Equal(t, 1, inits, "a second Prepare is a no-op")
	assert.Equal(t, "HCDJLDXQHQ", gotDeviceID)
	assert.Equal(t, "HCDJLDXQHQ", sess.DeviceID())

	// Identity state is persisted for the next process.
	deviceID, ok, err := s.GetString(ctx, "device_id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "HCDJLDXQHQ", deviceID)

	pickled, ok, err := s.GetBytes(ctx, "pickled_account")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("pickled-account"), pickled)
}

func TestPrepareHonorsStoredDeviceID(t *testing.T) {
	ctx := context.Background()
	s := memory.New(slog.Default())
	require.NoError(t, s.SetString(ctx, "device_id", "PERSISTED0"))

	var gotDeviceID string
	mock := &machine.Mock{
		InitializeFunc: func(ctx context.Context, userID, deviceID string, pickleKey, pickledAccount []byte) error {
			gotDeviceID = deviceID
			return nil
		},
	}
	sess := newSession(t, mock, &transporttest.Fake{}, s)
	require.NoError(t, sess.Prepare(ctx, nil))

	assert.Equal(t, "PERSISTED0", gotDeviceID, "the persisted binding wins over config")
}

func TestPrepareDispatchesInitialRequests(t *testing.T) {
	ctx := context.Background()
	served := false
	mock := &machine.Mock{
		OutgoingRequestsFunc: func(ctx context.Context) ([]machine.OutgoingRequest, error) {
			if served {
				return nil, nil
			}
			served = true
			return []machine.OutgoingRequest{
				{ID: "u-1", Type: machine.RequestKeysUpload, Body: json.RawMessage(`{"device_keys":{}}`)},
			}, nil
		},
	}
	client := &transporttest.Fake{}
	sess := newSession(t, mock, client, nil)

	require.NoError(t, sess.Prepare(ctx, nil))
	assert.Len(t, client.CallsTo("keys/upload"), 1)
}

type refusingProvider struct {
	mu   sync.Mutex
	sets int
}

func (p *refusingProvider) GetPickleKey(ctx context.Context) ([]byte, bool, error) {
	return nil, false, nil
}

func (p *refusingProvider) SetPickleKey(ctx context.Context, key []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sets++
	return secret.ErrWriteRefused
}

func TestPrepareToleratesRefusedPickleKeyWrite(t *testing.T) {
	ctx := context.Background()
	var gotKey []byte
	mock := &machine.Mock{
		InitializeFunc: func(ctx context.Context, userID, deviceID string, pickleKey, pickledAccount []byte) error {
			gotKey = pickleKey
			return nil
		},
	}
	s := memory.New(slog.Default())
	provider := &refusingProvider{}
	sess, err := New(Config{
		UserID:          testUser,
		DeviceID:        "HCDJLDXQHQ",
		Store:           s,
		Client:          &transporttest.Fake{},
		Machine:         mock,
		PickleKeySecret: provider,
	})
	require.NoError(t, err)

	require.NoError(t, sess.Prepare(ctx, nil))
	assert.Len(t, gotKey, 32, "a fresh key is generated and used in memory")

	// The refused key must not leak into the main store.
	_, ok, err := s.GetBytes(ctx, "pickle_key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func encryptedRoomState(t *testing.T, visibility string) map[string]json.RawMessage {
	t.Helper()
	return map[string]json.RawMessage{
		"m.room.encryption": json.RawMessage(
			`{"algorithm":"m.megolm.v1.aes-sha2","rotation_period_ms":604800000,"rotation_period_msgs":100}`),
		"m.room.history_visibility": json.RawMessage(
			`{"history_visibility":"` + visibility + `"}`),
	}
}

func TestIsRoomEncryptedFallsBackToRoomState(t *testing.T) {
	ctx := context.Background()
	roomID := "!r:x"
	client := &transporttest.Fake{
		StateByRoom: map[string]map[string]json.RawMessage{
			roomID: encryptedRoomState(t, "shared"),
		},
	}
	s := memory.New(slog.Default())
	sess := newSession(t, &machine.Mock{}, client, s)

	encrypted, err := sess.IsRoomEncrypted(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, encrypted)

	// The state hit is cached with its history visibility.
	cfg, ok, err := s.GetRoom(ctx, roomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, machine.MegolmV1AESSHA2, cfg.Algorithm)
	assert.Equal(t, "shared", cfg.HistoryVisibility)

	before := len(client.CallsTo("state"))
	encrypted, err = sess.IsRoomEncrypted(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, encrypted)
	assert.Equal(t, before, len(client.CallsTo("state")), "second check is served from the store")

	plain, err := sess.IsRoomEncrypted(ctx, "!plain:x")
	require.NoError(t, err)
	assert.False(t, plain)
}

func TestEncryptRoomEvent(t *testing.T) {
	ctx := context.Background()
	roomID := "!r:x"

	mock := &machine.Mock{
		ShareRoomKeyFunc: func(ctx context.Context, roomID string, userIDs []string, settings machine.EncryptionSettings) (*machine.ShareResult, error) {
			return &machine.ShareResult{
				SessionID:  "session-1",
				Pickled:    []byte("pickled"),
				SharedWith: []machine.SharedDevice{{UserID: "@bob:x", DeviceID: "BOBDEV"}},
			}, nil
		},
		EncryptRoomEventFunc: func(ctx context.Context, roomID, eventType string, content json.RawMessage) (*machine.EncryptedEvent, error) {
			return &machine.EncryptedEvent{
				Algorithm:  machine.MegolmV1AESSHA2,
				SenderKey:  "sender-curve25519",
				Ciphertext: "opaque-ciphertext",
				SessionID:  "session-1",
				DeviceID:   "HCDJLDXQHQ",
			}, nil
		},
	}
	client := &transporttest.Fake{
		StateByRoom: map[string]map[string]json.RawMessage{
			roomID: encryptedRoomState(t, "joined"),
		},
		MembersByRoom: map[string]map[string][]string{
			roomID: {"join": {"@bob:x"}},
		},
	}
	s := memory.New(slog.Default())
	sess := newSession(t, mock, client, s)
	require.NoError(t, sess.Prepare(ctx, nil))

	envelope, err := sess.EncryptRoomEvent(ctx, roomID, "m.room.message", json.RawMessage(`{"body":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, machine.MegolmV1AESSHA2, envelope.Algorithm)
	assert.Equal(t, "session-1", envelope.SessionID)
	assert.Equal(t, "HCDJLDXQHQ", envelope.DeviceID)
	assert.NotEmpty(t, envelope.Ciphertext)

	// Post-send bookkeeping: ledger row and decremented budget.
	sent, ok, err := s.GetLastSentSession(ctx, "@bob:x", "BOBDEV", roomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "session-1", sent.SessionID)

	session, ok, err := s.GetCurrentOutboundGroupSession(ctx, roomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 99, session.UsesLeft)
}

func TestEncryptRejectsUnencryptedRoom(t *testing.T) {
	ctx := context.Background()
	sess := newSession(t, &machine.Mock{}, &transporttest.Fake{}, nil)
	require.NoError(t, sess.Prepare(ctx, nil))

	_, err := sess.EncryptRoomEvent(ctx, "!plain:x", "m.room.message", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not encrypted")
}

func TestDecryptRecordsAndRejectsReplays(t *testing.T) {
	ctx := context.Background()
	roomID := "!r:x"
	mock := &machine.Mock{
		DecryptRoomEventFunc: func(ctx context.Context, event machine.RoomEvent) (*machine.DecryptedEvent, error) {
			return &machine.DecryptedEvent{
				Type:         "m.room.message",
				Content:      json.RawMessage(`{"body":"hi"}`),
				SessionID:    "session-1",
				MessageIndex: 5,
			}, nil
		},
	}
	sess := newSession(t, mock, &transporttest.Fake{}, nil)
	require.NoError(t, sess.Prepare(ctx, nil))

	original := machine.RoomEvent{EventID: "$event-a", RoomID: roomID, Sender: "@bob:x", Type: "m.room.encrypted"}
	decrypted, err := sess.DecryptRoomEvent(ctx, original)
	require.NoError(t, err)
	assert.Equal(t, "m.room.message", decrypted.Type)

	// Decrypting the same event again is fine (idempotent replay of our
	// own metadata).
	_, err = sess.DecryptRoomEvent(ctx, original)
	require.NoError(t, err)

	// A different event presenting the same (session, index) is a replay.
	forged := machine.RoomEvent{EventID: "$event-b", RoomID: roomID, Sender: "@bob:x", Type: "m.room.encrypted"}
	_, err = sess.DecryptRoomEvent(ctx, forged)
	assert.ErrorIs(t, err, cryptoerr.ErrReplayDetected)
}

func TestOperationsRequirePrepare(t *testing.T) {
	ctx := context.Background()
	sess := newSession(t, &machine.Mock{}, &transporttest.Fake{}, nil)

	_, err := sess.EncryptRoomEvent(ctx, "!r:x", "m.room.message", nil)
	assert.ErrorIs(t, err, cryptoerr.ErrUninitializedCrypto)

	_, err = sess.DecryptRoomEvent(ctx, machine.RoomEvent{})
	assert.ErrorIs(t, err, cryptoerr.ErrUninitializedCrypto)

	_, err = sess.Sign(ctx, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, cryptoerr.ErrUninitializedCrypto)

	_, err = sess.SignAndCreateKeyBackupVersion(ctx, "m.megolm_backup.v1.curve25519-aes-sha2", nil)
	assert.ErrorIs(t, err, cryptoerr.ErrUninitializedCrypto)
}
