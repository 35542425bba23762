package machine

import (
	"context"
	"encoding/json"
)

// Mock is a configurable Machine for tests. Unset function fields behave
// as successful no-ops, so tests only script the calls they care about.
type Mock struct {
	InitializeFunc               func(ctx context.Context, userID, deviceID string, pickleKey, pickledAccount []byte) error
	PickleAccountFunc            func(ctx context.Context) ([]byte, error)
	OutgoingRequestsFunc         func(ctx context.Context) ([]OutgoingRequest, error)
	MarkRequestAsSentFunc        func(ctx context.Context, id string, typ RequestType, response json.RawMessage) error
	UpdateTrackedUsersFunc       func(ctx context.Context, userIDs []string) error
	GetMissingSessionsFunc       func(ctx context.Context, userIDs []string) (*OutgoingRequest, error)
	ShareRoomKeyFunc             func(ctx context.Context, roomID string, userIDs []string, settings EncryptionSettings) (*ShareResult, error)
	EncryptRoomEventFunc         func(ctx context.Context, roomID, eventType string, content json.RawMessage) (*EncryptedEvent, error)
	DecryptRoomEventFunc         func(ctx context.Context, event RoomEvent) (*DecryptedEvent, error)
	SignFunc                     func(ctx context.Context, message json.RawMessage) (map[string]map[string]string, error)
	EnableBackupV1Func           func(ctx context.Context, publicKey, version string) error
	DisableBackupFunc            func(ctx context.Context) error
	BackupRoomKeysFunc           func(ctx context.Context) (*OutgoingRequest, error)
	ExportRoomKeysForSessionFunc func(ctx context.Context, roomID, sessionID string) (json.RawMessage, error)
}

var _ Machine = (*Mock)(nil)

func (m *Mock) Initialize(ctx context.Context, userID, deviceID string, pickleKey, pickledAccount []byte) error {
	if m.InitializeFunc == nil {
		return nil
	}
	return m.InitializeFunc(ctx, userID, deviceID, pickleKey, pickledAccount)
}

func (m *Mock) PickleAccount(ctx context.Context) ([]byte, error) {
	if m.PickleAccountFunc == nil {
		return []byte("pickled-account"), nil
	}
	return m.PickleAccountFunc(ctx)
}

func (m *Mock) OutgoingRequests(ctx context.Context) ([]OutgoingRequest, error) {
	if m.OutgoingRequestsFunc == nil {
		return nil, nil
	}
	return m.OutgoingRequestsFunc(ctx)
}

func (m *Mock) MarkRequestAsSent(ctx context.Context, id string, typ RequestType, response json.RawMessage) error {
	if m.MarkRequestAsSentFunc == nil {
		return nil
	}
	return m.MarkRequestAsSentFunc(ctx, id, typ, response)
}

func (m *Mock) UpdateTrackedUsers(ctx context.Context, userIDs []string) error {
	if m.UpdateTrackedUsersFunc == nil {
		return nil
	}
	return m.UpdateTrackedUsersFunc(ctx, userIDs)
}

func (m *Mock) GetMissingSessions(ctx context.Context, userIDs []string) (*OutgoingRequest, error) {
	if m.GetMissingSessionsFunc == nil {
		return nil, nil
	}
	return m.GetMissingSessionsFunc(ctx, userIDs)
}

func (m *Mock) ShareRoomKey(ctx context.Context, roomID string, userIDs []string, settings EncryptionSettings) (*ShareResult, error) {
	if m.ShareRoomKeyFunc == nil {
		return &ShareResult{}, nil
	}
	return m.ShareRoomKeyFunc(ctx, roomID, userIDs, settings)
}

func (m *Mock) EncryptRoomEvent(ctx context.Context, roomID, eventType string, content json.RawMessage) (*EncryptedEvent, error) {
	if m.EncryptRoomEventFunc == nil {
		return &EncryptedEvent{Algorithm: MegolmV1AESSHA2}, nil
	}
	return m.EncryptRoomEventFunc(ctx, roomID, eventType, content)
}

func (m *Mock) DecryptRoomEvent(ctx context.Context, event RoomEvent) (*DecryptedEvent, error) {
	if m.DecryptRoomEventFunc == nil {
		return &DecryptedEvent{}, nil
	}
	return m.DecryptRoomEventFunc(ctx, event)
}

func (m *Mock) Sign(ctx context.Context, message json.RawMessage) (map[string]map[string]string, error) {
	if m.SignFunc == nil {
		return map[string]map[string]string{}, nil
	}
	return m.SignFunc(ctx, message)
}

func (m *Mock) EnableBackupV1(ctx context.Context, publicKey, version string) error {
	if m.EnableBackupV1Func == nil {
		return nil
	}
	return m.EnableBackupV1Func(ctx, publicKey, version)
}

func (m *Mock) DisableBackup(ctx context.Context) error {
	if m.DisableBackupFunc == nil {
		return nil
	}
	return m.DisableBackupFunc(ctx)
}

func (m *Mock) BackupRoomKeys(ctx context.Context) (*OutgoingRequest, error) {
	if m.BackupRoomKeysFunc == nil {
		return nil, nil
	}
	return m.BackupRoomKeysFunc(ctx)
}

func (m *Mock) ExportRoomKeysForSession(ctx context.Context, roomID, sessionID string) (json.RawMessage, error) {
	if m.ExportRoomKeysForSessionFunc == nil {
		return json.RawMessage(`[]`), nil
	}
	return m.ExportRoomKeysForSessionFunc(ctx, roomID, sessionID)
}
