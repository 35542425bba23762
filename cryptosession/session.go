// Package cryptosession is the public face of the crypto subsystem. A
// Session composes the store, device tracker, machine adapter, room
// coordinator, and backup manager, and exposes the operations the rest
// of a client needs: prepare, encrypt, decrypt, and the backup
// lifecycle.
package cryptosession

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/coralmesh/e2ee/backup"
	"github.com/coralmesh/e2ee/cryptoerr"
	"github.com/coralmesh/e2ee/devices"
	"github.com/coralmesh/e2ee/machine"
	"github.com/coralmesh/e2ee/observability"
	"github.com/coralmesh/e2ee/room"
	"github.com/coralmesh/e2ee/secret"
	"github.com/coralmesh/e2ee/secret/dbsecret"
	"github.com/coralmesh/e2ee/store"
	"github.com/coralmesh/e2ee/transport"
)

const (
	kvDeviceID       = "device_id"
	kvPickledAccount = "pickled_account"

	encryptionEventType = "m.room.encryption"
	historyEventType    = "m.room.history_visibility"
)

// Config wires a Session. Store, Client, Machine, and UserID are
// required; everything else has a usable default.
type Config struct {
	UserID string

	// DeviceID is used on first run; afterwards the id persisted in the
	// store wins, so a device never silently changes identity.
	DeviceID string

	Store   store.Store
	Client  transport.Client
	Machine machine.Machine

	// PickleKeySecret defaults to storing the key in the Store's kv table.
	PickleKeySecret secret.Provider

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Bus     *observability.Bus
	Clock   clockwork.Clock
}

// Session is the crypto subsystem façade. Construct with New, then call
// Prepare before anything else.
type Session struct {
	userID string
	store  store.Store
	client transport.Client
	logger *slog.Logger

	metrics *observability.Metrics

	adapter *machine.Adapter
	tracker *devices.Tracker
	rooms   *room.Coordinator
	backup  *backup.Manager

	mu        sync.Mutex
	prepared  bool
	deviceID  string
	pickleKey []byte
	secrets   secret.Provider
}

// New validates cfg and wires the session's components together.
func New(cfg Config) (*Session, error) {
	switch {
	case cfg.UserID == "":
		return nil, errors.New("cryptosession: no user id")
	case cfg.Store == nil:
		return nil, errors.New("cryptosession: no store")
	case cfg.Client == nil:
		return nil, errors.New("cryptosession: no transport client")
	case cfg.Machine == nil:
		return nil, errors.New("cryptosession: no crypto machine")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	secrets := cfg.PickleKeySecret
	if secrets == nil {
		secrets = dbsecret.New(cfg.Store)
	}

	adapter := machine.New(cfg.Machine, cfg.Client, logger, cfg.Metrics, cfg.Bus)
	tracker := devices.NewTracker(cfg.Store, cfg.Client, logger, cfg.Metrics)
	backupMgr := backup.New(adapter, cfg.Client, logger, cfg.Metrics, cfg.Bus)
	rooms := room.New(cfg.Store, tracker, adapter, cfg.Client, backupMgr, logger, cfg.Clock)

	return &Session{
		userID:   cfg.UserID,
		store:    cfg.Store,
		client:   cfg.Client,
		logger:   logger,
		metrics:  cfg.Metrics,
		adapter:  adapter,
		tracker:  tracker,
		rooms:    rooms,
		backup:   backupMgr,
		deviceID: cfg.DeviceID,
		secrets:  secrets,
	}, nil
}

// Prepare initializes the crypto machine from persisted state: device id
// and pickle key are loaded or created, the account is unpickled (or a
// fresh one pickled back), encryption configs for the initially joined
// rooms are cached, and the machine's initial requests (key upload) are
// dispatched. Subsequent calls are cheap no-ops.
func (s *Session) Prepare(ctx context.Context, initialJoinedRoomIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepared {
		return nil
	}
	ctx = observability.WithUserID(ctx, s.userID)

	deviceID, err := s.resolveDeviceID(ctx)
	if err != nil {
		return err
	}
	pickleKey, err := s.resolvePickleKey(ctx)
	if err != nil {
		return err
	}

	pickledAccount, _, err := s.store.GetBytes(ctx, kvPickledAccount)
	if err != nil {
		return fmt.Errorf("read pickled account: %w", err)
	}

	m := s.adapter.Machine()
	if err := m.Initialize(ctx, s.userID, deviceID, pickleKey, pickledAccount); err != nil {
		return fmt.Errorf("initialize crypto machine: %w", err)
	}
	repickled, err := m.PickleAccount(ctx)
	if err != nil {
		return fmt.Errorf("pickle account: %w", err)
	}
	if err := s.store.SetBytes(ctx, kvPickledAccount, repickled); err != nil {
		return fmt.Errorf("store pickled account: %w", err)
	}

	for _, roomID := range initialJoinedRoomIDs {
		if _, ok, err := s.store.GetRoom(ctx, roomID); err != nil {
			return fmt.Errorf("read room config: %w", err)
		} else if ok {
			continue
		}
		if _, err := s.fetchRoomConfig(ctx, roomID); err != nil {
			s.logger.WarnContext(ctx, "reading room encryption state failed", "room_id", roomID, "err", err)
		}
	}

	if err := s.adapter.Run(ctx); err != nil {
		return err
	}

	s.deviceID = deviceID
	s.pickleKey = pickleKey
	s.backup.MarkPrepared()
	s.prepared = true
	return nil
}

func (s *Session) resolveDeviceID(ctx context.Context) (string, error) {
	stored, ok, err := s.store.GetString(ctx, kvDeviceID)
	if err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}
	if ok && stored != "" {
		return stored, nil
	}
	if s.deviceID == "" {
		return "", errors.New("no device id in store or config")
	}
	if err := s.store.SetString(ctx, kvDeviceID, s.deviceID); err != nil {
		return "", fmt.Errorf("store device id: %w", err)
	}
	return s.deviceID, nil
}

func (s *Session) resolvePickleKey(ctx context.Context) ([]byte, error) {
	key, ok, err := s.secrets.GetPickleKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pickle key: %w", err)
	}
	if ok {
		return key, nil
	}

	key = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate pickle key: %v", err)
	}
	if err := s.secrets.SetPickleKey(ctx, key); err != nil {
		if errors.Is(err, secret.ErrWriteRefused) {
			// The configured backend chose not to persist it. The key
			// stays in memory; we must not write it anywhere else.
			s.logger.WarnContext(ctx, "secret backend refused to store the pickle key; it will not survive a restart")
			return key, nil
		}
		return nil, fmt.Errorf("store pickle key: %w", err)
	}
	return key, nil
}

// DeviceID returns the device id crypto is bound to, or "" before Prepare.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return ""
	}
	return s.deviceID
}

func (s *Session) requirePrepared() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return cryptoerr.ErrUninitializedCrypto
	}
	return nil
}

// IsRoomEncrypted reports whether the room has encryption configured,
// checking the store first and falling back to the room's state on the
// server. A state hit is cached.
func (s *Session) IsRoomEncrypted(ctx context.Context, roomID string) (bool, error) {
	if _, ok, err := s.store.GetRoom(ctx, roomID); err != nil {
		return false, fmt.Errorf("read room config: %w", err)
	} else if ok {
		return true, nil
	}
	cfg, err := s.fetchRoomConfig(ctx, roomID)
	if err != nil {
		return false, err
	}
	return cfg != nil, nil
}

// fetchRoomConfig reads the room's encryption and history-visibility
// state from the server and caches the result. Returns nil when the room
// has no encryption event.
func (s *Session) fetchRoomConfig(ctx context.Context, roomID string) (*store.RoomConfig, error) {
	raw, err := s.client.RoomState(ctx, roomID, encryptionEventType, "")
	if err != nil {
		return nil, fmt.Errorf("read encryption state: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var content struct {
		Algorithm          string `json:"algorithm"`
		RotationPeriodMs   int64  `json:"rotation_period_ms"`
		RotationPeriodMsgs int    `json:"rotation_period_msgs"`
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("unmarshal encryption state: %v", err)
	}

	cfg := store.RoomConfig{
		Algorithm:            content.Algorithm,
		RotationPeriodMillis: content.RotationPeriodMs,
		RotationPeriodMsgs:   content.RotationPeriodMsgs,
		HistoryVisibility:    "joined",
	}
	// Defaults per the room encryption event spec.
	if cfg.RotationPeriodMillis == 0 {
		cfg.RotationPeriodMillis = 604800000
	}
	if cfg.RotationPeriodMsgs == 0 {
		cfg.RotationPeriodMsgs = 100
	}

	if rawVis, err := s.client.RoomState(ctx, roomID, historyEventType, ""); err == nil && rawVis != nil {
		var vis struct {
			HistoryVisibility string `json:"history_visibility"`
		}
		if err := json.Unmarshal(rawVis, &vis); err == nil && vis.HistoryVisibility != "" {
			cfg.HistoryVisibility = vis.HistoryVisibility
		}
	}

	if err := s.store.StoreRoom(ctx, roomID, cfg); err != nil {
		return nil, fmt.Errorf("cache room config: %w", err)
	}
	return &cfg, nil
}

// EncryptRoomEvent prepares the room (membership collection, key share)
// and encrypts content, returning the encrypted envelope to send as an
// m.room.encrypted event.
func (s *Session) EncryptRoomEvent(ctx context.Context, roomID, eventType string, content json.RawMessage) (*machine.EncryptedEvent, error) {
	if err := s.requirePrepared(); err != nil {
		return nil, err
	}
	ctx = observability.WithRoomID(ctx, roomID)

	encrypted, err := s.IsRoomEncrypted(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !encrypted {
		return nil, fmt.Errorf("room %s is not encrypted", roomID)
	}

	if err := s.rooms.PrepareEncrypt(ctx, roomID); err != nil {
		return nil, err
	}
	envelope, err := s.adapter.EncryptRoomEvent(ctx, roomID, eventType, content)
	if err != nil {
		return nil, fmt.Errorf("encrypt event: %w", err)
	}
	if err := s.rooms.NoteEncrypted(ctx, roomID, envelope.SessionID); err != nil {
		return nil, err
	}
	return envelope, nil
}

// DecryptRoomEvent decrypts event and records its (session, index) claim.
// A second event presenting an already-claimed index is rejected with
// ErrReplayDetected and the original claim stands.
func (s *Session) DecryptRoomEvent(ctx context.Context, event machine.RoomEvent) (*machine.DecryptedEvent, error) {
	if err := s.requirePrepared(); err != nil {
		return nil, err
	}
	ctx = observability.WithRoomID(ctx, event.RoomID)

	decrypted, err := s.adapter.DecryptRoomEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("decrypt event: %w", err)
	}

	claimed, ok, err := s.store.GetEventForMessageIndex(ctx, event.RoomID, decrypted.SessionID, decrypted.MessageIndex)
	if err != nil {
		return nil, fmt.Errorf("read replay metadata: %w", err)
	}
	if ok && claimed != event.EventID {
		s.metrics.ReplayDetected()
		return nil, fmt.Errorf("%w: index %d of session %s already claimed", cryptoerr.ErrReplayDetected, decrypted.MessageIndex, decrypted.SessionID)
	}
	if !ok {
		if err := s.store.SetMessageIndexForEvent(ctx, event.RoomID, decrypted.SessionID, decrypted.MessageIndex, event.EventID); err != nil {
			return nil, fmt.Errorf("record replay metadata: %w", err)
		}
	}
	return decrypted, nil
}

// Sign signs the canonical form of object with the device's identity key.
func (s *Session) Sign(ctx context.Context, object json.RawMessage) (map[string]map[string]string, error) {
	if err := s.requirePrepared(); err != nil {
		return nil, err
	}
	return s.adapter.Sign(ctx, object)
}

// Run performs one outgoing-request drive cycle. Clients call this after
// feeding sync responses into the machine.
func (s *Session) Run(ctx context.Context) error {
	if err := s.requirePrepared(); err != nil {
		return err
	}
	return s.adapter.Run(ctx)
}

// AddTrackedUsers starts tracking the given users' device lists.
func (s *Session) AddTrackedUsers(ctx context.Context, userIDs []string) error {
	if err := s.requirePrepared(); err != nil {
		return err
	}
	return s.adapter.AddTrackedUsers(ctx, userIDs)
}

// FlagUsersOutdated marks the users' device inventories stale, e.g. when
// a sync response reports device-list changes. With resync set the
// refresh runs before returning.
func (s *Session) FlagUsersOutdated(ctx context.Context, userIDs []string, resync bool) error {
	if err := s.requirePrepared(); err != nil {
		return err
	}
	return s.tracker.FlagUsersOutdated(ctx, userIDs, resync)
}

// Backup lifecycle, delegated to the backup manager.

func (s *Session) GetKeyBackupVersion(ctx context.Context) (*transport.KeyBackupVersion, error) {
	return s.backup.GetKeyBackupVersion(ctx)
}

func (s *Session) SignAndCreateKeyBackupVersion(ctx context.Context, algorithm string, authData map[string]interface{}) (string, error) {
	return s.backup.SignAndCreateKeyBackupVersion(ctx, algorithm, authData)
}

func (s *Session) EnableKeyBackup(ctx context.Context, info *transport.KeyBackupVersion) error {
	return s.backup.EnableKeyBackup(ctx, info)
}

func (s *Session) DisableKeyBackup(ctx context.Context) error {
	return s.backup.DisableKeyBackup(ctx)
}

func (s *Session) BackupRoomKeys(ctx context.Context) error {
	return s.backup.BackupRoomKeys(ctx)
}

func (s *Session) ExportRoomKeysForSession(ctx context.Context, roomID, sessionID string) (json.RawMessage, error) {
	return s.backup.ExportRoomKeysForSession(ctx, roomID, sessionID)
}
