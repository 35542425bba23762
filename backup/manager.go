// Package backup manages the server-side room-key backup: creating and
// signing a backup version, pointing the crypto machine at it, and
// draining batches of room keys to the server. Restoring keys from a
// backup is not handled here; only the outbound direction is.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coralmesh/e2ee/cryptoerr"
	"github.com/coralmesh/e2ee/machine"
	"github.com/coralmesh/e2ee/observability"
	"github.com/coralmesh/e2ee/transport"
)

// Algorithm is the only backup algorithm this binding supports.
const Algorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// ErrNotEnabled is returned by BackupRoomKeys when no backup is enabled.
var ErrNotEnabled = errors.New("key backup is not enabled")

// Manager owns the backup lifecycle. Creating, enabling, disabling, and
// draining run on the adapter's serial backup waiter, so they complete in
// the order they were requested. GetKeyBackupVersion and
// ExportRoomKeysForSession do not go through the waiter and are not
// ordered against those operations.
type Manager struct {
	adapter *machine.Adapter
	client  transport.Client
	logger  *slog.Logger
	metrics *observability.Metrics
	bus     *observability.Bus

	prepared atomic.Bool

	mu      sync.Mutex
	enabled bool
	version string
}

// New returns a manager driving backups through adapter. metrics and bus
// may be nil.
func New(adapter *machine.Adapter, client transport.Client, logger *slog.Logger, metrics *observability.Metrics, bus *observability.Bus) *Manager {
	return &Manager{
		adapter: adapter,
		client:  client,
		logger:  logger,
		metrics: metrics,
		bus:     bus,
	}
}

// MarkPrepared records that the crypto machine finished initializing.
// Backup operations before this point fail with ErrUninitializedCrypto.
func (m *Manager) MarkPrepared() {
	m.prepared.Store(true)
}

// Enabled reports whether a backup version is currently being fed.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Version returns the backup version keys are being uploaded to, or ""
// when backups are disabled.
func (m *Manager) Version() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// GetKeyBackupVersion reads the server's current backup version, or nil
// when the server has none.
func (m *Manager) GetKeyBackupVersion(ctx context.Context) (*transport.KeyBackupVersion, error) {
	return m.client.GetKeyBackupVersion(ctx)
}

// SignAndCreateKeyBackupVersion signs authData with the device's identity
// key, creates the version server-side, and returns its id. The caller
// supplies auth data containing at least the backup public key.
func (m *Manager) SignAndCreateKeyBackupVersion(ctx context.Context, algorithm string, authData map[string]interface{}) (string, error) {
	if !m.prepared.Load() {
		return "", cryptoerr.ErrUninitializedCrypto
	}

	var version string
	err := m.adapter.WithBackupOrder(func() error {
		signable := make(map[string]interface{}, len(authData))
		for k, v := range authData {
			if k == "signatures" || k == "unsigned" {
				continue
			}
			signable[k] = v
		}
		canonical, err := json.Marshal(signable)
		if err != nil {
			return fmt.Errorf("canonicalize auth data: %v", err)
		}

		sigs, err := m.adapter.Sign(ctx, canonical)
		if err != nil {
			return fmt.Errorf("sign auth data: %w", err)
		}

		signed := make(map[string]interface{}, len(authData)+1)
		for k, v := range authData {
			signed[k] = v
		}
		signatures, _ := signed["signatures"].(map[string]interface{})
		if signatures == nil {
			signatures = make(map[string]interface{})
		}
		for user, keySigs := range sigs {
			merged, _ := signatures[user].(map[string]interface{})
			if merged == nil {
				merged = make(map[string]interface{})
			}
			for keyID, sig := range keySigs {
				merged[keyID] = sig
			}
			signatures[user] = merged
		}
		signed["signatures"] = signatures

		version, err = m.client.CreateKeyBackupVersion(ctx, algorithm, signed)
		if err != nil {
			return fmt.Errorf("create backup version: %w", err)
		}
		return nil
	})
	return version, err
}

// EnableKeyBackup points the machine at the given backup version. An
// already-enabled backup is disabled first.
func (m *Manager) EnableKeyBackup(ctx context.Context, info *transport.KeyBackupVersion) error {
	if !m.prepared.Load() {
		return cryptoerr.ErrUninitializedCrypto
	}

	return m.adapter.WithBackupOrder(func() error {
		m.mu.Lock()
		wasEnabled := m.enabled
		m.mu.Unlock()
		if wasEnabled {
			if err := m.disable(ctx); err != nil {
				return err
			}
		}

		if info.Algorithm != Algorithm {
			return fmt.Errorf("%w: %s", cryptoerr.ErrUnsupportedBackupAlgorithm, info.Algorithm)
		}
		publicKey, _ := info.AuthData["public_key"].(string)
		if publicKey == "" {
			return fmt.Errorf("backup version %s has no public key in auth data", info.Version)
		}

		if err := m.adapter.EnableBackupV1(ctx, publicKey, info.Version); err != nil {
			return fmt.Errorf("enable backup: %w", err)
		}

		m.mu.Lock()
		m.enabled = true
		m.version = info.Version
		m.mu.Unlock()
		return nil
	})
}

// DisableKeyBackup stops feeding the backup and forgets the version.
func (m *Manager) DisableKeyBackup(ctx context.Context) error {
	if !m.prepared.Load() {
		return cryptoerr.ErrUninitializedCrypto
	}
	return m.adapter.WithBackupOrder(func() error {
		return m.disable(ctx)
	})
}

func (m *Manager) disable(ctx context.Context) error {
	if err := m.adapter.DisableBackup(ctx); err != nil {
		return fmt.Errorf("disable backup: %w", err)
	}
	m.mu.Lock()
	m.enabled = false
	m.version = ""
	m.mu.Unlock()
	return nil
}

// BackupRoomKeys drains every pending batch of room keys to the server.
// A failed upload emits crypto.failed_backup and stops the drain; there
// is no retry here, a later explicit call starts over.
func (m *Manager) BackupRoomKeys(ctx context.Context) error {
	if !m.prepared.Load() {
		return cryptoerr.ErrUninitializedCrypto
	}
	return m.adapter.WithBackupOrder(func() error {
		m.mu.Lock()
		enabled := m.enabled
		m.mu.Unlock()
		if !enabled {
			return ErrNotEnabled
		}

		if err := m.adapter.DrainBackups(ctx); err != nil {
			m.logger.WarnContext(ctx, "room key backup drain failed", "err", err)
			m.metrics.FailedBackup()
			m.bus.Emit(observability.Event{Type: observability.EventFailedBackup, Err: err})
			return err
		}
		return nil
	})
}

// ExportRoomKeysForSession exports one megolm session as parsed JSON.
func (m *Manager) ExportRoomKeysForSession(ctx context.Context, roomID, sessionID string) (json.RawMessage, error) {
	if !m.prepared.Load() {
		return nil, cryptoerr.ErrUninitializedCrypto
	}
	return m.adapter.ExportRoomKeysForSession(ctx, roomID, sessionID)
}
