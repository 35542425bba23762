package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/coralmesh/e2ee/cryptoerr"
	"github.com/coralmesh/e2ee/observability"
	"github.com/coralmesh/e2ee/transport"
)

// Adapter is the sole owner of the crypto machine. It pumps the
// machine's outgoing-request queue to the transport, routes responses
// back, and disciplines concurrent access: a coarse "sync" lock covers
// the request-producing surface, a per-room lock covers session sharing,
// and a serial waiter orders the backup lifecycle.
type Adapter struct {
	machine Machine
	client  transport.Client
	logger  *slog.Logger
	metrics *observability.Metrics
	bus     *observability.Bus

	syncMu sync.Mutex
	rooms  keyedMutex
	backup SerialWaiter

	pendingMu sync.Mutex
	pending   map[string]struct{}
	flush     singleflight.Group
}

// New returns an adapter owning m. metrics and bus may be nil.
func New(m Machine, client transport.Client, logger *slog.Logger, metrics *observability.Metrics, bus *observability.Bus) *Adapter {
	return &Adapter{
		machine: m,
		client:  client,
		logger:  logger,
		metrics: metrics,
		bus:     bus,
		pending: make(map[string]struct{}),
	}
}

// Machine returns the wrapped machine. Callers must not invoke its
// request-producing surface directly; this exists for lifecycle calls
// (Initialize, PickleAccount) made before any concurrency starts.
func (a *Adapter) Machine() Machine {
	return a.machine
}

// Run performs one drive cycle: fetch the machine's pending requests
// once and dispatch each. The queue is a snapshot, not a stream; callers
// run cycles whenever they have reason to believe new requests exist.
func (a *Adapter) Run(ctx context.Context) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	return a.runOutgoingLocked(ctx)
}

func (a *Adapter) runOutgoingLocked(ctx context.Context) error {
	reqs, err := a.machine.OutgoingRequests(ctx)
	if err != nil {
		return fmt.Errorf("outgoing requests: %w", err)
	}
	for _, req := range reqs {
		if err := a.dispatchLocked(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// dispatchLocked routes one request by type and feeds the response back
// into the machine. Callers hold the sync lock.
func (a *Adapter) dispatchLocked(ctx context.Context, req OutgoingRequest) error {
	a.metrics.OutgoingRequest(string(req.Type))

	var (
		resp json.RawMessage
		err  error
	)
	switch req.Type {
	case RequestKeysUpload:
		resp, err = a.client.KeysUpload(ctx, req.Body)
	case RequestKeysQuery:
		resp, err = a.client.KeysQuery(ctx, req.Body)
	case RequestKeysClaim:
		resp, err = a.client.KeysClaim(ctx, req.Body)
	case RequestToDevice:
		txnID := req.TxnID
		if txnID == "" {
			txnID = uuid.New().String()
		}
		resp, err = a.client.SendToDevice(ctx, req.EventType, txnID, req.Body)
	case RequestKeysBackup:
		resp, err = a.client.PutRoomKeys(ctx, req.BackupVersion, req.Body)
		if err != nil {
			// Backup is best-effort on this path: drop the batch, tell
			// whoever is listening, and keep the cycle going.
			a.logger.WarnContext(ctx, "room key backup upload failed", "err", err)
			a.metrics.FailedBackup()
			a.bus.Emit(observability.Event{Type: observability.EventFailedBackup, Err: err})
			return nil
		}
	default:
		return fmt.Errorf("%w: %s", cryptoerr.ErrUnsupportedRequestType, req.Type)
	}
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", req.Type, err)
	}

	if err := a.machine.MarkRequestAsSent(ctx, req.ID, req.Type, resp); err != nil {
		return fmt.Errorf("mark %s as sent: %w", req.Type, err)
	}
	return nil
}

// AddTrackedUsers accumulates userIDs into a pending set and flushes it
// into the machine. A caller arriving while a flush is in flight attaches
// to that flush instead of starting its own; its users are picked up by
// the next flush.
func (a *Adapter) AddTrackedUsers(ctx context.Context, userIDs []string) error {
	a.pendingMu.Lock()
	for _, u := range userIDs {
		a.pending[u] = struct{}{}
	}
	a.pendingMu.Unlock()

	_, err, _ := a.flush.Do("tracked-users", func() (interface{}, error) {
		return nil, a.flushTrackedUsers(ctx)
	})
	return err
}

func (a *Adapter) flushTrackedUsers(ctx context.Context) error {
	a.pendingMu.Lock()
	users := make([]string, 0, len(a.pending))
	for u := range a.pending {
		users = append(users, u)
	}
	a.pending = make(map[string]struct{})
	a.pendingMu.Unlock()

	if len(users) == 0 {
		return nil
	}

	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	if err := a.machine.UpdateTrackedUsers(ctx, users); err != nil {
		return fmt.Errorf("update tracked users: %w", err)
	}
	return a.claimMissingSessionsLocked(ctx, users)
}

func (a *Adapter) claimMissingSessionsLocked(ctx context.Context, users []string) error {
	claim, err := a.machine.GetMissingSessions(ctx, users)
	if err != nil {
		return fmt.Errorf("get missing sessions: %w", err)
	}
	if claim == nil {
		return nil
	}
	return a.dispatchLocked(ctx, *claim)
}

// PrepareShare makes sure the machine is ready to share a room key with
// members: tracked users are up to date, queued key queries have run,
// and missing Olm sessions are claimed. Held under the sync lock as one
// unit so a concurrent drive cycle can't interleave.
func (a *Adapter) PrepareShare(ctx context.Context, members []string) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	if err := a.machine.UpdateTrackedUsers(ctx, members); err != nil {
		return fmt.Errorf("update tracked users: %w", err)
	}
	if err := a.runOutgoingLocked(ctx); err != nil {
		return err
	}
	return a.claimMissingSessionsLocked(ctx, members)
}

// ShareRoomKey shares the room's outbound session with members and
// dispatches every resulting to-device request. Only the room's own lock
// is held, so shares for different rooms proceed in parallel.
func (a *Adapter) ShareRoomKey(ctx context.Context, roomID string, members []string, settings EncryptionSettings) (*ShareResult, error) {
	unlock := a.rooms.lock(roomID)
	defer unlock()

	res, err := a.machine.ShareRoomKey(ctx, roomID, members, settings)
	if err != nil {
		return nil, fmt.Errorf("share room key: %w", err)
	}
	if res == nil {
		return &ShareResult{}, nil
	}
	for _, req := range res.Requests {
		if err := a.dispatchShare(ctx, req); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// dispatchShare dispatches a to-device request produced by ShareRoomKey.
// Like the machine's ShareRoomKey call before it, MarkRequestAsSent runs
// here under the per-room lock only, not the sync lock: the per-room lock
// serializes it against this room's sharing.
func (a *Adapter) dispatchShare(ctx context.Context, req OutgoingRequest) error {
	if req.Type != RequestToDevice {
		return fmt.Errorf("%w: %s from shareRoomKey", cryptoerr.ErrUnsupportedRequestType, req.Type)
	}
	a.metrics.OutgoingRequest(string(req.Type))

	txnID := req.TxnID
	if txnID == "" {
		txnID = uuid.New().String()
	}
	resp, err := a.client.SendToDevice(ctx, req.EventType, txnID, req.Body)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", req.Type, err)
	}
	if err := a.machine.MarkRequestAsSent(ctx, req.ID, req.Type, resp); err != nil {
		return fmt.Errorf("mark %s as sent: %w", req.Type, err)
	}
	return nil
}

// EncryptRoomEvent encrypts content for roomID under the sync lock.
func (a *Adapter) EncryptRoomEvent(ctx context.Context, roomID, eventType string, content json.RawMessage) (*EncryptedEvent, error) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	return a.machine.EncryptRoomEvent(ctx, roomID, eventType, content)
}

// DecryptRoomEvent decrypts event under the sync lock.
func (a *Adapter) DecryptRoomEvent(ctx context.Context, event RoomEvent) (*DecryptedEvent, error) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	return a.machine.DecryptRoomEvent(ctx, event)
}

// Sign signs message with the device's identity key.
func (a *Adapter) Sign(ctx context.Context, message json.RawMessage) (map[string]map[string]string, error) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	return a.machine.Sign(ctx, message)
}

// WithBackupOrder runs fn on the serial backup waiter. The backup
// manager funnels enable/disable/drain through here so they complete in
// enqueue order.
func (a *Adapter) WithBackupOrder(fn func() error) error {
	return a.backup.Do(fn)
}

// EnableBackupV1 points the machine at a backup version. Callers
// serialize through WithBackupOrder.
func (a *Adapter) EnableBackupV1(ctx context.Context, publicKey, version string) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	return a.machine.EnableBackupV1(ctx, publicKey, version)
}

// DisableBackup stops the machine backing up room keys.
func (a *Adapter) DisableBackup(ctx context.Context) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	return a.machine.DisableBackup(ctx)
}

// DrainBackups repeatedly asks the machine for the next batch of room
// keys and uploads it, until the machine signals empty. Unlike the
// drive-loop path, a failure here surfaces: the backup manager emits the
// event and stops the chain.
func (a *Adapter) DrainBackups(ctx context.Context) error {
	for {
		a.syncMu.Lock()
		req, err := a.machine.BackupRoomKeys(ctx)
		a.syncMu.Unlock()
		if err != nil {
			return fmt.Errorf("backup room keys: %w", err)
		}
		if req == nil {
			return nil
		}

		// The upload itself runs off the sync lock; the serial waiter the
		// backup manager holds keeps batches ordered.
		a.metrics.OutgoingRequest(string(req.Type))
		resp, err := a.client.PutRoomKeys(ctx, req.BackupVersion, req.Body)
		if err != nil {
			return fmt.Errorf("upload backup batch: %w", err)
		}

		a.syncMu.Lock()
		err = a.machine.MarkRequestAsSent(ctx, req.ID, req.Type, resp)
		a.syncMu.Unlock()
		if err != nil {
			return fmt.Errorf("mark backup as sent: %w", err)
		}
	}
}

// ExportRoomKeysForSession exports one megolm session as JSON.
func (a *Adapter) ExportRoomKeysForSession(ctx context.Context, roomID, sessionID string) (json.RawMessage, error) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	return a.machine.ExportRoomKeysForSession(ctx, roomID, sessionID)
}
