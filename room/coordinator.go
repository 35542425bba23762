// Package room coordinates per-room key preparation: collecting the
// membership a room's history visibility entitles to the key, driving
// the crypto machine's share, and keeping the sent-session ledger and
// outbound-session bookkeeping.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/coralmesh/e2ee/backup"
	"github.com/coralmesh/e2ee/devices"
	"github.com/coralmesh/e2ee/machine"
	"github.com/coralmesh/e2ee/observability"
	"github.com/coralmesh/e2ee/store"
	"github.com/coralmesh/e2ee/transport"
)

// Coordinator prepares rooms for encryption.
type Coordinator struct {
	store   store.Store
	tracker *devices.Tracker
	adapter *machine.Adapter
	client  transport.Client
	backup  *backup.Manager
	logger  *slog.Logger
	clock   clockwork.Clock
}

// New returns a coordinator. clock may be nil, in which case the real
// clock is used.
func New(s store.Store, tracker *devices.Tracker, adapter *machine.Adapter, client transport.Client, backupMgr *backup.Manager, logger *slog.Logger, clock clockwork.Clock) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		store:   s,
		tracker: tracker,
		adapter: adapter,
		client:  client,
		backup:  backupMgr,
		logger:  logger,
		clock:   clock,
	}
}

// membershipsFor maps a room's history visibility to the membership
// states whose devices receive the key, plus the cryptographic
// visibility passed to the machine.
func membershipsFor(historyVisibility string) ([]string, machine.Visibility) {
	switch historyVisibility {
	case "world_readable":
		return []string{"join", "invite"}, machine.VisibilityWorldReadable
	case "invited":
		return []string{"join", "invite"}, machine.VisibilityInvited
	case "shared":
		return []string{"join", "invite"}, machine.VisibilityShared
	default:
		return []string{"join"}, machine.VisibilityJoined
	}
}

// PrepareEncrypt readies roomID for an encrypt call: membership is
// collected per the room's history visibility, tracked users and Olm
// sessions are brought up to date, and the room key is shared to every
// entitled device. Safe to call before every encrypt; the machine
// returns nothing to share when everyone already has the session.
func (c *Coordinator) PrepareEncrypt(ctx context.Context, roomID string) error {
	ctx = observability.WithRoomID(ctx, roomID)

	cfg, ok, err := c.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("read room config: %w", err)
	}
	if !ok {
		return fmt.Errorf("room %s has no stored encryption config", roomID)
	}

	memberships, visibility := membershipsFor(cfg.HistoryVisibility)

	var members []string
	seen := make(map[string]bool)
	for _, membership := range memberships {
		users, err := c.client.Members(ctx, roomID, []string{membership})
		if err != nil {
			// One membership class failing must not block the others; the
			// devices we can reach still get the key.
			c.logger.WarnContext(ctx, "collecting room members failed", "membership", membership, "err", err)
			continue
		}
		for _, u := range users {
			if !seen[u] {
				seen[u] = true
				members = append(members, u)
			}
		}
	}
	if len(members) == 0 {
		return nil
	}

	settings := machine.EncryptionSettings{
		// Anything other than megolm v1 is passed through as undefined so
		// the machine rejects it rather than this layer guessing.
		Algorithm:         "undefined",
		RotationPeriod:    time.Duration(cfg.RotationPeriodMillis) * time.Millisecond,
		RotationMessages:  cfg.RotationPeriodMsgs,
		HistoryVisibility: visibility,
	}
	if cfg.Algorithm == machine.MegolmV1AESSHA2 {
		settings.Algorithm = cfg.Algorithm
	}

	if _, err := c.tracker.GetDevicesFor(ctx, members); err != nil {
		return fmt.Errorf("refresh member devices: %w", err)
	}
	if err := c.adapter.PrepareShare(ctx, members); err != nil {
		return err
	}

	res, err := c.adapter.ShareRoomKey(ctx, roomID, members, settings)
	if err != nil {
		return err
	}
	if res.SessionID != "" {
		if err := c.recordShare(ctx, roomID, cfg, res); err != nil {
			return err
		}
	}

	if c.backup != nil && c.backup.Enabled() {
		// Backups are best-effort and must not hold up the send path.
		go func() {
			if err := c.backup.BackupRoomKeys(context.WithoutCancel(ctx)); err != nil {
				c.logger.Warn("scheduled backup drain failed", "room_id", roomID, "err", err)
			}
		}()
	}
	return nil
}

// recordShare persists the outbound session and its sent ledger entries.
func (c *Coordinator) recordShare(ctx context.Context, roomID string, cfg store.RoomConfig, res *machine.ShareResult) error {
	session := store.OutboundGroupSession{
		SessionID: res.SessionID,
		RoomID:    roomID,
		Pickled:   res.Pickled,
		IsCurrent: true,
		UsesLeft:  cfg.RotationPeriodMsgs,
		ExpiresAt: c.clock.Now().Add(time.Duration(cfg.RotationPeriodMillis) * time.Millisecond),
	}
	if existing, ok, err := c.store.GetOutboundGroupSession(ctx, roomID, res.SessionID); err != nil {
		return fmt.Errorf("read outbound session: %w", err)
	} else if ok {
		// A re-share of the current session keeps its rotation budget.
		session.UsesLeft = existing.UsesLeft
		session.ExpiresAt = existing.ExpiresAt
	}
	if err := c.store.StoreOutboundGroupSession(ctx, session); err != nil {
		return fmt.Errorf("store outbound session: %w", err)
	}

	for _, d := range res.SharedWith {
		sent := store.SentSession{
			RoomID:       roomID,
			SessionID:    res.SessionID,
			UserID:       d.UserID,
			DeviceID:     d.DeviceID,
			SessionIndex: res.SessionIndex,
		}
		if err := c.store.StoreSentSession(ctx, sent); err != nil {
			return fmt.Errorf("store sent session: %w", err)
		}
	}
	return nil
}

// NoteEncrypted decrements the rotation budget of the session an encrypt
// just used. Unknown sessions are ignored: the machine may rotate
// between a share and an encrypt.
func (c *Coordinator) NoteEncrypted(ctx context.Context, roomID, sessionID string) error {
	session, ok, err := c.store.GetOutboundGroupSession(ctx, roomID, sessionID)
	if err != nil {
		return fmt.Errorf("read outbound session: %w", err)
	}
	if !ok {
		return nil
	}
	if session.UsesLeft > 0 {
		session.UsesLeft--
	}
	if err := c.store.StoreOutboundGroupSession(ctx, session); err != nil {
		return fmt.Errorf("store outbound session: %w", err)
	}
	return nil
}
