// Package devices maintains peer device inventories: querying the server
// for device lists, validating what comes back against previously stored
// identity keys, and hiding the outdated-flag bookkeeping from callers.
package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coralmesh/e2ee/observability"
	"github.com/coralmesh/e2ee/store"
	"github.com/coralmesh/e2ee/transport"
)

// Tracker keeps per-user device inventories current.
type Tracker struct {
	store   store.Store
	client  transport.Client
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// NewTracker returns a tracker reading and writing inventories through s.
// metrics may be nil.
func NewTracker(s store.Store, client transport.Client, logger *slog.Logger, metrics *observability.Metrics) *Tracker {
	return &Tracker{
		store:    s,
		client:   client,
		logger:   logger,
		metrics:  metrics,
		inflight: make(map[string]chan struct{}),
	}
}

// GetDevicesFor returns the active devices of each user, refreshing any
// user whose inventory is stale first. Users with no known devices are
// returned with an empty slice.
func (t *Tracker) GetDevicesFor(ctx context.Context, userIDs []string) (map[string][]store.UserDevice, error) {
	var stale []string
	for _, u := range userIDs {
		outdated, err := t.store.IsUserOutdated(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("check outdated %s: %w", u, err)
		}
		if outdated {
			stale = append(stale, u)
		}
	}
	if len(stale) > 0 {
		if err := t.UpdateUsersDeviceLists(ctx, stale); err != nil {
			return nil, err
		}
	}

	out := make(map[string][]store.UserDevice, len(userIDs))
	for _, u := range userIDs {
		devices, err := t.store.GetActiveUserDevices(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("read devices %s: %w", u, err)
		}
		out[u] = devices
	}
	return out, nil
}

// FlagUsersOutdated marks the users' inventories stale. With resync set
// it also runs a refresh before returning.
func (t *Tracker) FlagUsersOutdated(ctx context.Context, userIDs []string, resync bool) error {
	if err := t.store.FlagUsersOutdated(ctx, userIDs); err != nil {
		return fmt.Errorf("flag outdated: %w", err)
	}
	if !resync {
		return nil
	}
	return t.UpdateUsersDeviceLists(ctx, userIDs)
}

// UpdateUsersDeviceLists refreshes the given users' inventories with one
// server query. Overlapping refreshes coalesce: a caller whose users are
// already being refreshed waits for every overlapping refresh to finish
// before running its own, so it always observes its own write.
func (t *Tracker) UpdateUsersDeviceLists(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	done := make(chan struct{})
	defer close(done)

	for {
		t.mu.Lock()
		overlapping := make(map[chan struct{}]struct{})
		for _, u := range userIDs {
			if ch, ok := t.inflight[u]; ok {
				overlapping[ch] = struct{}{}
			}
		}
		if len(overlapping) == 0 {
			for _, u := range userIDs {
				t.inflight[u] = done
			}
			t.mu.Unlock()
			break
		}
		t.mu.Unlock()
		for ch := range overlapping {
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	defer func() {
		t.mu.Lock()
		for _, u := range userIDs {
			if t.inflight[u] == done {
				delete(t.inflight, u)
			}
		}
		t.mu.Unlock()
	}()

	return t.refresh(ctx, userIDs)
}

type keysQueryResponse struct {
	DeviceKeys map[string]map[string]wireDevice `json:"device_keys"`
}

func (t *Tracker) refresh(ctx context.Context, userIDs []string) error {
	reqKeys := make(map[string][]string, len(userIDs))
	for _, u := range userIDs {
		reqKeys[u] = []string{}
	}
	body, err := json.Marshal(map[string]interface{}{"device_keys": reqKeys})
	if err != nil {
		return fmt.Errorf("marshal keys query: %v", err)
	}

	raw, err := t.client.KeysQuery(ctx, body)
	if err != nil {
		// The flag stays set so a later cycle retries; callers are not
		// failed over a transient transport problem.
		t.logger.WarnContext(ctx, "device list refresh failed, will retry on next cycle", "err", err)
		return nil
	}

	var resp keysQueryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("unmarshal keys query response: %v", err)
	}

	requested := make(map[string]bool, len(userIDs))
	for _, u := range userIDs {
		requested[u] = true
	}

	for _, userID := range userIDs {
		validated, err := t.validateUser(ctx, userID, resp.DeviceKeys[userID])
		if err != nil {
			return err
		}
		if err := t.store.SetActiveUserDevices(ctx, userID, validated); err != nil {
			return fmt.Errorf("store devices %s: %w", userID, err)
		}
	}

	for userID := range resp.DeviceKeys {
		if !requested[userID] {
			t.logger.WarnContext(ctx, "server returned devices for a user we did not ask about, skipping", "user_id", userID)
		}
	}
	return nil
}

func (t *Tracker) validateUser(ctx context.Context, userID string, wire map[string]wireDevice) ([]store.UserDevice, error) {
	if len(wire) == 0 {
		return nil, nil
	}

	stored, err := t.store.GetAllUserDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read stored devices %s: %w", userID, err)
	}
	existing := make(map[string]*store.UserDevice, len(stored))
	for i := range stored {
		existing[stored[i].DeviceID] = &stored[i]
	}

	var validated []store.UserDevice
	for deviceID, d := range wire {
		device, reason, err := validateDevice(userID, deviceID, d, existing[deviceID])
		if reason != "" {
			// Dropping is deliberate: a malicious or buggy server must not
			// be able to poison the inventory, and one bad device must not
			// block the rest of the user's devices.
			t.logger.WarnContext(ctx, "dropping device from refresh",
				"user_id", userID, "device_id", deviceID, "reason", string(reason), "err", err)
			t.metrics.DeviceDropped(string(reason))
			continue
		}
		validated = append(validated, device)
	}
	return validated, nil
}
