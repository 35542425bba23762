// Package conformance provides a shared test suite that every store.Store
// backend (memory, sql) is run against, so new backends can't silently
// diverge from the properties the crypto machine relies on.
package conformance

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coralmesh/e2ee/store"
)

var neverExpire = time.Now().UTC().Add(time.Hour * 24 * 365 * 100)

type subTest struct {
	name string
	run  func(t *testing.T, s store.Store)
}

func runTests(t *testing.T, newStore func() store.Store, tests []subTest) {
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newStore()
			test.run(t, s)
			require.NoError(t, s.Close())
		})
	}
}

// RunTests runs the full conformance suite against a backend. newStore must
// return an initialized, empty store; it is closed at the end of each
// sub-test and called again for the next one.
func RunTests(t *testing.T, newStore func() store.Store) {
	runTests(t, newStore, []subTest{
		{"KV", testKV},
		{"Room", testRoom},
		{"SingleCurrentOutboundSession", testSingleCurrentOutbound},
		{"ActiveDevicesSoftDelete", testActiveDevicesSoftDelete},
		{"OutdatedFlag", testOutdatedFlag},
		{"CurrentOlmSessionByRecency", testCurrentOlmSessionByRecency},
		{"ReplayIndex", testReplayIndex},
		{"Namespacing", testNamespacing},
	})
}

func testKV(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, ok, err := s.GetString(ctx, "device_id")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetString(ctx, "device_id", "DEVICEABC"))
	got, ok, err := s.GetString(ctx, "device_id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "DEVICEABC", got)

	require.NoError(t, s.SetBytes(ctx, "pickled_account", []byte("opaque-account-blob")))
	b, ok, err := s.GetBytes(ctx, "pickled_account")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("opaque-account-blob"), b)

	// Overwrite.
	require.NoError(t, s.SetString(ctx, "device_id", "DEVICEXYZ"))
	got, ok, err = s.GetString(ctx, "device_id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "DEVICEXYZ", got)
}

func testRoom(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, ok, err := s.GetRoom(ctx, "!room:example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	cfg := store.RoomConfig{
		Algorithm:            "m.megolm.v1.aes-sha2",
		RotationPeriodMillis: 604800000,
		RotationPeriodMsgs:   100,
		HistoryVisibility:    "shared",
	}
	require.NoError(t, s.StoreRoom(ctx, "!room:example.org", cfg))

	got, ok, err := s.GetRoom(ctx, "!room:example.org")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cfg, got)
}

// At most one outbound group session per room has isCurrent=true.
func testSingleCurrentOutbound(t *testing.T, s store.Store) {
	ctx := context.Background()
	roomID := "!room:example.org"

	first := store.OutboundGroupSession{
		SessionID: "session-1", RoomID: roomID, Pickled: []byte("p1"),
		IsCurrent: true, UsesLeft: 100, ExpiresAt: neverExpire,
	}
	require.NoError(t, s.StoreOutboundGroupSession(ctx, first))

	second := store.OutboundGroupSession{
		SessionID: "session-2", RoomID: roomID, Pickled: []byte("p2"),
		IsCurrent: true, UsesLeft: 100, ExpiresAt: neverExpire,
	}
	require.NoError(t, s.StoreOutboundGroupSession(ctx, second))

	cur, ok, err := s.GetCurrentOutboundGroupSession(ctx, roomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "session-2", cur.SessionID)

	old, ok, err := s.GetOutboundGroupSession(ctx, roomID, "session-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, old.IsCurrent)
}

// SetActiveUserDevices(u, D) then getActiveUserDevices(u) == D, and
// GetAllUserDevices(u) additionally returns previously-seen devices marked
// inactive rather than physically removing them.
func testActiveDevicesSoftDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	userID := "@alice:example.org"

	gen1 := []store.UserDevice{
		{UserID: userID, DeviceID: "AAAAAA", Keys: map[string]string{"ed25519:AAAAAA": "keyA"}},
		{UserID: userID, DeviceID: "BBBBBB", Keys: map[string]string{"ed25519:BBBBBB": "keyB"}},
	}
	require.NoError(t, s.SetActiveUserDevices(ctx, userID, gen1))

	active, err := s.GetActiveUserDevices(ctx, userID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AAAAAA", "BBBBBB"}, deviceIDs(active))

	// Next refresh only reports device AAAAAA; BBBBBB drops out of the
	// active set but must not disappear from GetAllUserDevices.
	gen2 := []store.UserDevice{
		{UserID: userID, DeviceID: "AAAAAA", Keys: map[string]string{"ed25519:AAAAAA": "keyA"}},
	}
	require.NoError(t, s.SetActiveUserDevices(ctx, userID, gen2))

	active, err = s.GetActiveUserDevices(ctx, userID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AAAAAA"}, deviceIDs(active))

	all, err := s.GetAllUserDevices(ctx, userID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AAAAAA", "BBBBBB"}, deviceIDs(all))

	for _, d := range all {
		if d.DeviceID == "BBBBBB" {
			assert.False(t, d.Active)
			// The ed25519 key must survive the soft-delete for TOFU.
			assert.Equal(t, "keyB", d.Ed25519())
		}
	}
}

func deviceIDs(devices []store.UserDevice) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = d.DeviceID
	}
	return out
}

// FlagUsersOutdated sets the flag; SetActiveUserDevices clears it.
func testOutdatedFlag(t *testing.T, s store.Store) {
	ctx := context.Background()
	userID := "@bob:example.org"

	require.NoError(t, s.FlagUsersOutdated(ctx, []string{userID}))
	outdated, err := s.IsUserOutdated(ctx, userID)
	require.NoError(t, err)
	assert.True(t, outdated)

	require.NoError(t, s.SetActiveUserDevices(ctx, userID, nil))
	outdated, err = s.IsUserOutdated(ctx, userID)
	require.NoError(t, err)
	assert.False(t, outdated)
}

// The current Olm session for a peer device is whichever row has the
// largest lastDecryptionTs, regardless of insertion order.
func testCurrentOlmSessionByRecency(t *testing.T, s store.Store) {
	ctx := context.Background()
	userID, deviceID := "@carol:example.org", "CCCCCC"

	older := store.OlmSession{
		UserID: userID, DeviceID: deviceID, SessionID: "session-old",
		Pickled: []byte("old"), LastDecryptionAt: time.Now().Add(-time.Hour),
	}
	newer := store.OlmSession{
		UserID: userID, DeviceID: deviceID, SessionID: "session-new",
		Pickled: []byte("new"), LastDecryptionAt: time.Now(),
	}

	// Insert the newer session first to prove recency wins over order.
	require.NoError(t, s.StoreOlmSession(ctx, newer))
	require.NoError(t, s.StoreOlmSession(ctx, older))

	cur, ok, err := s.GetCurrentOlmSession(ctx, userID, deviceID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "session-new", cur.SessionID)

	all, err := s.GetOlmSessions(ctx, userID, deviceID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	sort.Slice(all, func(i, j int) bool { return all[i].LastDecryptionAt.After(all[j].LastDecryptionAt) })
	assert.Equal(t, "session-new", all[0].SessionID)
}

// SetMessageIndexForEvent then GetEventForMessageIndex round-trips the
// event id; a second call for the same (room, session, index) with a
// different event id must not silently overwrite the first (replay).
func testReplayIndex(t *testing.T, s store.Store) {
	ctx := context.Background()
	roomID, sessionID := "!room:example.org", "session-1"

	require.NoError(t, s.SetMessageIndexForEvent(ctx, roomID, sessionID, 5, "$event-a"))
	eventID, ok, err := s.GetEventForMessageIndex(ctx, roomID, sessionID, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "$event-a", eventID)

	// A conflicting claim for the same index is recorded without
	// disturbing the original; callers compare eventID to detect replay.
	require.NoError(t, s.SetMessageIndexForEvent(ctx, roomID, sessionID, 5, "$event-b"))
	eventID, ok, err = s.GetEventForMessageIndex(ctx, roomID, sessionID, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "$event-a", eventID)

	// Other indexes of the same session are independent claims.
	require.NoError(t, s.SetMessageIndexForEvent(ctx, roomID, sessionID, 6, "$event-c"))
	eventID, ok, err = s.GetEventForMessageIndex(ctx, roomID, sessionID, 6)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "$event-c", eventID)

	_, ok, err = s.GetEventForMessageIndex(ctx, roomID, sessionID, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

// A namespaced view never sees another namespace's rows in
// per-namespace tables; shared tables (rooms, users) stay visible.
func testNamespacing(t *testing.T, s store.Store) {
	ctx := context.Background()
	roomID := "!shared:example.org"
	require.NoError(t, s.StoreRoom(ctx, roomID, store.RoomConfig{Algorithm: "m.megolm.v1.aes-sha2"}))

	alice := s.StorageForUser("@alice:example.org")
	bob := s.StorageForUser("@bob:example.org")

	sess := store.OutboundGroupSession{
		SessionID: "alice-session", RoomID: roomID, Pickled: []byte("p"),
		IsCurrent: true, UsesLeft: 1, ExpiresAt: neverExpire,
	}
	require.NoError(t, alice.StoreOutboundGroupSession(ctx, sess))

	_, ok, err := bob.GetOutboundGroupSession(ctx, roomID, "alice-session")
	require.NoError(t, err)
	assert.False(t, ok, "bob's namespaced view must not see alice's outbound session")

	_, ok, err = alice.GetOutboundGroupSession(ctx, roomID, "alice-session")
	require.NoError(t, err)
	assert.True(t, ok)

	// Rooms are shared across namespaces.
	_, ok, err = bob.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, ok)
}
