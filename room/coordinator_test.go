package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coralmesh/e2ee/devices"
	"github.com/coralmesh/e2ee/machine"
	"github.com/coralmesh/e2ee/store"
	"github.com/coralmesh/e2ee/store/memory"
	"github.com/coralmesh/e2ee/transport/transporttest"
)

func TestMembershipsForVisibility(t *testing.T) {
	tests := []struct {
		visibility  string
		memberships []string
		want        machine.Visibility
	}{
		{"world_readable", []string{"join", "invite"}, machine.VisibilityWorldReadable},
		{"invited", []string{"join", "invite"}, machine.VisibilityInvited},
		{"shared", []string{"join", "invite"}, machine.VisibilityShared},
		{"joined", []string{"join"}, machine.VisibilityJoined},
		{"", []string{"join"}, machine.VisibilityJoined},
		{"something_else", []string{"join"}, machine.VisibilityJoined},
	}
	for _, tc := range tests {
		memberships, visibility := membershipsFor(tc.visibility)
		assert.Equal(t, tc.memberships, memberships, tc.visibility)
		assert.Equal(t, tc.want, visibility, tc.visibility)
	}
}

type fixture struct {
	coordinator *Coordinator
	store       store.Store
	client      *transporttest.Fake
	mock        *machine.Mock
	clock       clockwork.FakeClock
}

func newFixture(t *testing.T, cfg store.RoomConfig, roomID string) *fixture {
	t.Helper()
	ctx := context.Background()

	s := memory.New(slog.Default())
	require.NoError(t, s.StoreRoom(ctx, roomID, cfg))

	client := &transporttest.Fake{
		MembersByRoom: map[string]map[string][]string{
			roomID: {
				"join":   {"@alice:example.org", "@bob:example.org"},
				"invite": {"@carol:example.org"},
			},
		},
	}

	mock := &machine.Mock{
		ShareRoomKeyFunc: func(ctx context.Context, roomID string, userIDs []string, settings machine.EncryptionSettings) (*machine.ShareResult, error) {
			shared := make([]machine.SharedDevice, 0, len(userIDs))
			for _, u := range userIDs {
				shared = append(shared, machine.SharedDevice{UserID: u, DeviceID: "DEV" + u[1:2]})
			}
			return &machine.ShareResult{
				SessionID:  "megolm-session-1",
				Pickled:    []byte("pickled"),
				SharedWith: shared,
				Requests: []machine.OutgoingRequest{
					{ID: "td-1", Type: machine.RequestToDevice, EventType: "m.room.encrypted", Body: json.RawMessage(`{}`)},
				},
			}, nil
		},
	}

	adapter := machine.New(mock, client, slog.Default(), nil, nil)
	tracker := devices.NewTracker(s, client, slog.Default(), nil)
	clock := clockwork.NewFakeClock()
	coordinator := New(s, tracker, adapter, client, nil, slog.Default(), clock)
	return &fixture{coordinator, s, client, mock, clock}
}

func megolmConfig(visibility string) store.RoomConfig {
	return store.RoomConfig{
		Algorithm:            machine.MegolmV1AESSHA2,
		RotationPeriodMillis: 604800000,
		RotationPeriodMsgs:   100,
		HistoryVisibility:    visibility,
	}
}

func TestPrepareEncryptSharesAndRecords(t *testing.T) {
	ctx := context.Background()
	roomID := "!r:x"
	f := newFixture(t, megolmConfig("shared"), roomID)

	require.NoError(t, f.coordinator.PrepareEncrypt(ctx, roomID))

	// To-device delivery happened.
	assert.Len(t, f.client.CallsTo("sendToDevice"), 1)

	// The outbound session is recorded as current with its rotation budget.
	session, ok, err := f.store.GetCurrentOutboundGroupSession(ctx, roomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "megolm-session-1", session.SessionID)
	assert.Equal(t, 100, session.UsesLeft)
	assert.Equal(t, f.clock.Now().Add(604800000*1000000).UTC(), session.ExpiresAt.UTC())

	// The sent ledger covers every recipient device.
	sent, ok, err := f.store.GetLastSentSession(ctx, "@alice:example.org", "DEVa", roomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "megolm-session-1", sent.SessionID)
}

func TestPrepareEncryptEmptyRoomIsNoop(t *testing.T) {
	ctx := context.Background()
	roomID := "!empty:x"
	f := newFixture(t, megolmConfig("joined"), roomID)
	f.client.MembersByRoom = nil

	shareCalled := false
	f.mock.ShareRoomKeyFunc = func(ctx context.Context, roomID string, userIDs []string, settings machine.EncryptionSettings) (*machine.ShareResult, error) {
		shareCalled = true
		return &machine.ShareResult{}, nil
	}

	require.NoError(t, f.coordinator.PrepareEncrypt(ctx, roomID))
	assert.False(t, shareCalled, "nothing to share in an empty room")
}

func TestPrepareEncryptPassesVisibilityAndRotation(t *testing.T) {
	ctx := context.Background()
	roomID := "!r:x"
	f := newFixture(t, megolmConfig("invited"), roomID)

	var got machine.EncryptionSettings
	var gotMembers []string
	f.mock.ShareRoomKeyFunc = func(ctx context.Context, roomID string, userIDs []string, settings machine.EncryptionSettings) (*machine.ShareResult, error) {
		got = settings
		gotMembers = userIDs
		return &machine.ShareResult{}, nil
	}

	require.NoError(t, f.coordinator.PrepareEncrypt(ctx, roomID))

	assert.Equal(t, machine.VisibilityInvited, got.HistoryVisibility)
	assert.Equal(t, machine.MegolmV1AESSHA2, got.Algorithm)
	assert.Equal(t, 100, got.RotationMessages)
	assert.ElementsMatch(t, []string{"@alice:example.org", "@bob:example.org", "@carol:example.org"}, gotMembers)
}

func TestPrepareEncryptUnknownAlgorithmPassedAsUndefined(t *testing.T) {
	ctx := context.Background()
	roomID := "!r:x"
	cfg := megolmConfig("joined")
	cfg.Algorithm = "m.secret.v9"
	f := newFixture(t, cfg, roomID)

	var got machine.EncryptionSettings
	f.mock.ShareRoomKeyFunc = func(ctx context.Context, roomID string, userIDs []string, settings machine.EncryptionSettings) (*machine.ShareResult, error) {
		got = settings
		return &machine.ShareResult{}, nil
	}

	require.NoError(t, f.coordinator.PrepareEncrypt(ctx, roomID))
	assert.Equal(t, "undefined", got.Algorithm, "the machine decides whether to reject, not this layer")
}

func TestPrepareEncryptContinuesPastMembershipFailure(t *testing.T) {
	ctx := context.Background()
	roomID := "!r:x"
	f := newFixture(t, megolmConfig("shared"), roomID)
	f.client.MembersErr = map[string]error{"invite": assert.AnError}

	var gotMembers []string
	f.mock.ShareRoomKeyFunc = func(ctx context.Context, roomID string, userIDs []string, settings machine.EncryptionSettings) (*machine.ShareResult, error) {
		gotMembers = userIDs
		return &machine.ShareResult{}, nil
	}

	require.NoError(t, f.coordinator.PrepareEncrypt(ctx, roomID))
	assert.ElementsMatch(t, []string{"@alice:example.org", "@bob:example.org"}, gotMembers,
		"joined members still get the key when invite collection fails")
}

func TestNoteEncryptedDecrementsBudget(t *testing.T) {
	ctx := context.Background()
	roomID := "!r:x"
	f := newFixture(t, megolmConfig("joined"), roomID)

	require.NoError(t, f.coordinator.PrepareEncrypt(ctx, roomID))
	require.NoError(t, f.coordinator.NoteEncrypted(ctx, roomID, "megolm-session-1"))

	session, ok, err := f.store.GetOutboundGroupSession(ctx, roomID, "megolm-session-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 99, session.UsesLeft)
	assert.True(t, session.IsCurrent, "decrementing the budget must not rotate the session")

	// A session the store has never seen is ignored.
	require.NoError(t, f.coordinator.NoteEncrypted(ctx, roomID, "unknown-session"))
}

func TestRecordShareKeepsBudgetOnReshare(t *testing.T) {
	ctx := context.Background()
	roomID := "!r:x"
	f := newFixture(t, megolmConfig("joined"), roomID)

	require.NoError(t, f.coordinator.PrepareEncrypt(ctx, roomID))
	require.NoError(t, f.coordinator.NoteEncrypted(ctx, roomID, "megolm-session-1"))

	// A new member joining triggers another share of the same session.
	require.NoError(t, f.coordinator.PrepareEncrypt(ctx, roomID))

	session, ok, err := f.store.GetCurrentOutboundGroupSession(ctx, roomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 99, session.UsesLeft, "re-sharing must not reset the rotation budget")
}
