//go:build cgo
// +build cgo

package sql

import (
	"context"
	"testing"
	"time"

	"github.com/coralmesh/e2ee/store"
)

func TestGC(t *testing.T) {
	s := &SQLite3{File: ":memory:"}
	conn, err := s.open(logger)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx := context.Background()
	clock := time.Now()
	now := func() time.Time { return clock }
	runGC := (gc{now, conn}).run

	roomID := "!room:example.org"
	err = conn.StoreOutboundGroupSession(ctx, store.OutboundGroupSession{
		SessionID: "session-1",
		RoomID:    roomID,
		Pickled:   []byte("p"),
		IsCurrent: false,
		UsesLeft:  0,
		ExpiresAt: now().Add(time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := runGC(); err != nil {
		t.Errorf("gc failed: %v", err)
	}
	if _, ok, err := conn.GetOutboundGroupSession(ctx, roomID, "session-1"); err != nil || !ok {
		t.Errorf("expected session to survive gc before expiry, ok=%v err=%v", ok, err)
	}

	clock = clock.Add(time.Minute)

	if err := runGC(); err != nil {
		t.Errorf("gc failed: %v", err)
	}
	if _, ok, err := conn.GetOutboundGroupSession(ctx, roomID, "session-1"); err != nil || ok {
		t.Errorf("expected session to be gc'd after expiry, ok=%v err=%v", ok, err)
	}
}
