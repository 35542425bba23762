//go:build cgo
// +build cgo

package sql

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/coralmesh/e2ee/store"
)

// Closing and reopening a file-backed store preserves everything written,
// including namespaced rows.
func TestSQLite3Persistence(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "crypto.db")

	open := func() store.Store {
		s, err := (&SQLite3{File: file}).Open(logger)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	s := open()
	if err := s.SetString(ctx, "device_id", "ROOTDEVICE"); err != nil {
		t.Fatal(err)
	}
	alice := s.StorageForUser("@alice:example.org")
	if err := alice.SetString(ctx, "device_id", "ABC"); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreInboundGroupSession(ctx, store.InboundGroupSession{
		SessionID: "session-1", RoomID: "!r:x",
		SenderUserID: "@bob:x", SenderDeviceID: "BOBDEV",
		Pickled: []byte("pickled-inbound"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s = open()
	defer s.Close()

	got, ok, err := s.GetString(ctx, "device_id")
	if err != nil || !ok || got != "ROOTDEVICE" {
		t.Errorf("root device id after reopen: got=%q ok=%v err=%v", got, ok, err)
	}

	alice = s.StorageForUser("@alice:example.org")
	got, ok, err = alice.GetString(ctx, "device_id")
	if err != nil || !ok || got != "ABC" {
		t.Errorf("namespaced device id after reopen: got=%q ok=%v err=%v", got, ok, err)
	}

	sess, ok, err := s.GetInboundGroupSession(ctx, "@bob:x", "!r:x", "session-1")
	if err != nil || !ok || string(sess.Pickled) != "pickled-inbound" {
		t.Errorf("inbound session after reopen: ok=%v err=%v", ok, err)
	}
}

// The root view must not see a namespaced kv value and vice versa.
func TestSQLite3NamespacedKV(t *testing.T) {
	ctx := context.Background()
	s, err := (&SQLite3{File: ":memory:"}).Open(logger)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	alice := s.StorageForUser("@u:e")
	if err := alice.SetString(ctx, "device_id", "ABC"); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := s.GetString(ctx, "device_id"); err != nil || ok {
		t.Errorf("root view sees namespaced kv: ok=%v err=%v", ok, err)
	}
	got, ok, err := alice.GetString(ctx, "device_id")
	if err != nil || !ok || got != "ABC" {
		t.Errorf("namespaced view kv: got=%q ok=%v err=%v", got, ok, err)
	}
}
