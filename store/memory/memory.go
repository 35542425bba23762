// Package memory provides an in-memory implementation of store.Store,
// intended for tests and for appservices that don't need durability
// across restarts.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/coralmesh/e2ee/store"
)

var _ store.Namespaced = (*memStore)(nil)

type kvKey struct{ ns, name string }
type deviceKey struct{ userID, deviceID string }
type ogsKey struct{ ns, roomID, sessionID string }
type olmKey struct{ ns, userID, deviceID, sessionID string }
type igsKey struct{ ns, senderUserID, roomID, sessionID string }
type replayKey struct {
	ns, roomID, sessionID string
	index                 uint32
}

// New returns an empty in-memory store, namespaced at
// store.DefaultNamespace.
func New(logger *slog.Logger) store.Store {
	return newBackend(logger)
}

func newBackend(logger *slog.Logger) *memStore {
	return &memStore{
		logger:   logger,
		kv:       make(map[kvKey][]byte),
		rooms:    make(map[string]store.RoomConfig),
		outdated: make(map[string]bool),
		devices:  make(map[deviceKey]store.UserDevice),
		outbound: make(map[ogsKey]store.OutboundGroupSession),
		sent:     make(map[string]store.SentSession),
		olm:      make(map[olmKey]store.OlmSession),
		inbound:  make(map[igsKey]store.InboundGroupSession),
		replay:   make(map[replayKey]string),
	}
}

// memStore guards every field with a single mutex. Contention doesn't
// matter for the workloads this backend serves.
type memStore struct {
	mu     sync.Mutex
	logger *slog.Logger

	kv       map[kvKey][]byte
	rooms    map[string]store.RoomConfig
	outdated map[string]bool
	devices  map[deviceKey]store.UserDevice
	outbound map[ogsKey]store.OutboundGroupSession
	sent     map[string]store.SentSession
	olm      map[olmKey]store.OlmSession
	inbound  map[igsKey]store.InboundGroupSession
	replay   map[replayKey]string
}

func sentKey(ns, roomID, sessionID, userID, deviceID string) string {
	return ns + "\x00" + roomID + "\x00" + sessionID + "\x00" + userID + "\x00" + deviceID
}

func (s *memStore) Close() error { return nil }

func (s *memStore) GetString(ctx context.Context, name string) (string, bool, error) {
	return s.GetStringNS(ctx, store.DefaultNamespace, name)
}

func (s *memStore) SetString(ctx context.Context, name, value string) error {
	return s.SetStringNS(ctx, store.DefaultNamespace, name, value)
}

func (s *memStore) GetBytes(ctx context.Context, name string) ([]byte, bool, error) {
	return s.GetBytesNS(ctx, store.DefaultNamespace, name)
}

func (s *memStore) SetBytes(ctx context.Context, name string, value []byte) error {
	return s.SetBytesNS(ctx, store.DefaultNamespace, name, value)
}

func (s *memStore) GetStringNS(_ context.Context, ns, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[kvKey{ns, name}]
	return string(v), ok, nil
}

func (s *memStore) SetStringNS(_ context.Context, ns, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[kvKey{ns, name}] = []byte(value)
	return nil
}

func (s *memStore) GetBytesNS(_ context.Context, ns, name string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[kvKey{ns, name}]
	return v, ok, nil
}

func (s *memStore) SetBytesNS(_ context.Context, ns, name string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[kvKey{ns, name}] = value
	return nil
}

func (s *memStore) StoreRoom(_ context.Context, roomID string, cfg store.RoomConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = cfg
	return nil
}

func (s *memStore) GetRoom(_ context.Context, roomID string) (store.RoomConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.rooms[roomID]
	return cfg, ok, nil
}

func (s *memStore) FlagUsersOutdated(_ context.Context, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range userIDs {
		s.outdated[u] = true
	}
	return nil
}

func (s *memStore) IsUserOutdated(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outdated, seen := s.outdated[userID]
	if !seen {
		return true, nil
	}
	return outdated, nil
}

func (s *memStore) SetActiveUserDevices(_ context.Context, userID string, devices []store.UserDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outdated[userID] = false
	for k, d := range s.devices {
		if k.userID == userID {
			d.Active = false
			s.devices[k] = d
		}
	}
	for _, d := range devices {
		d.UserID = userID
		d.Active = true
		s.devices[deviceKey{userID, d.DeviceID}] = d
	}
	return nil
}

func (s *memStore) GetActiveUserDevices(_ context.Context, userID string) ([]store.UserDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.UserDevice
	for k, d := range s.devices {
		if k.userID == userID && d.Active {
			out = append(out, d)
		}
	}
	sortDevices(out)
	return out, nil
}

func (s *memStore) GetAllUserDevices(_ context.Context, userID string) ([]store.UserDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.UserDevice
	for k, d := range s.devices {
		if k.userID == userID {
			out = append(out, d)
		}
	}
	sortDevices(out)
	return out, nil
}

func sortDevices(d []store.UserDevice) {
	sort.Slice(d, func(i, j int) bool { return d[i].DeviceID < d[j].DeviceID })
}

func (s *memStore) GetActiveUserDevice(_ context.Context, userID, deviceID string) (store.UserDevice, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceKey{userID, deviceID}]
	if !ok || !d.Active {
		return store.UserDevice{}, false, nil
	}
	return d, true, nil
}

func (s *memStore) StoreOutboundGroupSession(ctx context.Context, sess store.OutboundGroupSession) error {
	return s.StoreOutboundGroupSessionNS(ctx, store.DefaultNamespace, sess)
}

func (s *memStore) StoreOutboundGroupSessionNS(_ context.Context, ns string, sess store.OutboundGroupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.IsCurrent {
		for k, existing := range s.outbound {
			if k.ns == ns && k.roomID == sess.RoomID {
				existing.IsCurrent = false
				s.outbound[k] = existing
			}
		}
	}
	s.outbound[ogsKey{ns, sess.RoomID, sess.SessionID}] = sess
	return nil
}

func (s *memStore) GetCurrentOutboundGroupSession(ctx context.Context, roomID string) (store.OutboundGroupSession, bool, error) {
	return s.GetCurrentOutboundGroupSessionNS(ctx, store.DefaultNamespace, roomID)
}

func (s *memStore) GetCurrentOutboundGroupSessionNS(_ context.Context, ns, roomID string) (store.OutboundGroupSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, sess := range s.outbound {
		if k.ns == ns && k.roomID == roomID && sess.IsCurrent {
			return sess, true, nil
		}
	}
	return store.OutboundGroupSession{}, false, nil
}

func (s *memStore) GetOutboundGroupSession(ctx context.Context, roomID, sessionID string) (store.OutboundGroupSession, bool, error) {
	return s.GetOutboundGroupSessionNS(ctx, store.DefaultNamespace, roomID, sessionID)
}

func (s *memStore) GetOutboundGroupSessionNS(_ context.Context, ns, roomID, sessionID string) (store.OutboundGroupSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.outbound[ogsKey{ns, roomID, sessionID}]
	return sess, ok, nil
}

func (s *memStore) StoreSentSession(ctx context.Context, sent store.SentSession) error {
	return s.StoreSentSessionNS(ctx, store.DefaultNamespace, sent)
}

func (s *memStore) StoreSentSessionNS(_ context.Context, ns string, sent store.SentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sentKey(ns, sent.RoomID, sent.SessionID, sent.UserID, sent.DeviceID)
	if _, exists := s.sent[k]; exists {
		return nil // insert-if-not-exists: conflicts are silently ignored
	}
	s.sent[k] = sent
	return nil
}

func (s *memStore) GetLastSentSession(ctx context.Context, userID, deviceID, roomID string) (store.SentSession, bool, error) {
	return s.GetLastSentSessionNS(ctx, store.DefaultNamespace, userID, deviceID, roomID)
}

func (s *memStore) GetLastSentSessionNS(_ context.Context, ns, userID, deviceID, roomID string) (store.SentSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best store.SentSession
	var found bool
	for k, sent := range s.sent {
		if !strings.HasPrefix(k, ns+"\x00"+roomID+"\x00") || sent.UserID != userID || sent.DeviceID != deviceID {
			continue
		}
		if !found || sent.SessionIndex > best.SessionIndex {
			best = sent
			found = true
		}
	}
	return best, found, nil
}

func (s *memStore) StoreOlmSession(ctx context.Context, sess store.OlmSession) error {
	return s.StoreOlmSessionNS(ctx, store.DefaultNamespace, sess)
}

func (s *memStore) StoreOlmSessionNS(_ context.Context, ns string, sess store.OlmSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.olm[olmKey{ns, sess.UserID, sess.DeviceID, sess.SessionID}] = sess
	return nil
}

func (s *memStore) GetCurrentOlmSession(ctx context.Context, userID, deviceID string) (store.OlmSession, bool, error) {
	return s.GetCurrentOlmSessionNS(ctx, store.DefaultNamespace, userID, deviceID)
}

func (s *memStore) GetCurrentOlmSessionNS(_ context.Context, ns, userID, deviceID string) (store.OlmSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best store.OlmSession
	var found bool
	for k, sess := range s.olm {
		if k.ns != ns || k.userID != userID || k.deviceID != deviceID {
			continue
		}
		if !found || sess.LastDecryptionAt.After(best.LastDecryptionAt) {
			best = sess
			found = true
		}
	}
	return best, found, nil
}

func (s *memStore) GetOlmSessions(ctx context.Context, userID, deviceID string) ([]store.OlmSession, error) {
	return s.GetOlmSessionsNS(ctx, store.DefaultNamespace, userID, deviceID)
}

func (s *memStore) GetOlmSessionsNS(_ context.Context, ns, userID, deviceID string) ([]store.OlmSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.OlmSession
	for k, sess := range s.olm {
		if k.ns == ns && k.userID == userID && k.deviceID == deviceID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastDecryptionAt.After(out[j].LastDecryptionAt) })
	return out, nil
}

func (s *memStore) StoreInboundGroupSession(ctx context.Context, sess store.InboundGroupSession) error {
	return s.StoreInboundGroupSessionNS(ctx, store.DefaultNamespace, sess)
}

func (s *memStore) StoreInboundGroupSessionNS(_ context.Context, ns string, sess store.InboundGroupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound[igsKey{ns, sess.SenderUserID, sess.RoomID, sess.SessionID}] = sess
	return nil
}

func (s *memStore) GetInboundGroupSession(ctx context.Context, senderUserID, roomID, sessionID string) (store.InboundGroupSession, bool, error) {
	return s.GetInboundGroupSessionNS(ctx, store.DefaultNamespace, senderUserID, roomID, sessionID)
}

func (s *memStore) GetInboundGroupSessionNS(_ context.Context, ns, senderUserID, roomID, sessionID string) (store.InboundGroupSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.inbound[igsKey{ns, senderUserID, roomID, sessionID}]
	return sess, ok, nil
}

func (s *memStore) SetMessageIndexForEvent(ctx context.Context, roomID, sessionID string, index uint32, eventID string) error {
	return s.SetMessageIndexForEventNS(ctx, store.DefaultNamespace, roomID, sessionID, index, eventID)
}

func (s *memStore) SetMessageIndexForEventNS(_ context.Context, ns, roomID, sessionID string, index uint32, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := replayKey{ns, roomID, sessionID, index}
	if _, ok := s.replay[k]; ok {
		// First claim wins; callers compare event ids to detect replays.
		return nil
	}
	s.replay[k] = eventID
	return nil
}

func (s *memStore) GetEventForMessageIndex(ctx context.Context, roomID, sessionID string, index uint32) (string, bool, error) {
	return s.GetEventForMessageIndexNS(ctx, store.DefaultNamespace, roomID, sessionID, index)
}

func (s *memStore) GetEventForMessageIndexNS(_ context.Context, ns, roomID, sessionID string, index uint32) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eventID, ok := s.replay[replayKey{ns, roomID, sessionID, index}]
	return eventID, ok, nil
}

func (s *memStore) StorageForUser(userID string) store.Store {
	return store.NewNamespacedStore(s, userID)
}
