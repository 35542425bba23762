package store

import "context"

// namespacedStore scopes kv and every other per-namespace table to ns
// while routing room and user/device calls straight through to the
// shared backend. It shares the backend's connection/prepared statements; the
// wrapper itself holds no state beyond the namespace string.
type namespacedStore struct {
	backend Namespaced
	ns      string
}

// Namespaced is implemented by backends that can serve more than one
// logical tenant over the same physical connection. NewNamespacedStore
// wraps one into a Store scoped to a single namespace.
type Namespaced interface {
	Store

	// namespaced variants of the per-namespace operations; the exported
	// Store methods on the root backend always use DefaultNamespace.
	StoreOutboundGroupSessionNS(ctx context.Context, ns string, s OutboundGroupSession) error
	GetCurrentOutboundGroupSessionNS(ctx context.Context, ns, roomID string) (OutboundGroupSession, bool, error)
	GetOutboundGroupSessionNS(ctx context.Context, ns, roomID, sessionID string) (OutboundGroupSession, bool, error)

	StoreSentSessionNS(ctx context.Context, ns string, s SentSession) error
	GetLastSentSessionNS(ctx context.Context, ns, userID, deviceID, roomID string) (SentSession, bool, error)

	StoreOlmSessionNS(ctx context.Context, ns string, s OlmSession) error
	GetCurrentOlmSessionNS(ctx context.Context, ns, userID, deviceID string) (OlmSession, bool, error)
	GetOlmSessionsNS(ctx context.Context, ns, userID, deviceID string) ([]OlmSession, error)

	StoreInboundGroupSessionNS(ctx context.Context, ns string, s InboundGroupSession) error
	GetInboundGroupSessionNS(ctx context.Context, ns, senderUserID, roomID, sessionID string) (InboundGroupSession, bool, error)

	SetMessageIndexForEventNS(ctx context.Context, ns, roomID, sessionID string, index uint32, eventID string) error
	GetEventForMessageIndexNS(ctx context.Context, ns, roomID, sessionID string, index uint32) (string, bool, error)

	GetStringNS(ctx context.Context, ns, name string) (string, bool, error)
	SetStringNS(ctx context.Context, ns, name, value string) error
	GetBytesNS(ctx context.Context, ns, name string) ([]byte, bool, error)
	SetBytesNS(ctx context.Context, ns, name string, value []byte) error
}

// NewNamespacedStore returns a Store view of backend scoped to ns. Room
// configs and user/device inventories are NOT namespaced, since they
// describe server-side identities shared by every tenant; only kv,
// Olm/Megolm session state, and replay metadata are scoped.
func NewNamespacedStore(backend Namespaced, ns string) Store {
	return &namespacedStore{backend: backend, ns: ns}
}

func (v *namespacedStore) Close() error { return v.backend.Close() }

func (v *namespacedStore) GetString(ctx context.Context, name string) (string, bool, error) {
	return v.backend.GetStringNS(ctx, v.ns, name)
}

func (v *namespacedStore) SetString(ctx context.Context, name, value string) error {
	return v.backend.SetStringNS(ctx, v.ns, name, value)
}

func (v *namespacedStore) GetBytes(ctx context.Context, name string) ([]byte, bool, error) {
	return v.backend.GetBytesNS(ctx, v.ns, name)
}

func (v *namespacedStore) SetBytes(ctx context.Context, name string, value []byte) error {
	return v.backend.SetBytesNS(ctx, v.ns, name, value)
}

// StoreRoom is global: rooms are not namespaced.
func (v *namespacedStore) StoreRoom(ctx context.Context, roomID string, cfg RoomConfig) error {
	return v.backend.StoreRoom(ctx, roomID, cfg)
}

// GetRoom is global: rooms are not namespaced.
func (v *namespacedStore) GetRoom(ctx context.Context, roomID string) (RoomConfig, bool, error) {
	return v.backend.GetRoom(ctx, roomID)
}

// FlagUsersOutdated is global: user/device inventories are not namespaced.
func (v *namespacedStore) FlagUsersOutdated(ctx context.Context, userIDs []string) error {
	return v.backend.FlagUsersOutdated(ctx, userIDs)
}

func (v *namespacedStore) IsUserOutdated(ctx context.Context, userID string) (bool, error) {
	return v.backend.IsUserOutdated(ctx, userID)
}

func (v *namespacedStore) SetActiveUserDevices(ctx context.Context, userID string, devices []UserDevice) error {
	return v.backend.SetActiveUserDevices(ctx, userID, devices)
}

func (v *namespacedStore) GetActiveUserDevices(ctx context.Context, userID string) ([]UserDevice, error) {
	return v.backend.GetActiveUserDevices(ctx, userID)
}

func (v *namespacedStore) GetAllUserDevices(ctx context.Context, userID string) ([]UserDevice, error) {
	return v.backend.GetAllUserDevices(ctx, userID)
}

func (v *namespacedStore) GetActiveUserDevice(ctx context.Context, userID, deviceID string) (UserDevice, bool, error) {
	return v.backend.GetActiveUserDevice(ctx, userID, deviceID)
}

func (v *namespacedStore) StoreOutboundGroupSession(ctx context.Context, s OutboundGroupSession) error {
	return v.backend.StoreOutboundGroupSessionNS(ctx, v.ns, s)
}

func (v *namespacedStore) GetCurrentOutboundGroupSession(ctx context.Context, roomID string) (OutboundGroupSession, bool, error) {
	return v.backend.GetCurrentOutboundGroupSessionNS(ctx, v.ns, roomID)
}

func (v *namespacedStore) GetOutboundGroupSession(ctx context.Context, roomID, sessionID string) (OutboundGroupSession, bool, error) {
	return v.backend.GetOutboundGroupSessionNS(ctx, v.ns, roomID, sessionID)
}

func (v *namespacedStore) StoreSentSession(ctx context.Context, s SentSession) error {
	return v.backend.StoreSentSessionNS(ctx, v.ns, s)
}

func (v *namespacedStore) GetLastSentSession(ctx context.Context, userID, deviceID, roomID string) (SentSession, bool, error) {
	return v.backend.GetLastSentSessionNS(ctx, v.ns, userID, deviceID, roomID)
}

func (v *namespacedStore) StoreOlmSession(ctx context.Context, s OlmSession) error {
	return v.backend.StoreOlmSessionNS(ctx, v.ns, s)
}

func (v *namespacedStore) GetCurrentOlmSession(ctx context.Context, userID, deviceID string) (OlmSession, bool, error) {
	return v.backend.GetCurrentOlmSessionNS(ctx, v.ns, userID, deviceID)
}

func (v *namespacedStore) GetOlmSessions(ctx context.Context, userID, deviceID string) ([]OlmSession, error) {
	return v.backend.GetOlmSessionsNS(ctx, v.ns, userID, deviceID)
}

func (v *namespacedStore) StoreInboundGroupSession(ctx context.Context, s InboundGroupSession) error {
	return v.backend.StoreInboundGroupSessionNS(ctx, v.ns, s)
}

func (v *namespacedStore) GetInboundGroupSession(ctx context.Context, senderUserID, roomID, sessionID string) (InboundGroupSession, bool, error) {
	return v.backend.GetInboundGroupSessionNS(ctx, v.ns, senderUserID, roomID, sessionID)
}

func (v *namespacedStore) SetMessageIndexForEvent(ctx context.Context, roomID, sessionID string, index uint32, eventID string) error {
	return v.backend.SetMessageIndexForEventNS(ctx, v.ns, roomID, sessionID, index, eventID)
}

func (v *namespacedStore) GetEventForMessageIndex(ctx context.Context, roomID, sessionID string, index uint32) (string, bool, error) {
	return v.backend.GetEventForMessageIndexNS(ctx, v.ns, roomID, sessionID, index)
}

func (v *namespacedStore) StorageForUser(userID string) Store {
	return NewNamespacedStore(v.backend, userID)
}
