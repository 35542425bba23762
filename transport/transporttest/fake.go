// Package transporttest provides an in-memory transport.Client for
// component tests. It records every call and serves scripted responses,
// with just enough backup-version bookkeeping to exercise the key backup
// lifecycle end to end.
package transporttest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/coralmesh/e2ee/transport"
)

// Call records one request made through the fake.
type Call struct {
	Endpoint  string // "keys/upload", "keys/query", ... mirrors the REST path
	EventType string // to-device only
	TxnID     string // to-device only
	Version   string // room_keys/keys only
	Body      json.RawMessage
}

// Fake implements transport.Client in memory. The zero value is usable.
type Fake struct {
	mu    sync.Mutex
	calls []Call

	// Scripted responses; nil means "empty JSON object".
	KeysUploadResponse json.RawMessage
	KeysQueryResponse  json.RawMessage
	KeysClaimResponse  json.RawMessage

	// Err, when set, is returned by every keys, to-device and
	// room_keys/keys call; the backup-version calls ignore it.
	Err error

	// MembersByRoom maps roomID -> membership -> user ids.
	MembersByRoom map[string]map[string][]string
	MembersErr    map[string]error // membership -> error, for partial failures

	// StateByRoom maps roomID -> eventType -> content.
	StateByRoom map[string]map[string]json.RawMessage

	backup      *transport.KeyBackupVersion
	nextVersion int
	putCount    int
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

// Calls returns a copy of every recorded call, in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded calls for one endpoint.
func (f *Fake) CallsTo(endpoint string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Endpoint == endpoint {
			out = append(out, c)
		}
	}
	return out
}

func orEmpty(body json.RawMessage) json.RawMessage {
	if body == nil {
		return json.RawMessage(`{}`)
	}
	return body
}

func (f *Fake) KeysUpload(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	f.record(Call{Endpoint: "keys/upload", Body: body})
	if f.Err != nil {
		return nil, f.Err
	}
	return orEmpty(f.KeysUploadResponse), nil
}

func (f *Fake) KeysQuery(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	f.record(Call{Endpoint: "keys/query", Body: body})
	if f.Err != nil {
		return nil, f.Err
	}
	return orEmpty(f.KeysQueryResponse), nil
}

func (f *Fake) KeysClaim(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	f.record(Call{Endpoint: "keys/claim", Body: body})
	if f.Err != nil {
		return nil, f.Err
	}
	return orEmpty(f.KeysClaimResponse), nil
}

func (f *Fake) SendToDevice(ctx context.Context, eventType, txnID string, body json.RawMessage) (json.RawMessage, error) {
	f.record(Call{Endpoint: "sendToDevice", EventType: eventType, TxnID: txnID, Body: body})
	if f.Err != nil {
		return nil, f.Err
	}
	return json.RawMessage(`{}`), nil
}

func (f *Fake) GetKeyBackupVersion(ctx context.Context) (*transport.KeyBackupVersion, error) {
	f.record(Call{Endpoint: "room_keys/version:get"})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backup == nil {
		return nil, nil
	}
	cp := *f.backup
	return &cp, nil
}

func (f *Fake) CreateKeyBackupVersion(ctx context.Context, algorithm string, authData map[string]interface{}) (string, error) {
	f.record(Call{Endpoint: "room_keys/version:create"})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextVersion++
	version := strconv.Itoa(f.nextVersion)
	f.backup = &transport.KeyBackupVersion{
		Version:   version,
		Algorithm: algorithm,
		AuthData:  authData,
		Count:     0,
		ETag:      "etag0",
	}
	return version, nil
}

func (f *Fake) PutRoomKeys(ctx context.Context, version string, body json.RawMessage) (json.RawMessage, error) {
	f.record(Call{Endpoint: "room_keys/keys", Version: version, Body: body})
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backup == nil || f.backup.Version != version {
		return nil, &transport.Error{StatusCode: 404, Code: "M_NOT_FOUND", Message: "unknown backup version"}
	}
	f.putCount++
	f.backup.Count++
	f.backup.ETag = fmt.Sprintf("etag%d", f.putCount)
	resp, _ := json.Marshal(map[string]interface{}{"count": f.backup.Count, "etag": f.backup.ETag})
	return resp, nil
}

func (f *Fake) Members(ctx context.Context, roomID string, memberships []string) ([]string, error) {
	f.record(Call{Endpoint: "members"})
	var out []string
	for _, m := range memberships {
		if err, ok := f.MembersErr[m]; ok && err != nil {
			return nil, err
		}
		out = append(out, f.MembersByRoom[roomID][m]...)
	}
	return out, nil
}

func (f *Fake) RoomState(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error) {
	f.record(Call{Endpoint: "state"})
	return f.StateByRoom[roomID][eventType], nil
}

var _ transport.Client = (*Fake)(nil)
