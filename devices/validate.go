package devices

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/coralmesh/e2ee/store"
)

// dropReason labels why a returned device was rejected during refresh.
// These feed the device-drop metric and the warning log, never the caller.
type dropReason string

const (
	dropIDMismatch   dropReason = "id_mismatch"
	dropMissingKeys  dropReason = "missing_keys"
	dropKeyChanged   dropReason = "key_changed"
	dropBadSignature dropReason = "bad_signature"
)

// wireDevice is a device record as returned by /keys/query.
type wireDevice struct {
	UserID     string                       `json:"user_id"`
	DeviceID   string                       `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures"`
	Unsigned   map[string]interface{}       `json:"unsigned,omitempty"`
}

// validateDevice checks one server-returned device against the enclosing
// map keys and the previously stored record. A non-empty dropReason means
// the device is discarded; the stored record (if any) stays untouched.
func validateDevice(userID, deviceID string, d wireDevice, existing *store.UserDevice) (store.UserDevice, dropReason, error) {
	// The embedded ids must match the keys the server filed the record
	// under; a mismatch is a server lying about whose device this is.
	if d.UserID != userID || d.DeviceID != deviceID {
		return store.UserDevice{}, dropIDMismatch, fmt.Errorf("embedded ids %q/%q do not match %q/%q", d.UserID, d.DeviceID, userID, deviceID)
	}

	ed25519Key := d.Keys["ed25519:"+deviceID]
	curveKey := d.Keys["curve25519:"+deviceID]
	if ed25519Key == "" || curveKey == "" {
		return store.UserDevice{}, dropMissingKeys, fmt.Errorf("missing ed25519 or curve25519 key")
	}

	// Trust-on-first-use: the identity key filed for a device id never
	// changes. A refresh presenting a different one is treated as a
	// compromised or reused device id and the stored record wins.
	if existing != nil && existing.Ed25519() != "" && existing.Ed25519() != ed25519Key {
		return store.UserDevice{}, dropKeyChanged, fmt.Errorf("ed25519 key changed from %q", existing.Ed25519())
	}

	if err := verifySelfSignature(d, ed25519Key); err != nil {
		return store.UserDevice{}, dropBadSignature, err
	}

	displayName, _ := d.Unsigned["device_display_name"].(string)
	return store.UserDevice{
		UserID:      d.UserID,
		DeviceID:    d.DeviceID,
		Algorithms:  d.Algorithms,
		Keys:        d.Keys,
		Signatures:  d.Signatures,
		DisplayName: displayName,
	}, "", nil
}

// verifySelfSignature checks the device's ed25519 signature over its own
// canonical serialization (the record minus signatures and unsigned).
func verifySelfSignature(d wireDevice, ed25519Key string) error {
	sig := d.Signatures[d.UserID]["ed25519:"+d.DeviceID]
	if sig == "" {
		return fmt.Errorf("no self-signature")
	}

	canonical, err := canonicalDeviceJSON(d)
	if err != nil {
		return fmt.Errorf("canonicalize device: %v", err)
	}

	pubKey, err := base64.RawStdEncoding.DecodeString(ed25519Key)
	if err != nil {
		return fmt.Errorf("decode ed25519 key: %v", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("ed25519 key is %d bytes", len(pubKey))
	}
	sigBytes, err := base64.RawStdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("decode signature: %v", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(pubKey), canonical, sigBytes) {
		return fmt.Errorf("self-signature verification failed")
	}
	return nil
}

// canonicalDeviceJSON serializes the signable portion of a device record
// with lexicographically sorted keys and no insignificant whitespace.
// encoding/json already sorts map keys, so marshaling through a map is
// canonical enough for this shape (string-valued leaves, no floats).
func canonicalDeviceJSON(d wireDevice) ([]byte, error) {
	m := map[string]interface{}{
		"user_id":    d.UserID,
		"device_id":  d.DeviceID,
		"algorithms": d.Algorithms,
		"keys":       d.Keys,
	}
	return json.Marshal(m)
}
