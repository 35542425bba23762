// Package secret defines the pluggable pickle-key provider. The pickle
// key protects every serialized cryptographic blob in the store; where it
// lives is a deployment decision, so the crypto session takes a Provider
// rather than assuming the main database.
package secret

import (
	"context"
	"errors"
)

// ErrWriteRefused is returned by providers that cannot or will not accept
// a write (a read-only vault token, a sealed vault). Callers must
// tolerate it without falling back to writing the key anywhere else: a
// deployment that configured an external vault chose not to have pickle
// keys in the main store.
var ErrWriteRefused = errors.New("secret backend refused the write")

// Provider stores and retrieves the Olm pickle key.
type Provider interface {
	// GetPickleKey returns the pickle key, or ok=false if none has been
	// stored yet.
	GetPickleKey(ctx context.Context) (key []byte, ok bool, err error)

	// SetPickleKey persists a newly generated pickle key. May return
	// ErrWriteRefused.
	SetPickleKey(ctx context.Context, key []byte) error
}
