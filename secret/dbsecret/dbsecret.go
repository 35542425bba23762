// Package dbsecret stores the pickle key in the crypto store's kv table.
// This is the default provider; deployments that must keep key material
// out of the main database use secret/vault instead.
package dbsecret

import (
	"context"

	"github.com/coralmesh/e2ee/secret"
	"github.com/coralmesh/e2ee/store"
)

const kvName = "pickle_key"

// New returns a Provider backed by s. The provider inherits whatever
// namespace s is scoped to, so namespaced views get per-tenant keys.
func New(s store.Store) secret.Provider {
	return &provider{s}
}

type provider struct {
	store store.Store
}

func (p *provider) GetPickleKey(ctx context.Context) ([]byte, bool, error) {
	return p.store.GetBytes(ctx, kvName)
}

func (p *provider) SetPickleKey(ctx context.Context, key []byte) error {
	return p.store.SetBytes(ctx, kvName, key)
}
