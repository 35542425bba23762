// Package vault stores the pickle key in a HashiCorp Vault KV mount.
// When this provider is configured, the pickle key never touches the
// main crypto store.
package vault

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"github.com/coralmesh/e2ee/secret"
)

// Config holds the connection parameters for the Vault provider.
type Config struct {
	// Address of the Vault server, e.g. "https://vault.internal:8200".
	Address string `json:"address" yaml:"address"`

	// Token used to authenticate. Read-only tokens are valid: writes then
	// surface secret.ErrWriteRefused and the caller keeps its generated
	// key in memory for the process lifetime.
	Token string `json:"token" yaml:"token"`

	// Path of the secret, e.g. "secret/data/e2ee/pickle-key".
	Path string `json:"path" yaml:"path"`
}

// Open connects to Vault and returns the provider.
func (c *Config) Open() (secret.Provider, error) {
	if c.Address == "" || c.Path == "" {
		return nil, fmt.Errorf("vault: address and path are required")
	}
	cfg := vault.DefaultConfig()
	cfg.Address = c.Address
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %v", err)
	}
	client.SetToken(c.Token)
	return &provider{client: client, path: c.Path}, nil
}

type provider struct {
	client *vault.Client
	path   string
}

const dataField = "pickle_key"

func (p *provider) GetPickleKey(ctx context.Context) ([]byte, bool, error) {
	s, err := p.client.Logical().ReadWithContext(ctx, p.path)
	if err != nil {
		return nil, false, fmt.Errorf("vault: read %s: %w", p.path, err)
	}
	if s == nil {
		return nil, false, nil
	}

	data := s.Data
	// KV v2 nests the payload one level down.
	if inner, ok := s.Data["data"].(map[string]interface{}); ok {
		data = inner
	}
	raw, ok := data[dataField].(string)
	if !ok || raw == "" {
		return nil, false, nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, false, fmt.Errorf("vault: secret %s field %s is not base64: %v", p.path, dataField, err)
	}
	return key, true, nil
}

func (p *provider) SetPickleKey(ctx context.Context, key []byte) error {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			dataField: base64.StdEncoding.EncodeToString(key),
		},
	}
	_, err := p.client.Logical().WriteWithContext(ctx, p.path, payload)
	if err != nil {
		if isPermissionDenied(err) {
			return secret.ErrWriteRefused
		}
		return fmt.Errorf("vault: write %s: %w", p.path, err)
	}
	return nil
}

func isPermissionDenied(err error) bool {
	respErr, ok := err.(*vault.ResponseError)
	if ok && (respErr.StatusCode == 403 || respErr.StatusCode == 405) {
		return true
	}
	return strings.Contains(err.Error(), "permission denied")
}
