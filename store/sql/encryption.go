package sql

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const kvNonceSize = 24

// kvCipher encrypts kv values at rest with NaCl secretbox. A nil *kvCipher
// passes values through unchanged, so encryption is opt-in per store.
type kvCipher struct {
	key [32]byte
}

// newKVCipher builds a cipher from a base64-encoded 32-byte key. An empty
// key disables encryption and returns a nil cipher, not an error.
func newKVCipher(base64Key string) (*kvCipher, error) {
	if base64Key == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %v", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(raw))
	}
	c := &kvCipher{}
	copy(c.key[:], raw)
	return c, nil
}

func (c *kvCipher) seal(plaintext []byte) ([]byte, error) {
	if c == nil {
		return plaintext, nil
	}
	var nonce [kvNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %v", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &c.key), nil
}

func (c *kvCipher) open(sealed []byte) ([]byte, error) {
	if c == nil {
		return sealed, nil
	}
	if len(sealed) < kvNonceSize {
		return nil, fmt.Errorf("sealed value shorter than nonce")
	}
	var nonce [kvNonceSize]byte
	copy(nonce[:], sealed[:kvNonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[kvNonceSize:], &nonce, &c.key)
	if !ok {
		return nil, fmt.Errorf("kv value failed to decrypt, wrong key?")
	}
	return plaintext, nil
}
