package auth

import (
	"context"
	"crypto/subtle"
)

// KeyInfo identifies an authenticated client.
type KeyInfo struct {
	Prefix string
}

// KeyStore validates client keys by hash.
type KeyStore interface {
	// Required reports whether clients must present a key at all.
	Required() bool
	Lookup(ctx context.Context, keyHash string) (*KeyInfo, error)
}

// StaticKeyStore accepts the single key from the gateway config. The key is
// read on every lookup so config reloads apply immediately.
type StaticKeyStore struct {
	key func() string
}

func NewStaticKeyStore(key func() string) *StaticKeyStore {
	return &StaticKeyStore{key: key}
}

func (s *StaticKeyStore) Required() bool { return s.key() != "" }

func (s *StaticKeyStore) Lookup(_ context.Context, keyHash string) (*KeyInfo, error) {
	key := s.key()
	if key == "" {
		return nil, nil
	}
	if subtle.ConstantTimeCompare([]byte(HashKey(key)), []byte(keyHash)) != 1 {
		return nil, nil
	}
	return &KeyInfo{Prefix: KeyPrefix(key)}, nil
}
