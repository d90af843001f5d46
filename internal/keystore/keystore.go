// Package keystore owns the device's long-term X25519 key pair. The private
// key never leaves the local store except through an explicit Export.
package keystore

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/whisper-chat/whisper/internal/cryptobox"
)

const privateKeyName = "device.private_key"

// KV is the persistence surface the key store needs; localstore satisfies it.
type KV interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
}

type Store struct {
	kv KV

	mu   sync.RWMutex
	priv []byte
	pub  []byte
}

// Open loads the persisted private key, generating and persisting a fresh key
// pair on first run. It fails closed: an error here means no identity is
// available and the caller must not proceed.
func Open(kv KV) (*Store, error) {
	priv, err := kv.Get(privateKeyName)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	if len(priv) != cryptobox.KeySize {
		priv, err = cryptobox.GenerateKey()
		if err != nil {
			return nil, err
		}
		if err := kv.Put(privateKeyName, priv); err != nil {
			return nil, fmt.Errorf("persist private key: %w", err)
		}
	}
	pub, err := cryptobox.PublicKey(priv)
	if err != nil {
		return nil, err
	}
	return &Store{kv: kv, priv: priv, pub: pub}, nil
}

// Private returns the raw private key for key agreement.
func (s *Store) Private() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priv
}

// PublicKeyBase64 returns the shareable public key.
func (s *Store) PublicKeyBase64() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return base64.StdEncoding.EncodeToString(s.pub)
}

// Export returns the private key base64-encoded for manual backup. Callers
// must warn the user before displaying it.
func (s *Store) Export() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return base64.StdEncoding.EncodeToString(s.priv)
}

// Import replaces the active key pair with the given base64 private key and
// persists it. Returns false on malformed input, leaving the previous key
// intact. The caller should republish the public key afterwards.
func (s *Store) Import(privB64 string) bool {
	priv, err := base64.StdEncoding.DecodeString(privB64)
	if err != nil || len(priv) != cryptobox.KeySize {
		return false
	}
	pub, err := cryptobox.PublicKey(priv)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Put(privateKeyName, priv); err != nil {
		return false
	}
	s.priv = priv
	s.pub = pub
	return true
}
