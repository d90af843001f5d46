// Package cryptobox implements the message encryption protocol: X25519 key
// agreement, HKDF-SHA256 key derivation and AES-GCM authenticated encryption.
// Both parties derive the same symmetric key from their own private key and
// the other side's published public key.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the byte length of private keys, public keys and derived
// symmetric keys.
const KeySize = 32

var errMalformedKey = errors.New("cryptobox: malformed key")

// GenerateKey returns a fresh X25519 private key.
func GenerateKey() ([]byte, error) {
	priv := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return priv, nil
}

// PublicKey derives the public key for priv.
func PublicKey(priv []byte) ([]byte, error) {
	if len(priv) != KeySize {
		return nil, errMalformedKey
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return pub, nil
}

// DeriveSharedKey performs X25519 between myPriv and the peer's base64 public
// key, then HKDF-SHA256 with empty salt and info down to a 32-byte symmetric
// key. Deterministic and symmetric across the two parties.
func DeriveSharedKey(myPriv []byte, peerPublicB64 string) ([]byte, error) {
	peerPub, err := base64.StdEncoding.DecodeString(peerPublicB64)
	if err != nil || len(peerPub) != KeySize {
		return nil, errMalformedKey
	}
	shared, err := curve25519.X25519(myPriv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), key); err != nil {
		return nil, fmt.Errorf("derive symmetric key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext for the peer and returns the combined
// nonce|ciphertext|tag blob base64-encoded. Fails if the peer key is
// malformed.
func Encrypt(plaintext string, myPriv []byte, peerPublicB64 string) (string, error) {
	sealed, err := EncryptBytes([]byte(plaintext), myPriv, peerPublicB64)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt is the inverse of Encrypt. It fails soft: ok=false means the input
// was not a blob we sealed (a legacy plaintext message, or the wrong key) and
// the caller should fall back to displaying the stored content as-is.
func Decrypt(cipherB64 string, myPriv []byte, peerPublicB64 string) (string, bool) {
	sealed, err := base64.StdEncoding.DecodeString(cipherB64)
	if err != nil {
		return "", false
	}
	plain, ok := DecryptBytes(sealed, myPriv, peerPublicB64)
	if !ok {
		return "", false
	}
	return string(plain), true
}

// EncryptBytes seals data and returns the raw combined blob. Used for file
// payloads.
func EncryptBytes(data, myPriv []byte, peerPublicB64 string) ([]byte, error) {
	aead, err := newAEAD(myPriv, peerPublicB64)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// DecryptBytes opens a combined blob produced by EncryptBytes. Soft failure.
func DecryptBytes(sealed, myPriv []byte, peerPublicB64 string) ([]byte, bool) {
	aead, err := newAEAD(myPriv, peerPublicB64)
	if err != nil {
		return nil, false
	}
	if len(sealed) < aead.NonceSize() {
		return nil, false
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, false
	}
	return plain, true
}

func newAEAD(myPriv []byte, peerPublicB64 string) (cipher.AEAD, error) {
	key, err := DeriveSharedKey(myPriv, peerPublicB64)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}

// SafetyNumber renders a short human-comparable fingerprint of a key pair of
// peers for out-of-band verification. The two public keys are sorted so both
// parties compute the identical value regardless of role.
func SafetyNumber(myPublicB64, peerPublicB64 string) (string, error) {
	for _, k := range []string{myPublicB64, peerPublicB64} {
		raw, err := base64.StdEncoding.DecodeString(k)
		if err != nil || len(raw) != KeySize {
			return "", errMalformedKey
		}
	}
	keys := []string{myPublicB64, peerPublicB64}
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(keys[0] + keys[1]))

	groups := make([]string, 5)
	for i, b := range sum[:5] {
		groups[i] = fmt.Sprintf("%02d", int(b)%100)
	}
	return strings.Join(groups, " "), nil
}
