// Package cryptostore provides at-rest AES-GCM encryption for per-user
// ledger lines and uploaded image files, activated by
// internal/config.EncryptionConfig. It is grounded in the key/nonce
// scheme of original_source/Always/backserver/crypto_utils.py: a
// urlsafe-base64 key decoded to 16/24/32 bytes, a 12-byte random nonce
// prepended to the ciphertext, and JSON entries wrapped as
// {"enc": <b64>, "v": 1}.
package cryptostore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	alerrors "github.com/allcare-health/al-backend/pkg/shared/errors"
)

const nonceSize = 12

// envelope is the on-disk wrapper for an encrypted JSON ledger line.
type envelope struct {
	Enc string `json:"enc"`
	V   int    `json:"v"`
}

// Store encrypts and decrypts bytes, JSON lines, and image files with a
// single AES-GCM key. A zero-value Store (Enabled == false) passes data
// through unchanged, so callers can hold a Store unconditionally and let
// it decide whether to encrypt.
type Store struct {
	Enabled bool
	aead    cipher.AEAD
}

// New builds a Store from a urlsafe-base64-encoded key. The key must
// decode to 16, 24, or 32 bytes (AES-128/192/256). If enabled is false,
// key may be empty; the returned Store passes all data through
// unchanged.
func New(enabled bool, key string) (*Store, error) {
	if !enabled {
		store := &Store{Enabled: false}
		if raw, err := decodeKey(key); err == nil {
			if block, err := aes.NewCipher(raw); err == nil {
				if gcm, err := cipher.NewGCM(block); err == nil {
					store.aead = gcm
				}
			}
		}
		return store, nil
	}
	raw, err := decodeKey(key)
	if err != nil {
		return nil, alerrors.FailedToWithDetails("initialize encryption key", "cryptostore", "", err)
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, alerrors.FailedToWithDetails("build AES cipher", "cryptostore", "", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, alerrors.FailedToWithDetails("build AES-GCM", "cryptostore", "", err)
	}
	return &Store{Enabled: true, aead: gcm}, nil
}

func decodeKey(key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("encryption key is not set")
	}
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		// Tolerate a standard (padded) urlsafe encoding too.
		raw, err = base64.URLEncoding.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
		}
	}
	switch len(raw) {
	case 16, 24, 32:
		return raw, nil
	default:
		return nil, fmt.Errorf("encryption key must decode to 16, 24, or 32 bytes, got %d", len(raw))
	}
}

// EncryptBytes encrypts data with a fresh random nonce, returning
// nonce||ciphertext. Returns an error if encryption is disabled.
func (s *Store) EncryptBytes(data []byte) ([]byte, error) {
	if !s.Enabled {
		return nil, fmt.Errorf("encryption is disabled")
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, alerrors.FailedToWithDetails("generate nonce", "cryptostore", "", err)
	}
	ciphertext := s.aead.Seal(nil, nonce, data, nil)
	return append(nonce, ciphertext...), nil
}

// DecryptBytes reverses EncryptBytes. Works even when s.Enabled is
// false, as long as a key was supplied at construction time, mirroring
// the original's "decrypt requires a key, not necessarily the enabled
// flag" behavior so already-encrypted data stays readable after
// encryption is turned off.
func (s *Store) DecryptBytes(payload []byte) ([]byte, error) {
	if s.aead == nil {
		return nil, fmt.Errorf("encryption key is not configured")
	}
	if len(payload) < nonceSize {
		return nil, fmt.Errorf("encrypted payload is too short")
	}
	nonce, ciphertext := payload[:nonceSize], payload[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, alerrors.FailedToWithDetails("decrypt payload", "cryptostore", "", err)
	}
	return plaintext, nil
}

// EncryptJSON marshals v and wraps the ciphertext in the {"enc","v"}
// envelope used for per-user ledger lines.
func (s *Store) EncryptJSON(v interface{}) ([]byte, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, alerrors.FailedToWithDetails("marshal entry", "cryptostore", "", err)
	}
	payload, err := s.EncryptBytes(encoded)
	if err != nil {
		return nil, err
	}
	env := envelope{Enc: base64.URLEncoding.EncodeToString(payload), V: 1}
	return json.Marshal(env)
}

// DecryptJSON reverses EncryptJSON into out (a pointer).
func (s *Store) DecryptJSON(line []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return alerrors.FailedToWithDetails("parse encrypted envelope", "cryptostore", "", err)
	}
	if env.Enc == "" {
		return fmt.Errorf("encrypted entry missing 'enc'")
	}
	payload, err := base64.URLEncoding.DecodeString(env.Enc)
	if err != nil {
		return alerrors.FailedToWithDetails("decode encrypted envelope", "cryptostore", "", err)
	}
	plaintext, err := s.DecryptBytes(payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return alerrors.FailedToWithDetails("parse decrypted entry", "cryptostore", "", err)
	}
	return nil
}

// IsEnvelope reports whether line looks like an encrypted envelope
// rather than plaintext JSON, so readers can transparently support
// mixed plaintext/encrypted history across an encryption-setting
// change.
func IsEnvelope(line []byte) bool {
	var probe struct {
		Enc *string `json:"enc"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return false
	}
	return probe.Enc != nil
}
