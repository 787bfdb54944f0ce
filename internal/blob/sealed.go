package blob

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sealedMagic prefixes every payload produced by AESGCM so plaintext written
// before encryption was enabled is still readable.
var sealedMagic = []byte("abv1")

// Cipher transforms payloads on their way into and out of a Store.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(payload []byte) ([]byte, error)
}

// Plaintext is the identity Cipher.
type Plaintext struct{}

func (Plaintext) Encrypt(p []byte) ([]byte, error) { return p, nil }
func (Plaintext) Decrypt(p []byte) ([]byte, error) { return p, nil }

// AESGCM seals payloads with AES-256-GCM. The nonce is an HMAC of the
// plaintext, so equal plaintexts produce equal ciphertexts and therefore
// equal handles.
type AESGCM struct {
	gcm      cipher.AEAD
	nonceKey []byte
}

// NewAESGCM derives the encryption and nonce keys from secret using HKDF.
func NewAESGCM(secret []byte) (*AESGCM, error) {
	if len(secret) == 0 {
		return nil, errors.New("blob: encryption secret is empty")
	}
	key, err := deriveKey(secret, "content-encryption")
	if err != nil {
		return nil, err
	}
	nonceKey, err := deriveKey(secret, "content-nonce")
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("blob: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("blob: %w", err)
	}
	return &AESGCM{gcm: gcm, nonceKey: nonceKey}, nil
}

func deriveKey(secret []byte, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte("advisor-content-store"), []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("blob: HKDF derivation failed: %w", err)
	}
	return key, nil
}

func (a *AESGCM) Encrypt(plaintext []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, a.nonceKey)
	mac.Write(plaintext)
	nonce := mac.Sum(nil)[:a.gcm.NonceSize()]

	out := make([]byte, 0, len(sealedMagic)+len(nonce)+len(plaintext)+a.gcm.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, nonce...)
	return a.gcm.Seal(out, nonce, plaintext, nil), nil
}

func (a *AESGCM) Decrypt(payload []byte) ([]byte, error) {
	if !bytes.HasPrefix(payload, sealedMagic) {
		return payload, nil
	}
	data := payload[len(sealedMagic):]
	nonceSize := a.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("blob: sealed payload too short")
	}
	plaintext, err := a.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("blob: decryption failed: %w", err)
	}
	return plaintext, nil
}

// SealedStore encrypts on Put and decrypts on Get. Handles address the
// sealed bytes, not the plaintext.
type SealedStore struct {
	inner  Store
	cipher Cipher
}

func NewSealedStore(inner Store, c Cipher) *SealedStore {
	if c == nil {
		c = Plaintext{}
	}
	return &SealedStore{inner: inner, cipher: c}
}

func (s *SealedStore) Put(ctx context.Context, data []byte) (Handle, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrWriteRejected)
	}
	sealed, err := s.cipher.Encrypt(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s.inner.Put(ctx, sealed)
}

func (s *SealedStore) Get(ctx context.Context, h Handle) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	data, err := s.cipher.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, h, err)
	}
	return data, nil
}
