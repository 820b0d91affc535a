// Package keywrap encrypts private key material at rest.
//
// Keys are sealed with AES-256-GCM under a process-wide master key. The
// master key lives in configuration only; it is never written to the
// store that holds the wrapped keys.
package keywrap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	dErrors "clavis/pkg/domain-errors"
)

const versionByte = 0x01

// Wrapper seals and opens private key material.
type Wrapper struct {
	key [32]byte
}

// New derives a wrapper from the configured master key string.
func New(masterKey string) (*Wrapper, error) {
	if masterKey == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "master key is required")
	}
	return &Wrapper{key: sha256.Sum256([]byte(masterKey))}, nil
}

// Seal encrypts plaintext. Output layout: version byte, nonce, ciphertext.
func (w *Wrapper) Seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(w.key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ct := gcm.Seal(nil, nonce, plain, nil)
	out := make([]byte, 1+len(nonce)+len(ct))
	out[0] = versionByte
	copy(out[1:1+len(nonce)], nonce)
	copy(out[1+len(nonce):], ct)
	return out, nil
}

// Open decrypts data produced by Seal.
func (w *Wrapper) Open(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 || sealed[0] != versionByte {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unrecognized sealed key format")
	}
	block, err := aes.NewCipher(w.key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	if len(sealed) < 1+gcm.NonceSize() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "sealed key too short")
	}
	nonce := sealed[1 : 1+gcm.NonceSize()]
	ct := sealed[1+gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not unseal key material")
	}
	return plain, nil
}
