// Package crypto seals provider credentials for at-rest storage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySalt       = "email-account-credentials"
	keyIterations = 100000
	keyLength     = 32
	nonceSize     = 16
	tagSize       = 16
)

var ErrEmptySecret = errors.New("vault secret is empty")

// DecryptionError is returned for malformed blobs and failed tag checks.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Vault encrypts with AES-256-GCM under a PBKDF2-derived key.
// Output format is hex(nonce):hex(tag):hex(ciphertext).
type Vault struct {
	mu   sync.Mutex
	keys map[[sha256.Size]byte][]byte
	rand io.Reader
}

// NewVault creates a vault with an empty key cache.
func NewVault() *Vault {
	return &Vault{
		keys: make(map[[sha256.Size]byte][]byte),
		rand: rand.Reader,
	}
}

// deriveKey runs PBKDF2 once per distinct secret.
func (v *Vault) deriveKey(secret string) []byte {
	id := sha256.Sum256([]byte(secret))

	v.mu.Lock()
	defer v.mu.Unlock()

	if k, ok := v.keys[id]; ok {
		return k
	}
	k := pbkdf2.Key([]byte(secret), []byte(keySalt), keyIterations, keyLength, sha256.New)
	v.keys[id] = k
	return k
}

func (v *Vault) aead(secret string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.deriveKey(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (v *Vault) Encrypt(plaintext, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}

	gcm, err := v.aead(secret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens a blob produced by Encrypt. Any format or integrity failure
// yields a *DecryptionError and no plaintext.
func (v *Vault) Decrypt(opaque, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}

	parts := strings.Split(opaque, ":")
	if len(parts) != 3 {
		return "", &DecryptionError{Reason: fmt.Sprintf("expected 3 segments, got %d", len(parts))}
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", &DecryptionError{Reason: "nonce is not hex", Err: err}
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", &DecryptionError{Reason: "tag is not hex", Err: err}
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", &DecryptionError{Reason: "ciphertext is not hex", Err: err}
	}
	if len(nonce) != nonceSize {
		return "", &DecryptionError{Reason: fmt.Sprintf("nonce must be %d bytes", nonceSize)}
	}
	if len(tag) != tagSize {
		return "", &DecryptionError{Reason: fmt.Sprintf("tag must be %d bytes", tagSize)}
	}

	gcm, err := v.aead(secret)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed", Err: err}
	}
	return string(plain), nil
}
