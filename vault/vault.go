// ABOUTME: Symmetric encryption of OAuth secrets at rest
// ABOUTME: AES-256-GCM with per-call random nonce, encoded as hex nonce:tag:ciphertext
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	keySize   = 32
	nonceSize = 16
	tagSize   = 16
)

var (
	ErrInvalidKey     = errors.New("vault: encryption key must be 32 bytes (64 hex characters)")
	ErrMalformedToken = errors.New("vault: malformed ciphertext token")
	ErrDecrypt        = errors.New("vault: ciphertext failed authentication")
)

// Vault encrypts and decrypts credential strings. The key is validated on
// first use so a misconfigured process fails the first time it touches a
// secret.
type Vault struct {
	rawKey string

	once   sync.Once
	aead   cipher.AEAD
	keyErr error
}

// New creates a vault from a hex-encoded 256-bit key.
func New(hexKey string) *Vault {
	return &Vault{rawKey: strings.TrimSpace(hexKey)}
}

func (v *Vault) cipher() (cipher.AEAD, error) {
	v.once.Do(func() {
		key, err := hex.DecodeString(v.rawKey)
		if err != nil || len(key) != keySize {
			v.keyErr = ErrInvalidKey
			return
		}

		block, err := aes.NewCipher(key)
		if err != nil {
			v.keyErr = fmt.Errorf("%w: %v", ErrInvalidKey, err)
			return
		}

		aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
		if err != nil {
			v.keyErr = fmt.Errorf("failed to create GCM: %w", err)
			return
		}
		v.aead = aead
	})
	return v.aead, v.keyErr
}

// Encrypt seals plaintext and returns "nonce:tag:ciphertext" in hex.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := v.cipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt opens a token produced by Encrypt. It never returns partial or
// unauthenticated plaintext.
func (v *Vault) Decrypt(token string) (string, error) {
	aead, err := v.cipher()
	if err != nil {
		return "", err
	}

	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return "", ErrMalformedToken
	}
	for _, p := range parts {
		if p == "" {
			return "", ErrMalformedToken
		}
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", ErrMalformedToken
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", ErrMalformedToken
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformedToken
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecrypt
	}

	return string(plaintext), nil
}

// EncryptOptional encrypts s, passing the empty string through unchanged.
func (v *Vault) EncryptOptional(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return v.Encrypt(s)
}

// DecryptOptional decrypts s, passing the empty string through unchanged.
func (v *Vault) DecryptOptional(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return v.Decrypt(s)
}

// GenerateKey returns a fresh random hex-encoded key.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
