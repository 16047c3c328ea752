package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/driftsky/pdsmover/pkg/types"
)

// Vault handles encryption and decryption of credential fields with a single
// process-wide master key.
type Vault struct {
	masterKey []byte // 32 bytes for AES-256
}

// New creates a vault with the given master key.
// The key must be 32 bytes for AES-256-GCM.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &Vault{masterKey: key}, nil
}

// NewFromHex creates a vault from a 64-hex-character key string, the format
// the MASTER_KEY environment variable uses.
func NewFromHex(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	return New(key)
}

// DevKey derives a deterministic 32-byte key from a fixed string. Permitted
// only outside production deployments.
func DevKey(seed string) []byte {
	hash := sha256.Sum256([]byte("pdsmover-dev-key:" + seed))
	return hash[:]
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns ciphertext with the nonce prepended.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data produced by Encrypt.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// SealField encrypts a credential value into an EncryptedField with the
// given TTL. A zero TTL produces a field without expiry.
func (v *Vault) SealField(plaintext string, ttl time.Duration) (*types.EncryptedField, error) {
	ct, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return nil, err
	}

	f := &types.EncryptedField{Ciphertext: ct}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		f.ExpiresAt = &exp
	}
	return f, nil
}

// OpenField decrypts a credential field. An absent or expired field returns
// ok=false without error: expiry is a normal condition, not a failure.
func (v *Vault) OpenField(f *types.EncryptedField, now time.Time) (string, bool, error) {
	if f == nil || len(f.Ciphertext) == 0 {
		return "", false, nil
	}
	if f.Expired(now) {
		return "", false, nil
	}

	pt, err := v.Decrypt(f.Ciphertext)
	if err != nil {
		return "", false, fmt.Errorf("failed to open credential field: %w", err)
	}
	return string(pt), true, nil
}
