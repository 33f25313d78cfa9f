// Package crypto provides AES-256-GCM authenticated encryption for backup
// payloads stored at rest. Backups aggregate the most sensitive data the portal
// holds: eSocial event payloads, digital certificate configuration, and the full
// audit trail. A backup archive that leaves the server (cloud destination) must
// therefore be unreadable without the master key. AES-256-GCM is chosen because
// it provides both confidentiality and authenticated integrity, ensuring an
// archive cannot be silently tampered with before a restore.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyLengthInvalid is returned when a master key is not exactly 32 bytes (required for AES-256).
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when the ciphertext is too short to contain a valid nonce.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when AES-GCM authentication or decryption fails, indicating tampering or a wrong key.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrSaltTooShort is returned when the provided salt is fewer than 16 bytes, which would weaken PBKDF2 key derivation.
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
)

// PayloadCipher encrypts and decrypts backup payloads.
type PayloadCipher struct {
	masterKey []byte
}

// NewPayloadCipher creates a cipher with a 32-byte master key
func NewPayloadCipher(masterKey []byte) (*PayloadCipher, error) {
	if len(masterKey) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	keyCopy := make([]byte, 32)
	copy(keyCopy, masterKey)
	return &PayloadCipher{masterKey: keyCopy}, nil
}

// DerivePayloadCipher creates a cipher by deriving a key from a passphrase
func DerivePayloadCipher(passphrase string, salt []byte, iterations int) (*PayloadCipher, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = 100000 // Secure default
	}
	derivedKey := pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)
	return NewPayloadCipher(derivedKey)
}

// Seal encrypts plaintext and returns nonce||ciphertext. Backup payloads are
// binary (gzip streams), so no text encoding is applied.
func (pc *PayloadCipher) Seal(plaintext []byte) ([]byte, error) {
	blockCipher, err := aes.NewCipher(pc.masterKey)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts nonce||ciphertext produced by Seal and returns the plaintext.
func (pc *PayloadCipher) Open(ciphertext []byte) ([]byte, error) {
	blockCipher, err := aes.NewCipher(pc.masterKey)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}

	nonceLen := aead.NonceSize()
	if len(ciphertext) < nonceLen {
		return nil, ErrCiphertextCorrupted
	}

	nonce := ciphertext[:nonceLen]
	actualCiphertext := ciphertext[nonceLen:]

	plaintext, err := aead.Open(nil, nonce, actualCiphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// GenerateKey creates a cryptographically secure random 32-byte key
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateSalt creates a cryptographically secure random salt
func GenerateSalt(length int) ([]byte, error) {
	if length < 16 {
		length = 16
	}
	salt := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
