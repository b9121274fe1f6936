// internal/crypto/crypto.go
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

var (
	ErrDecryptFailed = errors.New("failed to decrypt data")
	ErrInvalidNonce  = errors.New("invalid nonce")
)

const (
	keySize  = 32 // AES-256
	saltSize = 32
	memory   = 64 * 1024
	threads  = 4
)

// Manager seals secrets held in memory (account passwords) so they are
// never kept as plaintext between authentication round trips.
type Manager struct {
	gcm cipher.AEAD
}

// NewManager derives the sealing key from passphrase. An empty passphrase
// uses random bytes, which scopes sealed data to this process.
func NewManager(passphrase string) (*Manager, error) {
	secret := []byte(passphrase)
	if len(secret) == 0 {
		secret = make([]byte, keySize)
		if _, err := io.ReadFull(rand.Reader, secret); err != nil {
			return nil, fmt.Errorf("failed to generate passphrase: %w", err)
		}
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(secret, salt, 1, memory, threads, keySize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Manager{gcm: gcm}, nil
}

func (m *Manager) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, m.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return m.gcm.Seal(nonce, nonce, data, nil), nil
}

func (m *Manager) Decrypt(data []byte) ([]byte, error) {
	if len(data) < m.gcm.NonceSize() {
		return nil, ErrInvalidNonce
	}
	nonce := data[:m.gcm.NonceSize()]
	ciphertext := data[m.gcm.NonceSize():]

	plaintext, err := m.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
