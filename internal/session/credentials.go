package session

import (
	"fmt"

	"mailbag/internal/crypto"
)

// Credentials are opaque to everything but the authentication round trip.
// The password is kept sealed.
type Credentials struct {
	Username string

	sealed []byte
	sealer *crypto.Manager
}

// NewCredentials seals password with m.
func NewCredentials(m *crypto.Manager, username, password string) (Credentials, error) {
	c := Credentials{Username: username, sealer: m}
	if password == "" {
		return c, nil
	}
	sealed, err := m.Encrypt([]byte(password))
	if err != nil {
		return Credentials{}, fmt.Errorf("seal password: %w", err)
	}
	c.sealed = sealed
	return c, nil
}

func (c Credentials) Empty() bool {
	return c.Username == ""
}

func (c Credentials) reveal() (string, error) {
	if len(c.sealed) == 0 || c.sealer == nil {
		return "", nil
	}
	plain, err := c.sealer.Decrypt(c.sealed)
	if err != nil {
		return "", fmt.Errorf("unseal password: %w", err)
	}
	return string(plain), nil
}

// String never prints the password.
func (c Credentials) String() string {
	return c.Username + ":***"
}
