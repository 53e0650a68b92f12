package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the length in bytes of a key-derivation salt.
	SaltSize = 16
	// KeySize is the length in bytes of a derived AES-256 key.
	KeySize = 32
	// Iterations is the PBKDF2 work factor.
	Iterations = 100_000
)

// ErrInvalidSalt indicates a salt with the wrong length.
var ErrInvalidSalt = errors.New("keys: invalid salt length")

// DeriveKey turns a passphrase and salt into a 256-bit symmetric key using
// PBKDF2-HMAC-SHA256. The same inputs always yield the same key.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSalt, len(salt), SaltSize)
	}
	return pbkdf2.Key([]byte(passphrase), salt, Iterations, KeySize, sha256.New), nil
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	return RandomBytes(SaltSize)
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("keys: reading random bytes: %w", err)
	}
	return buf, nil
}

// BasicAuthorization renders the Authorization header value for the account.
func BasicAuthorization(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
