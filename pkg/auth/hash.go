// Package auth derives and verifies salted password hashes and implements
// sign-up and login on top of a credential store.
package auth

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // PBKDF2-HMAC-SHA1 is the stored credential format
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 iteration count for new hashes.
	DefaultIterations = 90000

	// DefaultSaltSize is the salt length in bytes for new credentials.
	DefaultSaltSize = 20
)

// GenerateSalt returns n bytes from the system's secure random source.
func GenerateSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("auth: generate salt: %w", err)
	}
	return salt, nil
}

// Hasher derives password hashes with PBKDF2-HMAC-SHA1.
// The zero value uses DefaultIterations and DefaultSaltSize.
type Hasher struct {
	Iterations int
	SaltSize   int
}

func (h Hasher) iterations() int {
	if h.Iterations <= 0 {
		return DefaultIterations
	}
	return h.Iterations
}

func (h Hasher) saltSize() int {
	if h.SaltSize <= 0 {
		return DefaultSaltSize
	}
	return h.SaltSize
}

// NewSalt returns a fresh salt of the configured size.
func (h Hasher) NewSalt() ([]byte, error) {
	return GenerateSalt(h.saltSize())
}

// Hash derives the key for password and salt. The key is as long as the
// salt, so credentials created under another SaltSize still verify.
// Iterations are not stored with the credential; changing them
// invalidates every existing hash.
func (h Hasher) Hash(password string, salt []byte) []byte {
	keyLen := len(salt)
	if keyLen == 0 {
		keyLen = h.saltSize()
	}
	return pbkdf2.Key([]byte(password), salt, h.iterations(), keyLen, sha1.New)
}

// Verify recomputes the hash of password and compares it with want in
// constant time.
func (h Hasher) Verify(password string, want, salt []byte) bool {
	ok, _ := compareDigest(want, h.Hash(password, salt))
	return ok
}

// compareDigest compares got against want without stopping at the first
// differing byte. A length mismatch fails immediately; otherwise every
// position of want is visited. The second result is the number of
// positions compared.
func compareDigest(want, got []byte) (bool, int) {
	if len(want) != len(got) {
		return false, 0
	}
	var diff byte
	visited := 0
	for i := range want {
		diff |= want[i] ^ got[i]
		visited++
	}
	return diff == 0, visited
}
