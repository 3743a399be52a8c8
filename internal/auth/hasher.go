// Package auth implements registration and login against the user store.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Hasher turns a plaintext password into a storable digest and verifies it.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(digest, password string) bool
}

// Digest returns the unsalted SHA-256 hex digest of password.
// The same input always yields the same output.
func Digest(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// SHA256Hasher stores unsalted SHA-256 digests. It exists for databases
// created before bcrypt digests were introduced.
type SHA256Hasher struct{}

// Hash returns Digest(password).
func (SHA256Hasher) Hash(password string) (string, error) {
	return Digest(password), nil
}

// Verify compares the digest of password with the stored digest in constant time.
func (SHA256Hasher) Verify(digest, password string) bool {
	return subtle.ConstantTimeCompare([]byte(digest), []byte(Digest(password))) == 1
}

// BcryptHasher stores salted bcrypt digests.
type BcryptHasher struct {
	Cost int
}

// Hash returns a bcrypt digest of password.
func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// Verify safely compares a bcrypt digest and a plaintext password.
func (BcryptHasher) Verify(digest, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}

// NewHasher returns the hasher for a configured scheme name.
func NewHasher(scheme string) (Hasher, error) {
	switch strings.ToLower(scheme) {
	case "", "bcrypt":
		return BcryptHasher{}, nil
	case "sha256":
		return SHA256Hasher{}, nil
	default:
		return nil, fmt.Errorf("unknown password scheme %q", scheme)
	}
}

// verify checks password against digest using whichever scheme produced it.
func verify(digest, password string) bool {
	if isBcryptDigest(digest) {
		return BcryptHasher{}.Verify(digest, password)
	}
	return SHA256Hasher{}.Verify(digest, password)
}

func isBcryptDigest(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") ||
		strings.HasPrefix(digest, "$2b$") ||
		strings.HasPrefix(digest, "$2y$")
}
