// Package crypto provides user token generation and hashing.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	ErrMalformedHash = errors.New("crypto: malformed token hash")
	ErrTokenMismatch = errors.New("crypto: token mismatch")
)

const (
	hashScheme = "argon2id"
	saltLen    = 16
	keyLen     = 32
)

// GenerateToken generates a random token string (32 bytes, hex-like).
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate token: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}

// HashToken hashes a raw token with Argon2id and a fresh random salt.
// The result has the form "argon2id$<salt>$<key>" using raw base64.
func HashToken(token string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	key := deriveKey(token, salt)
	enc := base64.RawStdEncoding
	return hashScheme + "$" + enc.EncodeToString(salt) + "$" + enc.EncodeToString(key), nil
}

// VerifyToken checks token against an encoded hash from HashToken.
func VerifyToken(token, encoded string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != hashScheme {
		return ErrMalformedHash
	}
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[1])
	if err != nil {
		return ErrMalformedHash
	}
	want, err := enc.DecodeString(parts[2])
	if err != nil || len(want) != keyLen {
		return ErrMalformedHash
	}
	if subtle.ConstantTimeCompare(deriveKey(token, salt), want) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

func deriveKey(token string, salt []byte) []byte {
	return argon2.IDKey([]byte(token), salt, 1, 64*1024, 4, keyLen)
}
