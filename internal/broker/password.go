package broker

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Mosquitto's PBKDF2-SHA512 password format: $7$iterations$salt$key with
// base64-encoded salt and derived key, matching mosquitto_passwd output.
const (
	hashIterations = 101
	hashSaltLen    = 12
	hashKeyLen     = 64
)

// HashSecret derives a mosquitto-compatible password hash for a fresh secret.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, hashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(secret), salt, hashIterations, hashKeyLen, sha512.New)
	return fmt.Sprintf("$7$%d$%s$%s",
		hashIterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	), nil
}
