package service

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// randomHex returns 2n lowercase hex characters from a CSPRNG.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func newContainerName() (string, error) {
	suffix, err := randomHex(6)
	if err != nil {
		return "", err
	}
	return "flow-" + suffix, nil
}

func newTopicID() (string, error) {
	return randomHex(5)
}

func newDeviceUsername() (string, error) {
	suffix, err := randomHex(4)
	if err != nil {
		return "", err
	}
	return "device-" + suffix, nil
}

func newSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
