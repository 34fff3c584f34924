package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvKeyVar is the environment variable checked for a base64-encoded key
// before falling back to the key file.
const EnvKeyVar = "WARDEN_AUDIT_KEY"

// LoadOrGenerateKey resolves the audit encryption key. The environment
// variable wins; otherwise the key file is read, and created with a fresh
// random key if it does not exist yet. Keys are stored base64-encoded with
// 0600 permissions.
func LoadOrGenerateKey(path string) ([]byte, error) {
	if val := os.Getenv(EnvKeyVar); val != "" {
		return decodeKey(val)
	}

	if path == "" {
		return nil, errors.New("audit key file path is required")
	}

	b64, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return generateAndPersistKey(path)
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := decodeKey(strings.TrimSpace(string(b64)))
	if err != nil {
		return nil, fmt.Errorf("invalid key file %s: %w", path, err)
	}
	return key, nil
}

func generateAndPersistKey(path string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key dir: %w", err)
	}
	b64 := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(b64), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

func decodeKey(b64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("key is not valid base64: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: got %d, want %d", len(key), KeySize)
	}
	return key, nil
}
