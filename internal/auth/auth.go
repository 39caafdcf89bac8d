// Package auth manages the control-surface API key: one secret loaded from
// the environment or disk, generated on first start.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/logger"
)

// EnvKey overrides the key file when set.
const EnvKey = "BRAINBOX_API_KEY"

// Keychain holds the active API key.
type Keychain struct {
	mu     sync.RWMutex
	path   string
	key    string
	logger *logger.Logger
}

// New creates a keychain backed by the given key file.
func New(path string, log *logger.Logger) *Keychain {
	return &Keychain{
		path:   path,
		logger: log.WithFields(zap.String("component", "auth")),
	}
}

// GenerateKey returns a fresh 64-character hex key.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// LoadOrCreate resolves the key: the environment variable wins, then the
// key file, and a missing or empty file generates and persists a new key.
func (k *Keychain) LoadOrCreate() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if env := strings.TrimSpace(os.Getenv(EnvKey)); env != "" {
		k.key = env
		k.logger.Info("API key loaded", zap.String("source", "environment"))
		return k.key, nil
	}

	data, err := os.ReadFile(k.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read api key file: %w", err)
	}
	if key := strings.TrimSpace(string(data)); key != "" {
		k.key = key
		k.logger.Info("API key loaded", zap.String("source", "file"), zap.String("path", k.path))
		return k.key, nil
	}

	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	if err := writeKeyFile(k.path, key); err != nil {
		return "", err
	}
	k.key = key
	k.logger.Info("API key created", zap.String("path", k.path))
	return k.key, nil
}

// Key returns the active key, empty before LoadOrCreate.
func (k *Keychain) Key() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key
}

// Verify checks a presented key in constant time. An unloaded keychain
// accepts nothing.
func (k *Keychain) Verify(provided string) bool {
	k.mu.RLock()
	key := k.key
	k.mu.RUnlock()

	if provided == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(key)) == 1
}

// writeKeyFile persists the key owner-only. The chmod also narrows a
// pre-existing file left behind with wider permissions.
func writeKeyFile(path, key string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create api key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(key), 0o600); err != nil {
		return fmt.Errorf("write api key file: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("chmod api key file: %w", err)
	}
	return nil
}
