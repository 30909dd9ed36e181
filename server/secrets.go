package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const cookieSecretFile = "cookie.key"

// loadCookieSecret returns the configured cookie secret or, when none is
// set, the one persisted under secretsPath, creating it on first start.
func loadCookieSecret(cfg ServerConfig, logger *slog.Logger) ([]byte, error) {
	if cfg.CookieSecret != "" {
		return []byte(cfg.CookieSecret), nil
	}
	if cfg.SecretsPath == "" {
		return nil, errors.New("server.cookie_secret or server.secrets_path is required")
	}

	path := filepath.Join(cfg.SecretsPath, cookieSecretFile)
	payload, err := os.ReadFile(path)
	switch {
	case err == nil:
		secret := strings.TrimSpace(string(payload))
		if len(secret) < 32 {
			return nil, fmt.Errorf("cookie secret in %s is too short", path)
		}
		return []byte(secret), nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read cookie secret: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate cookie secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	if err := os.MkdirAll(cfg.SecretsPath, 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write cookie secret: %w", err)
	}
	logger.Info("generated cookie secret", "path", path)
	return []byte(secret), nil
}
