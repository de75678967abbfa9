package app

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/securecookie"

	"github.com/donorgate/donorgate/internal/platform/id"
)

// Data-dir files created on first run and reused across restarts.
const (
	sessionSecretFile = "session.secret"
	clientIDFile      = "client.id"
)

// sessionSecretBytes sizes the generated signing key for donor session
// tokens and the admin cookie.
const sessionSecretBytes = 64

// loadOrCreateSessionSecret returns the persisted signing secret,
// generating one on first run. Regenerating the secret would invalidate
// every outstanding session, so it survives restarts on disk.
func loadOrCreateSessionSecret(dir string) (string, error) {
	path := filepath.Join(dir, sessionSecretFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(raw))
		if secret == "" {
			return "", fmt.Errorf("session secret file %s is empty", sessionSecretFile)
		}
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	key := securecookie.GenerateRandomKey(sessionSecretBytes)
	if key == nil {
		return "", errors.New("generate session secret: no entropy available")
	}
	secret := hex.EncodeToString(key)
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write session secret file: %w", err)
	}
	return secret, nil
}

// loadOrCreateClientID returns the stable per-install identifier the media
// account service uses to recognise this gateway across link requests.
func loadOrCreateClientID(dir string) (string, error) {
	path := filepath.Join(dir, clientIDFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		clientID := strings.TrimSpace(string(raw))
		if clientID == "" {
			return "", fmt.Errorf("client id file %s is empty", clientIDFile)
		}
		return clientID, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	clientID, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	if err := os.WriteFile(path, []byte(clientID+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write client id file: %w", err)
	}
	return clientID, nil
}
