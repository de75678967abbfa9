package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/donorgate/donorgate/internal/platform/id"
)

// credentialsFile is the operator credentials file inside the data dir,
// one line of username:bcrypt-hash.
const credentialsFile = "admin.credentials"

// generatedPasswordBytes sizes first-run and reset passwords.
const generatedPasswordBytes = 18

// Credentials is the operator login material backing the admin surface.
type Credentials struct {
	Username     string
	PasswordHash string
}

// LoadCredentials reads the credentials file from the data dir. A missing
// file returns os.ErrNotExist.
func LoadCredentials(dir string) (Credentials, error) {
	raw, err := os.ReadFile(filepath.Join(dir, credentialsFile))
	if err != nil {
		return Credentials{}, err
	}
	line := strings.TrimSpace(string(raw))
	username, hash, ok := strings.Cut(line, ":")
	if !ok || strings.TrimSpace(username) == "" || strings.TrimSpace(hash) == "" {
		return Credentials{}, fmt.Errorf("credentials file %s is malformed", credentialsFile)
	}
	return Credentials{Username: strings.TrimSpace(username), PasswordHash: strings.TrimSpace(hash)}, nil
}

// WriteCredentials replaces the credentials file. The file is owner-only;
// it holds the only login that can administer the gateway.
func WriteCredentials(dir string, creds Credentials) error {
	username := strings.TrimSpace(creds.Username)
	if username == "" {
		return errors.New("username is required")
	}
	if strings.Contains(username, ":") {
		return errors.New("username must not contain a colon")
	}
	if strings.TrimSpace(creds.PasswordHash) == "" {
		return errors.New("password hash is required")
	}
	line := username + ":" + creds.PasswordHash + "\n"
	return os.WriteFile(filepath.Join(dir, credentialsFile), []byte(line), 0o600)
}

// EnsureAdminCredentials loads the credentials file, creating it on first
// run with the seed username and a generated password. The plaintext
// password is returned only when it was generated; the caller logs it once
// and it is never recoverable afterwards.
func EnsureAdminCredentials(dir, seedUsername string) (Credentials, string, error) {
	creds, err := LoadCredentials(dir)
	if err == nil {
		return creds, "", nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Credentials{}, "", err
	}

	username := strings.TrimSpace(seedUsername)
	if username == "" {
		username = "admin"
	}
	password, err := id.NewToken(generatedPasswordBytes)
	if err != nil {
		return Credentials{}, "", fmt.Errorf("generate admin password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Credentials{}, "", fmt.Errorf("hash admin password: %w", err)
	}
	creds = Credentials{Username: username, PasswordHash: string(hash)}
	if err := WriteCredentials(dir, creds); err != nil {
		return Credentials{}, "", fmt.Errorf("write credentials file: %w", err)
	}
	return creds, password, nil
}

// ResetAdminCredentials rewrites the credentials file with the given
// username, generating a password when none is supplied. It returns the
// stored credentials and the plaintext password for the caller to print.
func ResetAdminCredentials(dir, username, password string) (Credentials, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Credentials{}, "", fmt.Errorf("create data dir: %w", err)
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username = "admin"
	}
	if password == "" {
		generated, err := id.NewToken(generatedPasswordBytes)
		if err != nil {
			return Credentials{}, "", fmt.Errorf("generate admin password: %w", err)
		}
		password = generated
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Credentials{}, "", fmt.Errorf("hash admin password: %w", err)
	}
	creds := Credentials{Username: username, PasswordHash: string(hash)}
	if err := WriteCredentials(dir, creds); err != nil {
		return Credentials{}, "", fmt.Errorf("write credentials file: %w", err)
	}
	return creds, password, nil
}
