package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Addr:          "127.0.0.1:0",
		DataDir:       filepath.Join(t.TempDir(), "nested", "data"),
		BaseURL:       "https://gate.test",
		AdminUsername: "operator",
	}
}

func TestNewCreatesDataDirArtifacts(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			t.Errorf("close app: %v", err)
		}
	}()

	for _, name := range []string{databaseFile, credentialsFile, sessionSecretFile, clientIDFile} {
		if _, err := os.Stat(filepath.Join(cfg.DataDir, name)); err != nil {
			t.Errorf("expected %s in the data dir: %v", name, err)
		}
	}

	creds, err := LoadCredentials(cfg.DataDir)
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	if creds.Username != "operator" {
		t.Errorf("username = %q, want %q", creds.Username, "operator")
	}
}

func TestNewReusesExistingArtifacts(t *testing.T) {
	cfg := testConfig(t)

	first, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	firstCreds, err := LoadCredentials(cfg.DataDir)
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	firstSecret, err := os.ReadFile(filepath.Join(cfg.DataDir, sessionSecretFile))
	if err != nil {
		t.Fatalf("read secret: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close first app: %v", err)
	}

	second, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	defer func() {
		if err := second.Close(); err != nil {
			t.Errorf("close second app: %v", err)
		}
	}()

	secondCreds, err := LoadCredentials(cfg.DataDir)
	if err != nil {
		t.Fatalf("reload credentials: %v", err)
	}
	if secondCreds != firstCreds {
		t.Error("expected a restart to keep the stored credentials")
	}
	secondSecret, err := os.ReadFile(filepath.Join(cfg.DataDir, sessionSecretFile))
	if err != nil {
		t.Fatalf("reread secret: %v", err)
	}
	if string(secondSecret) != string(firstSecret) {
		t.Error("expected a restart to keep the session secret")
	}
}

func TestExplicitSessionSecretSkipsFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionSecret = "configured-secret"

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			t.Errorf("close app: %v", err)
		}
	}()

	if _, err := os.Stat(filepath.Join(cfg.DataDir, sessionSecretFile)); !os.IsNotExist(err) {
		t.Errorf("expected no secret file when the secret is configured, stat err = %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			t.Errorf("close app: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Serve(ctx); err != nil {
		t.Fatalf("serve after cancel: %v", err)
	}
}
