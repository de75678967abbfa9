package donorgate

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("donorgate", flag.ContinueOnError)
	t.Setenv("DONORGATE_ADDR", ":9090")
	t.Setenv("DONORGATE_DATA_DIR", "/var/lib/donorgate")

	cfg, err := ParseConfig(fs, []string{"-base-url", "https://gate.example", "-secure-cookies=false"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, ":9090")
	}
	if cfg.DataDir != "/var/lib/donorgate" {
		t.Fatalf("data dir = %q, want %q", cfg.DataDir, "/var/lib/donorgate")
	}
	if cfg.BaseURL != "https://gate.example" {
		t.Fatalf("base url = %q, want %q", cfg.BaseURL, "https://gate.example")
	}
	if cfg.SecureCookies {
		t.Fatal("secure cookies = true, want flag override false")
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("donorgate", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, ":8080")
	}
	if cfg.DataDir != "data" {
		t.Fatalf("data dir = %q, want %q", cfg.DataDir, "data")
	}
	if !cfg.SecureCookies {
		t.Fatal("secure cookies = false, want default true")
	}
	if cfg.AdminUsername != "admin" {
		t.Fatalf("admin username = %q, want %q", cfg.AdminUsername, "admin")
	}
	if cfg.RefreshInterval != 12*time.Hour {
		t.Fatalf("refresh interval = %v, want 12h", cfg.RefreshInterval)
	}
}
