package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.General.Log {
		t.Error("logging enabled by default")
	}
	if cfg.General.ConfigUpdateInterval != 30 {
		t.Errorf("config_update_interval = %d, want 30", cfg.General.ConfigUpdateInterval)
	}
	if cfg.General.ListenAddress != "::1" || cfg.General.ListenPort != 54321 {
		t.Errorf("listen endpoint = %s:%d", cfg.General.ListenAddress, cfg.General.ListenPort)
	}
	if cfg.Methods.Crypto != "aes-256-gcm" || cfg.Methods.KeyExchange != "mlkem768" ||
		cfg.Methods.Compression != "lz4" || cfg.Methods.Authentication != "mldsa87" {
		t.Errorf("method defaults = %+v", cfg.Methods)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "qsh.toml", `
[general]
log = true
config_update_interval = 10
listen_address = "fd00::5"
listen_port = 2222

[methods]
crypto = "chacha20-poly1305"
compression = "none"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.General.Log || cfg.General.ConfigUpdateInterval != 10 || cfg.General.ListenPort != 2222 {
		t.Errorf("general = %+v", cfg.General)
	}
	addr, err := cfg.ListenAddr()
	if err != nil {
		t.Fatalf("ListenAddr() error = %v", err)
	}
	if addr.String() != "fd00::5" {
		t.Errorf("ListenAddr() = %s", addr)
	}
	// Unset methods keep their defaults.
	if cfg.Methods.KeyExchange != "mlkem768" {
		t.Errorf("key_exchange = %q, want default", cfg.Methods.KeyExchange)
	}
	if cfg.Methods.Crypto != "chacha20-poly1305" {
		t.Errorf("crypto = %q", cfg.Methods.Crypto)
	}
}

func TestLoadRejectsBadMethod(t *testing.T) {
	path := writeFile(t, "qsh.toml", `
[methods]
crypto = "rot13"
`)
	if _, err := Load(path); err == nil {
		t.Error("Load() with unknown cipher expected error")
	}
}

func TestLoadRejectsIPv4(t *testing.T) {
	path := writeFile(t, "qsh.toml", `
[general]
listen_address = "127.0.0.1"
`)
	if _, err := Load(path); err == nil {
		t.Error("Load() with IPv4 listen address expected error")
	}
}

func TestLoadServer(t *testing.T) {
	path := writeFile(t, "server.toml", `
exec = "/bin/bash"

[general]
listen_port = 4444

[[clients]]
addr = "fd00::9"
key_type = "fips204"
key_name = "laptop"
`)
	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.Exec != "/bin/bash" {
		t.Errorf("exec = %q", cfg.Exec)
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].KeyName != "laptop" {
		t.Errorf("clients = %+v", cfg.Clients)
	}
	if cfg.General.ListenPort != 4444 {
		t.Errorf("listen_port = %d", cfg.General.ListenPort)
	}
}

func TestLoadServerNotConfigured(t *testing.T) {
	path := writeFile(t, "server.toml", `
exec = "/bin/sh"
`)
	cfg, err := LoadServer(path)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("LoadServer() error = %v, want ErrNotConfigured", err)
	}
	// The parsed configuration is still usable for the outbound side.
	if cfg.Exec != "/bin/sh" {
		t.Errorf("exec = %q", cfg.Exec)
	}
}

func TestLoadServerRejectsBadClient(t *testing.T) {
	path := writeFile(t, "server.toml", `
[[clients]]
addr = "not-an-address"
key_type = "fips204"
key_name = "x"
`)
	if _, err := LoadServer(path); err == nil {
		t.Error("LoadServer() with a bad client address expected error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("Load() on a missing file expected error")
	}
}
