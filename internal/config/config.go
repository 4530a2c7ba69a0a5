// Package config parses and validates the qsh configuration files:
// ~/.qsh/qsh.toml for the client side and ~/.qsh/server.toml for the
// daemon's serving side. Method selection is configuration-static;
// nothing is negotiated on the wire.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/leyvirose/qsh/internal/aead"
	"github.com/leyvirose/qsh/internal/auth"
	"github.com/leyvirose/qsh/internal/compress"
	"github.com/leyvirose/qsh/internal/kex"
	"github.com/leyvirose/qsh/internal/logging"
)

const (
	// ClientFileName is the client/daemon general configuration file.
	ClientFileName = "qsh.toml"

	// ServerFileName is the daemon's serving configuration file.
	ServerFileName = "server.toml"

	// DefaultPort is the daemon's default listen port.
	DefaultPort uint16 = 54321

	// DefaultUpdateInterval is the default seconds between config reloads.
	DefaultUpdateInterval uint64 = 30

	// DefaultExec is the program served when none is configured.
	DefaultExec = "/bin/sh"
)

// ErrNotConfigured is returned when server.toml allows no clients; the
// daemon must not serve inbound connections in that case.
var ErrNotConfigured = errors.New("server not configured: no clients allowed")

// Config is the general configuration shared by qsh and qshd.
type Config struct {
	General General `toml:"general"`
	Methods Methods `toml:"methods"`
}

// General holds daemon-wide options.
type General struct {
	// Log enables diagnostic logging.
	Log bool `toml:"log"`

	// ConfigUpdateInterval is the number of seconds between
	// configuration reloads.
	ConfigUpdateInterval uint64 `toml:"config_update_interval"`

	// ListenAddress is the IPv6 bind address.
	ListenAddress string `toml:"listen_address"`

	// ListenPort is the bind port.
	ListenPort uint16 `toml:"listen_port"`
}

// Methods selects the pluggable algorithm for each role.
type Methods struct {
	Authentication string `toml:"authentication"`
	Compression    string `toml:"compression"`
	Crypto         string `toml:"crypto"`
	KeyExchange    string `toml:"key_exchange"`
}

// Client is one allowed peer in server.toml.
type Client struct {
	// Addr is the client's IPv6 address.
	Addr string `toml:"addr"`

	// KeyType names the signature scheme of the stored key.
	KeyType string `toml:"key_type"`

	// KeyName is the cert file name under ~/.qsh/certs.
	KeyName string `toml:"key_name"`
}

// ServerConfig is the daemon's serving configuration. It embeds the
// general options so one file configures the whole daemon.
type ServerConfig struct {
	// Exec is the program attached to inbound sessions.
	Exec string `toml:"exec"`

	General General  `toml:"general"`
	Methods Methods  `toml:"methods"`
	Clients []Client `toml:"clients"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		General: General{
			Log:                  false,
			ConfigUpdateInterval: DefaultUpdateInterval,
			ListenAddress:        "::1",
			ListenPort:           DefaultPort,
		},
		Methods: Methods{
			Authentication: auth.KindMLDSA87.String(),
			Compression:    compress.KindLZ4.String(),
			Crypto:         aead.KindAESGCM.String(),
			KeyExchange:    kex.KindMLKEM768.String(),
		},
	}
}

// DefaultServer returns the built-in serving configuration. It allows
// no clients, so a daemon running on it refuses inbound sessions.
func DefaultServer() ServerConfig {
	base := Default()
	return ServerConfig{
		Exec:    DefaultExec,
		General: base.General,
		Methods: base.Methods,
	}
}

// ClientPath returns the qsh.toml path inside dir.
func ClientPath(dir string) string { return filepath.Join(dir, ClientFileName) }

// ServerPath returns the server.toml path inside dir.
func ServerPath(dir string) string { return filepath.Join(dir, ServerFileName) }

// Load reads and validates the general configuration. Missing options
// keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read configuration: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse configuration %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadServer reads and validates the serving configuration. A file
// that allows no clients yields ErrNotConfigured alongside the parsed
// configuration, so the caller can still serve outbound sessions.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServer()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read configuration: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse configuration %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if len(cfg.Clients) == 0 {
		return cfg, ErrNotConfigured
	}
	return cfg, nil
}

// Validate checks the general options and method names.
func (c *Config) Validate() error {
	if _, err := c.ListenAddr(); err != nil {
		return err
	}
	return c.Methods.Validate()
}

// ListenAddr parses the configured bind address.
func (c *Config) ListenAddr() (netip.Addr, error) {
	addr, err := netip.ParseAddr(c.General.ListenAddress)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse listen_address %q: %w", c.General.ListenAddress, err)
	}
	if !addr.Is6() || addr.Is4In6() {
		return netip.Addr{}, fmt.Errorf("listen_address %q is not IPv6", c.General.ListenAddress)
	}
	return addr, nil
}

// Validate checks the serving options.
func (c *ServerConfig) Validate() error {
	general := Config{General: c.General, Methods: c.Methods}
	if err := general.Validate(); err != nil {
		return err
	}
	if c.Exec == "" {
		return errors.New("exec must not be empty")
	}
	for _, client := range c.Clients {
		addr, err := netip.ParseAddr(client.Addr)
		if err != nil {
			return fmt.Errorf("parse client addr %q: %w", client.Addr, err)
		}
		if !addr.Is6() || addr.Is4In6() {
			return fmt.Errorf("client addr %q is not IPv6", client.Addr)
		}
		if _, err := auth.ParseKind(client.KeyType); err != nil {
			return err
		}
		if client.KeyName == "" {
			return fmt.Errorf("client %s has no key_name", client.Addr)
		}
	}
	return nil
}

// ListenAddr parses the configured bind address.
func (c *ServerConfig) ListenAddr() (netip.Addr, error) {
	general := Config{General: c.General}
	return general.ListenAddr()
}

// Validate checks that every method name is known.
func (m *Methods) Validate() error {
	if _, err := auth.ParseKind(m.Authentication); err != nil {
		return err
	}
	if _, err := compress.ParseKind(m.Compression); err != nil {
		return err
	}
	if _, err := aead.ParseKind(m.Crypto); err != nil {
		return err
	}
	if _, err := kex.ParseKind(m.KeyExchange); err != nil {
		return err
	}
	return nil
}

// KexKind returns the parsed key exchange method.
func (m *Methods) KexKind() kex.Kind {
	k, _ := kex.ParseKind(m.KeyExchange)
	return k
}

// CryptoKind returns the parsed cipher method.
func (m *Methods) CryptoKind() aead.Kind {
	k, _ := aead.ParseKind(m.Crypto)
	return k
}

// CompressionKind returns the parsed compression method.
func (m *Methods) CompressionKind() compress.Kind {
	k, _ := compress.ParseKind(m.Compression)
	return k
}

// AuthKind returns the parsed authentication method.
func (m *Methods) AuthKind() auth.Kind {
	k, _ := auth.ParseKind(m.Authentication)
	return k
}

// WatchServer reloads the serving configuration every interval and
// hands each successfully validated result to apply. It returns when
// ctx is cancelled.
func WatchServer(ctx context.Context, path string, interval time.Duration, logger *slog.Logger, apply func(*ServerConfig)) {
	if interval <= 0 {
		interval = time.Duration(DefaultUpdateInterval) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := LoadServer(path)
			if err != nil && !errors.Is(err, ErrNotConfigured) {
				logger.Warn("configuration reload failed", logging.KeyError, err)
				continue
			}
			apply(&cfg)
		}
	}
}
