// Package keystore reads and writes the persistent key material under
// ~/.qsh: the local identity keypair and the directory of trusted peer
// public keys. Private key bytes only ever live in memory between a read
// and the caller's Zero.
package keystore

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
)

const (
	// DirName is the qsh state directory under $HOME.
	DirName = ".qsh"

	// IdentityFileName holds the local identity as [private ‖ public].
	IdentityFileName = "fips204"

	// CertsDirName holds one file per trusted peer: [16-byte IPv6 ‖ public].
	CertsDirName = "certs"

	// identityMode is the final mode of key files.
	identityMode = 0o400
)

var (
	// ErrInsecurePermissions is returned when a key file or the certs
	// directory grants group or other any permission bit.
	ErrInsecurePermissions = errors.New("key file accessible to group or other")

	// ErrNoIdentity is returned when the identity file does not exist.
	ErrNoIdentity = errors.New("no local identity key")

	// ErrBadCert is returned when a cert file is malformed.
	ErrBadCert = errors.New("malformed peer certificate file")
)

// DefaultDir returns the qsh state directory, $HOME/.qsh.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// IdentityPath returns the identity file path inside dir.
func IdentityPath(dir string) string {
	return filepath.Join(dir, IdentityFileName)
}

// CertsDir returns the trusted-peer directory inside dir.
func CertsDir(dir string) string {
	return filepath.Join(dir, CertsDirName)
}

// checkPrivate rejects paths whose permission bits grant group or other
// any access.
func checkPrivate(path string, info os.FileInfo) error {
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%w: %s", ErrInsecurePermissions, path)
	}
	return nil
}

// ReadIdentity loads the local identity keypair from path. The file must
// contain exactly privateSize+publicSize bytes and must grant no
// permission bits to group or other.
func ReadIdentity(path string, privateSize, publicSize int) (private, public []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNoIdentity, path)
		}
		return nil, nil, fmt.Errorf("open identity: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("stat identity: %w", err)
	}
	if err := checkPrivate(path, info); err != nil {
		return nil, nil, err
	}
	if info.Size() != int64(privateSize+publicSize) {
		return nil, nil, fmt.Errorf("identity %s has size %d, want %d", path, info.Size(), privateSize+publicSize)
	}

	private = make([]byte, privateSize)
	public = make([]byte, publicSize)
	if _, err := io.ReadFull(f, private); err != nil {
		Zero(private)
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}
	if _, err := io.ReadFull(f, public); err != nil {
		Zero(private)
		return nil, nil, fmt.Errorf("read public key: %w", err)
	}
	return private, public, nil
}

// WriteIdentity stores a new identity keypair at path with mode 0400.
// The write goes through a temp file so a crash never leaves a partial
// key behind.
func WriteIdentity(path string, private, public []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create identity file: %w", err)
	}
	if _, err := f.Write(private); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write private key: %w", err)
	}
	if _, err := f.Write(public); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write public key: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close identity file: %w", err)
	}
	if err := os.Chmod(tempPath, identityMode); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("set identity permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("persist identity: %w", err)
	}
	return nil
}

// ReadPeers loads every trusted peer key from the certs directory.
// Each file is [16-byte IPv6 ‖ public key].
func ReadPeers(dir string, publicSize int) (map[netip.Addr][]byte, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open certs directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrBadCert, dir)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s", ErrInsecurePermissions, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read certs directory: %w", err)
	}

	peers := make(map[netip.Addr][]byte, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read cert %s: %w", path, err)
		}
		if len(data) != 16+publicSize {
			return nil, fmt.Errorf("%w: %s has size %d, want %d", ErrBadCert, path, len(data), 16+publicSize)
		}
		var raw [16]byte
		copy(raw[:], data[:16])
		addr := netip.AddrFrom16(raw)
		peers[addr] = data[16:]
	}
	return peers, nil
}

// WritePeer stores one trusted peer key under the certs directory with
// mode 0400.
func WritePeer(dir, name string, addr netip.Addr, public []byte) error {
	if !addr.Is6() {
		return fmt.Errorf("%w: peer address must be IPv6", ErrBadCert)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create certs directory: %w", err)
	}
	path := filepath.Join(dir, name)
	raw := addr.As16()

	data := make([]byte, 0, 16+len(public))
	data = append(data, raw[:]...)
	data = append(data, public...)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write cert %s: %w", path, err)
	}
	if err := os.Chmod(path, identityMode); err != nil {
		return fmt.Errorf("set cert permissions: %w", err)
	}
	return nil
}

// RemovePeer deletes the named cert file.
func RemovePeer(dir, name string) error {
	if err := os.Remove(filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("remove cert %s: %w", name, err)
	}
	return nil
}

// RemoveIdentity deletes the local identity file.
func RemoveIdentity(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove identity: %w", err)
	}
	return nil
}

// Zero zeroes out a byte slice holding key material.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
