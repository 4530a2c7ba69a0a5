// Package main provides the qsh-keygen tool: it generates and manages
// the identity keypair and the trusted peer keys under ~/.qsh.
package main

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/spf13/cobra"

	"github.com/leyvirose/qsh/internal/auth"
	"github.com/leyvirose/qsh/internal/keystore"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "qsh-keygen",
		Short: "Generates and manages qsh keys.",
	}
	rootCmd.AddCommand(newCmd(), addCmd(), delCmd(), remCmd(), expCmd())
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "qsh-keygen: %v\n", err)
		os.Exit(1)
	}
}

// keyKind parses the optional key type argument, defaulting to the
// lattice signature scheme.
func keyKind(args []string) (auth.Kind, error) {
	if len(args) == 0 {
		return auth.KindMLDSA87, nil
	}
	return auth.ParseKind(args[0])
}

func newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new [key-type]",
		Short: "create a new identity keypair",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := keyKind(args)
			if err != nil {
				return err
			}
			dir, err := keystore.DefaultDir()
			if err != nil {
				return err
			}
			private, public, err := auth.GenerateIdentity(kind)
			if err != nil {
				return err
			}
			defer keystore.Zero(private)
			return keystore.WriteIdentity(keystore.IdentityPath(dir), private, public)
		},
	}
}

func addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <key-file> <host>",
		Short: "add a remote public key to the key collection",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]
			host, err := netip.ParseAddr(args[2])
			if err != nil {
				return fmt.Errorf("parse host: %w", err)
			}
			dir, err := keystore.DefaultDir()
			if err != nil {
				return err
			}
			public, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read key file: %w", err)
			}
			if err := auth.ValidatePublicKey(auth.KindMLDSA87, public); err != nil {
				return err
			}
			return keystore.WritePeer(keystore.CertsDir(dir), name, host, public)
		},
	}
}

func delCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del",
		Short: "delete the local identity keypair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystore.DefaultDir()
			if err != nil {
				return err
			}
			return keystore.RemoveIdentity(keystore.IdentityPath(dir))
		},
	}
}

func remCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rem <name>",
		Short: "remove a remote public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystore.DefaultDir()
			if err != nil {
				return err
			}
			return keystore.RemovePeer(keystore.CertsDir(dir), args[0])
		},
	}
}

func expCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exp <file>",
		Short: "export the local public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystore.DefaultDir()
			if err != nil {
				return err
			}
			privateSize, err := auth.KindMLDSA87.PrivateKeySize()
			if err != nil {
				return err
			}
			publicSize, err := auth.KindMLDSA87.PublicKeySize()
			if err != nil {
				return err
			}
			private, public, err := keystore.ReadIdentity(keystore.IdentityPath(dir), privateSize, publicSize)
			if err != nil {
				return err
			}
			keystore.Zero(private)
			return os.WriteFile(args[0], public, 0o644)
		},
	}
}
