package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	legioncrypto "github.com/secure-legion/legion/crypto"
	"github.com/secure-legion/legion/crypto/keys"
)

var keygenDir string
var keygenKEM bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the local identity key pairs",
	Long: `Generates the Ed25519 signing key and the X25519 encryption key the daemon
runs with, optionally plus a Kyber768 KEM key pair for hybrid post-quantum
contact bootstrap. Private keys are written hex-encoded with mode 0600.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(keygenDir, 0o700); err != nil {
			return fmt.Errorf("create key directory: %w", err)
		}

		signing, err := keys.GenerateEd25519KeyPair()
		if err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
		seed := signing.PrivateKey().(ed25519.PrivateKey).Seed()
		if err := writeKeyFile(filepath.Join(keygenDir, "signing.key"), seed); err != nil {
			return err
		}

		enc, err := keys.GenerateX25519KeyPair()
		if err != nil {
			return fmt.Errorf("generate encryption key: %w", err)
		}
		if err := writeKeyFile(filepath.Join(keygenDir, "x25519.key"), enc.PrivateKeyBytes()); err != nil {
			return err
		}

		fmt.Printf("signing public key:    %x\n", signing.PublicKeyBytes())
		fmt.Printf("encryption public key: %x\n", enc.PublicKeyBytes())

		if keygenKEM {
			kemPub, kemPriv, err := legioncrypto.GenerateKyberKeyPair()
			if err != nil {
				return fmt.Errorf("generate KEM key: %w", err)
			}
			if err := writeKeyFile(filepath.Join(keygenDir, "kyber.key"), kemPriv); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(keygenDir, "kyber.pub"), []byte(hex.EncodeToString(kemPub)+"\n"), 0o644); err != nil {
				return err
			}
			fmt.Printf("KEM public key written to %s\n", filepath.Join(keygenDir, "kyber.pub"))
		}
		return nil
	},
}

func writeKeyFile(path string, key []byte) error {
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func init() {
	keygenCmd.Flags().StringVar(&keygenDir, "dir", "keys", "directory to write key files into")
	keygenCmd.Flags().BoolVar(&keygenKEM, "kem", false, "also generate a Kyber768 KEM key pair")
	rootCmd.AddCommand(keygenCmd)
}
