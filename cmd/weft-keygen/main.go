// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// weft-keygen bootstraps a node's key material: it generates the
// encryption and signing keypairs for an identity, an age identity to
// seal them with, and writes the sealed keyring plus the age secret to
// disk. The printed public keys go into the naming registry record.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/weft-foundation/weft/lib/identity"
	"github.com/weft-foundation/weft/lib/keyring"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	identityName := pflag.String("identity", "",
		"identity to generate keys for, e.g. @@alpha.weft/main (required)")
	keyringPath := pflag.String("keyring-file", "weft-keys.age",
		"where to write the sealed keyring")
	agePath := pflag.String("age-identity-file", "weft-age-identity",
		"where to write the age secret that unseals the keyring")
	pflag.Parse()

	if *identityName == "" {
		return fmt.Errorf("--identity is required")
	}
	if _, err := identity.Parse(*identityName); err != nil {
		return fmt.Errorf("--identity: %w", err)
	}

	keys, err := keyring.Generate(*identityName)
	if err != nil {
		return fmt.Errorf("generating keys: %w", err)
	}
	defer keys.Close()

	ageSecret, agePublic, err := keyring.GenerateAgeIdentity()
	if err != nil {
		return fmt.Errorf("generating age identity: %w", err)
	}
	defer ageSecret.Close()

	if err := keys.SealToFile(*keyringPath, []string{agePublic}); err != nil {
		return fmt.Errorf("sealing keyring: %w", err)
	}
	if err := os.WriteFile(*agePath, append(ageSecret.Bytes(), '\n'), 0600); err != nil {
		return fmt.Errorf("writing age identity: %w", err)
	}

	encryptionKey, err := keys.Encryption.PublicKey()
	if err != nil {
		return err
	}

	fmt.Printf("identity:        %s\n", *identityName)
	fmt.Printf("sealed keyring:  %s\n", *keyringPath)
	fmt.Printf("age identity:    %s (keep secret)\n", *agePath)
	fmt.Printf("encryption key:  %s\n", encryptionKey.Hex())
	fmt.Printf("signing key:     %s\n", keyring.SigningPublicKeyHex(keys.Signing.PublicKey()))
	return nil
}
