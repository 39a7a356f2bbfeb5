package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuuji/syneroym/internal/identity"
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new node identity key",
	Long: `Generate a new Curve25519 private key suitable for a node identity.
The private key is printed to stdout as base64. The corresponding
PeerID (derived from the public key) is printed to stderr.

Example:
  syneroym genkey                    # print private key
  syneroym genkey 2>/dev/null        # private key only (pipe-friendly)`,
	RunE: runGenkey,
}

func runGenkey(cmd *cobra.Command, args []string) error {
	priv, err := identity.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	pub := identity.PublicKey(priv)
	peerID := identity.DerivePeerID(pub)

	fmt.Println(priv.String())
	fmt.Fprintf(cmd.ErrOrStderr(), "peer id: %s\n", peerID)

	return nil
}
