package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuuji/wgpanel/internal/config"
)

var genkeyPSK bool

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new WireGuard private key",
	Long: `Generate a new Curve25519 private key suitable for WireGuard.
The private key is printed to stdout as base64. The corresponding
public key is printed to stderr.

With --psk a random preshared key is printed instead.

Example:
  wgpanel genkey                    # print private key
  wgpanel genkey 2>/dev/null        # private key only (pipe-friendly)
  wgpanel genkey --psk              # print a preshared key`,
	RunE: runGenkey,
}

func init() {
	genkeyCmd.Flags().BoolVar(&genkeyPSK, "psk", false, "generate a preshared key")
}

func runGenkey(cmd *cobra.Command, args []string) error {
	if genkeyPSK {
		psk, err := config.GeneratePresharedKey()
		if err != nil {
			return fmt.Errorf("generating preshared key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), psk.String())
		return nil
	}

	privKey, err := config.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	pubKey := config.PublicKey(privKey)

	// Private key to stdout (pipe-friendly).
	fmt.Fprintln(cmd.OutOrStdout(), privKey.String())

	// Public key to stderr (informational).
	fmt.Fprintf(cmd.ErrOrStderr(), "public key: %s\n", pubKey.String())

	return nil
}
