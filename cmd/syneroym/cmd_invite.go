package main

import (
	"fmt"
	"os"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/kuuji/syneroym/internal/identity"
)

var inviteAddrs []string

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Print this node's peer address for others to dial",
	Long: `Prints this node's PeerID, optionally paired with reachability hints
(multiaddrs), as the "target"/"target_addrs" values another node's proxy
or gateway config needs to reach this node. Also renders the PeerID as a
QR code for scanning on a device configuring a new node by hand.`,
	RunE: runInvite,
}

func init() {
	inviteCmd.Flags().StringSliceVar(&inviteAddrs, "addr", nil, "reachability hint multiaddr (repeatable), e.g. /ip4/203.0.113.5/udp/4433")
}

func runInvite(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w (run 'syneroym init' first)", err)
	}

	peerID, err := cfg.PeerID()
	if err != nil {
		return fmt.Errorf("node identity: %w", err)
	}

	for _, a := range inviteAddrs {
		if _, err := identity.ParseMultiaddr(a); err != nil {
			return fmt.Errorf("invalid --addr %q: %w", a, err)
		}
	}

	qr, err := qrcode.New(string(peerID), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generating QR code: %w", err)
	}

	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	fmt.Fprintf(os.Stderr, "target      = %q\n", peerID)
	if len(inviteAddrs) > 0 {
		fmt.Fprintf(os.Stderr, "target_addrs = %q\n", inviteAddrs)
	}
	fmt.Fprintln(os.Stderr, "\nAdd these values to the peer's proxy/gateway config to let it dial this node.")

	return nil
}
