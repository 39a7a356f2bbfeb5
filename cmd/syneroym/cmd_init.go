package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kuuji/syneroym/internal/config"
	"github.com/kuuji/syneroym/internal/identity"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a new node configuration",
	Long: `Interactive setup wizard: generates a node identity key and writes a
config.toml/secrets.toml pair describing this node's bind address, optional
service catalog, and optional proxy/gateway client roles.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config without prompting")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()

	if _, err := os.Stat(cfgPath); err == nil && !initForce {
		var overwrite bool
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Config already exists at %s", cfgPath)).
				Description("Overwrite it?").
				Affirmative("Overwrite").
				Negative("Cancel").
				Value(&overwrite),
		)).WithTheme(customHuhTheme())
		if err := confirm.Run(); err != nil {
			return fmt.Errorf("form cancelled: %w", err)
		}
		if !overwrite {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()

	hostname, _ := os.Hostname()
	cfg.Node.Name = hostname
	cfg.Node.BindAddr = "0.0.0.0:4433"

	var enableGateway bool
	var enableProxy bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Node name").
				Value(&cfg.Node.Name),
			huh.NewInput().
				Title("Peer-endpoint bind address").
				Description("UDP address the peer transport listens on").
				Value(&cfg.Node.BindAddr),
			huh.NewInput().
				Title("Service catalog path").
				Description("Leave blank to accept no inbound tunnel sessions").
				Value(&cfg.Node.CatalogPath),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Start the TCP proxy role?").
				Description("Accepts plain TCP/TLS client connections and tunnels them to a remote peer").
				Value(&enableProxy),
			huh.NewConfirm().
				Title("Start the web gateway role?").
				Description("Accepts HTTP/WebSocket client connections and tunnels them to a remote peer").
				Value(&enableGateway),
		),
	).WithTheme(customHuhTheme())

	if err := form.Run(); err != nil {
		return fmt.Errorf("form cancelled: %w", err)
	}

	if enableProxy || enableGateway {
		var targetID string
		roleForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Target peer id").
				Description("The PeerID this node's proxy/gateway dials").
				Value(&targetID),
		)).WithTheme(customHuhTheme())
		if err := roleForm.Run(); err != nil {
			return fmt.Errorf("form cancelled: %w", err)
		}

		if enableProxy {
			cfg.Proxy.Enabled = true
			cfg.Proxy.Target = targetID
			if cfg.Proxy.ListenAddr == "" {
				cfg.Proxy.ListenAddr = ":8443"
			}
		}
		if enableGateway {
			cfg.Gateway.Enabled = true
			cfg.Gateway.Target = targetID
			if cfg.Gateway.ListenAddr == "" {
				cfg.Gateway.ListenAddr = ":8080"
			}
			signalingForm := huh.NewForm(huh.NewGroup(
				huh.NewInput().
					Title("Signaling server URL").
					Description("Leave blank to disable the WebRTC fallback transport").
					Value(&cfg.Gateway.SignalingURL),
			)).WithTheme(customHuhTheme())
			if err := signalingForm.Run(); err != nil {
				return fmt.Errorf("form cancelled: %w", err)
			}
		}
	}

	priv, err := identity.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generating node identity: %w", err)
	}
	cfg.Node.PrivateKey = priv
	peerID := identity.DerivePeerID(identity.PublicKey(priv))

	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Fprintf(os.Stderr, "\nConfig written to: %s\n", cfgPath)
	fmt.Fprintf(os.Stderr, "Peer ID:           %s\n", peerID)
	fmt.Fprintf(os.Stderr, "\nShare the peer ID with other nodes that need to reach this one.\n")
	fmt.Fprintf(os.Stderr, "Run 'syneroym run' to start the node.\n")

	return nil
}
