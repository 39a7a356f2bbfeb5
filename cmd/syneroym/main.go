// Command syneroym runs a peer-routing fabric node: it advertises local
// backend services from a catalog, accepts inbound peer streams and tunnels
// them to those backends, and optionally runs the client-side TCP proxy and
// web gateway roles against a remote peer.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "syneroym",
	Short: "Peer-to-peer service fabric node",
	Long: `syneroym lets browsers and HTTP clients reach services hosted on
remote peers without a central server. A node advertises named backend
services from a local catalog, accepts inbound peer streams and routes
them to those services, and can optionally run a TCP proxy or browser
gateway that tunnels client connections to a remote peer.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: /etc/syneroym/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(inviteCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the syneroym version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
