package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/syneroym/internal/config"
	"github.com/kuuji/syneroym/internal/control"
	"github.com/kuuji/syneroym/internal/node"
)

var runNoControl bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fabric node",
	Long: `Start the node bootstrap sequence: load the service catalog, bind the
peer-endpoint transport, start the inbound listener, optionally join the
signaling mesh for WebRTC fallback, and optionally start the proxy and/or
gateway client roles. Blocks until interrupted.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runNoControl, "no-control-socket", false, "disable the status control socket")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()

	if err := config.MigrateConfigSplit(cfgPath); err != nil {
		globalLogger.Warn("config split migration failed", "error", err)
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}

	n := node.New(cfg, globalLogger)
	if err := n.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !runNoControl {
		n.ControlSocketPath = control.ResolveSocketPath()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	globalLogger.Info("starting syneroym", "config", cfgPath)

	if err := n.Run(ctx); err != nil {
		if ctx.Err() != nil {
			globalLogger.Info("syneroym stopped")
			return nil
		}
		return fmt.Errorf("node error: %w", err)
	}

	return nil
}
