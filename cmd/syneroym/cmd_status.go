package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/syneroym/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	Long:  `Query the running syneroym node over its control socket and display identity, catalog size, and active peer sessions.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := control.FetchStatus(control.ResolveSocketPath())
	if err != nil {
		return fmt.Errorf("is syneroym running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "%s  %s\n", styleKey.Render("Peer ID:"), status.PeerID)
	fmt.Fprintf(os.Stdout, "%s  %s\n", styleKey.Render("Bind:   "), status.BindAddr)
	fmt.Fprintf(os.Stdout, "%s  %d\n", styleKey.Render("Catalog:"), status.CatalogSize)
	fmt.Fprintf(os.Stdout, "%s  %s\n", styleKey.Render("Uptime: "), formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))
	fmt.Fprintf(os.Stdout, "%s  %d active / %d total\n", styleKey.Render("Sessions:"), status.Sessions.Active, status.Sessions.Total)
	fmt.Println()

	if len(status.Peers) == 0 {
		fmt.Println("No active sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDIRECTION\tTRANSPORT\tCONNECTED")
	for _, p := range status.Peers {
		connected := "-"
		if !p.ConnectedAt.IsZero() {
			connected = formatDuration(time.Since(p.ConnectedAt)) + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Direction, p.Transport, connected)
	}
	w.Flush()

	return nil
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
