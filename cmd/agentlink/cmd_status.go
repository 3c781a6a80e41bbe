package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/journal"
	"github.com/user/agentlink/internal/stream"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the backend and show connection and stream state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "mode\t%s\n", cfg.Backend.Mode)
		switch cfg.Backend.Mode {
		case "remote":
			fmt.Fprintf(w, "url\t%s\n", cfg.Backend.RemoteURL)
		default:
			fmt.Fprintf(w, "port\t%d\n", cfg.Backend.Port)
		}
		if cfg.Backend.Directory != "" {
			fmt.Fprintf(w, "directory\t%s\n", cfg.Backend.Directory)
		}
		if m := cfg.SelectedModel(); m != nil {
			fmt.Fprintf(w, "model\t%s/%s\n", m.ProviderID, m.ModelID)
		}
		if cfg.Session.LastID != "" {
			fmt.Fprintf(w, "session\t%s\n", cfg.Session.LastID)
		}
		if ids, err := journal.New(cfg.JournalDir()).Sessions(); err == nil {
			fmt.Fprintf(w, "journal\t%s (%d sessions)\n", cfg.JournalDir(), len(ids))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		r := newRenderer()
		g, err := connectGateway(context.Background(), cfg)
		if err != nil {
			state := connection.State{Phase: connection.PhaseError, Message: err.Error()}
			fmt.Fprintln(os.Stdout, r.Status(state, stream.Health{Phase: stream.PhaseIdle}))
			return errors.New("backend unreachable")
		}
		defer g.Stop()
		fmt.Fprintln(os.Stdout, r.Status(g.Conn.State(), g.Conn.StreamHealth()))
		return nil
	},
}
